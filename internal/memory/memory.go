// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the append-only JSONL memory log bound to a
// workspace: memory-save/patch events are appended line by line and
// never rewritten; reads fold the whole file into a resolved view.
//
// Storage follows the same append-and-sync discipline as
// lib/agentdriver's SessionLogWriter, generalized from a single-writer
// in-process mutex to a cross-process advisory file lock (an OS-level
// flock, not just an in-process mutex), since a workspace's memory log
// may be written by more than one gateway process instance.
package memory

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/relaybridge/relaybridge/internal/errs"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"

	ImportanceHigh   = "high"
	ImportanceNormal = "normal"

	publicFile  = "memory.public.jsonl"
	privateFile = "memory.private.jsonl"

	// tsLayout is fixed-width UTC, so comparing ts strings orders
	// them chronologically.
	tsLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Event is a memory event as appended to the log: type="memory".
type Event struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	TS         string `json:"ts"`
	Enabled    bool   `json:"enabled"`
	Visibility string `json:"visibility"`
	Importance string `json:"importance"`
	Content    string `json:"content"`
}

// Patch is a patch event as appended to the log: type="patch". Changes
// holds only the fields actually being modified — never content, id, or ts.
type Patch struct {
	Type     string        `json:"type"`
	TargetID string        `json:"target_id"`
	TS       string        `json:"ts"`
	Changes  PatchChangeSet `json:"changes"`
}

// PatchChangeSet is the subset of {enabled, visibility, importance} a
// patch may alter. Pointer fields distinguish "not present" from a
// present-but-zero value.
type PatchChangeSet struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	Visibility *string `json:"visibility,omitempty"`
	Importance *string `json:"importance,omitempty"`
}

// Resolved is the logical view of a memory after folding its original
// event and every subsequent patch in ts order. Content is immutable
// and always equals the originating memory event's content.
type Resolved struct {
	ID         string
	TS         string
	Enabled    bool
	Visibility string
	Importance string
	Content    string
}

// Log is bound to one workspace path and scopes reads/writes to the
// public memory file, and additionally the private file when the
// workspace is a DM.
type Log struct {
	workspacePath string
	isDM          bool

	entropy *ulid.MonotonicEntropy
}

// NewLog binds a Log to workspacePath. isDM controls whether private
// memory operations are permitted (SPEC_FULL §3/§4.2: a non-DM
// workspace must never have a memory.private.jsonl file).
func NewLog(workspacePath string, isDM bool) *Log {
	return &Log{
		workspacePath: workspacePath,
		isDM:          isDM,
		entropy:       ulid.Monotonic(rand.Reader, 0),
	}
}

// Add appends a new memory event. visibility="private" is rejected
// outside a DM workspace with the exact message SPEC_FULL §6 fixes.
func (l *Log) Add(content, visibility, importance string) (Event, error) {
	if visibility == VisibilityPrivate && !l.isDM {
		return Event{}, errs.New(errs.Skill, "Private memories can only be saved in DM contexts")
	}

	now := time.Now().UTC()
	event := Event{
		Type:       "memory",
		ID:         l.nextID(now),
		TS:         now.Format(tsLayout),
		Enabled:    true,
		Visibility: visibility,
		Importance: importance,
		Content:    content,
	}

	if err := l.appendLine(l.fileFor(visibility), event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Patch appends a patch event targeting targetID. A patch whose
// targetID has no matching memory event is still persisted — it simply
// has no effect during resolution (SPEC_FULL §3/§9).
func (l *Log) Patch(targetID string, changes PatchChangeSet) (Patch, error) {
	now := time.Now().UTC()
	patch := Patch{
		Type:     "patch",
		TargetID: targetID,
		TS:       now.Format(tsLayout),
		Changes:  changes,
	}

	// Patches are appended to whichever file currently holds the target
	// memory; if unknown, default to the public file (it is eventually
	// harmless — resolution of an unmatched id is a no-op either way).
	file := publicFile
	if l.isDM {
		if _, ok, err := l.findInFile(privateFile, targetID); err == nil && ok {
			file = privateFile
		}
	}

	if err := l.appendLine(file, patch); err != nil {
		return Patch{}, err
	}
	return patch, nil
}

// Important returns every enabled memory with importance=high, across
// public memories and (if the workspace is a DM) private memories, in
// ascending ts order.
func (l *Log) Important(limit int) ([]Resolved, error) {
	all, err := l.resolveAll()
	if err != nil {
		return nil, err
	}

	var important []Resolved
	for _, r := range all {
		if r.Enabled && r.Importance == ImportanceHigh {
			important = append(important, r)
		}
	}
	sort.Slice(important, func(i, j int) bool { return important[i].TS < important[j].TS })

	if limit > 0 && len(important) > limit {
		important = important[:limit]
	}
	return important, nil
}

// Search performs a case-insensitive, whitespace-split, AND-of-terms
// substring match over resolved memory content, ordered by ts
// descending, capped at limit. maxChars caps each result's content; a
// value of 0 or less disables capping.
func (l *Log) Search(query string, limit, maxChars int) ([]Resolved, error) {
	if limit <= 0 {
		limit = 10
	}

	terms := strings.Fields(strings.ToLower(query))

	all, err := l.resolveAll()
	if err != nil {
		return nil, err
	}

	var matches []Resolved
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		lowerContent := strings.ToLower(r.Content)
		matched := true
		for _, term := range terms {
			if !strings.Contains(lowerContent, term) {
				matched = false
				break
			}
		}
		if matched {
			if maxChars > 0 && len(r.Content) > maxChars {
				r.Content = r.Content[:maxChars]
			}
			matches = append(matches, r)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].TS > matches[j].TS })

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// resolveAll folds every event across the files this log is permitted
// to read (public, plus private when isDM) into one id->Resolved map,
// applying patches in ts order, and returns the resolved values.
// Unreadable lines are skipped (not fatal); no count of skipped lines
// is kept or reported.
func (l *Log) resolveAll() ([]Resolved, error) {
	type timestamped struct {
		ts   string
		kind string // "memory" or "patch"
		ev   Event
		pt   Patch
	}

	files := []string{publicFile}
	if l.isDM {
		files = append(files, privateFile)
	}

	var entries []timestamped
	for _, file := range files {
		path := filepath.Join(l.workspacePath, file)
		lines, err := readLines(path)
		if err != nil {
			return nil, errs.Wrap(errs.Memory, fmt.Sprintf("reading memory log %s", file), err)
		}
		for _, line := range lines {
			var probe struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(line, &probe); err != nil {
				continue // malformed line: skipped, not fatal
			}
			switch probe.Type {
			case "memory":
				var event Event
				if err := json.Unmarshal(line, &event); err != nil {
					continue
				}
				entries = append(entries, timestamped{ts: event.TS, kind: "memory", ev: event})
			case "patch":
				var patch Patch
				if err := json.Unmarshal(line, &patch); err != nil {
					continue
				}
				entries = append(entries, timestamped{ts: patch.TS, kind: "patch", pt: patch})
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	resolved := make(map[string]*Resolved)
	var order []string
	for _, entry := range entries {
		switch entry.kind {
		case "memory":
			r := Resolved{
				ID:         entry.ev.ID,
				TS:         entry.ev.TS,
				Enabled:    entry.ev.Enabled,
				Visibility: entry.ev.Visibility,
				Importance: entry.ev.Importance,
				Content:    entry.ev.Content,
			}
			if _, exists := resolved[r.ID]; !exists {
				order = append(order, r.ID)
			}
			resolved[r.ID] = &r
		case "patch":
			target, ok := resolved[entry.pt.TargetID]
			if !ok {
				continue // unknown target_id: persisted, ignored during resolution
			}
			if entry.pt.Changes.Enabled != nil {
				target.Enabled = *entry.pt.Changes.Enabled
			}
			if entry.pt.Changes.Visibility != nil {
				target.Visibility = *entry.pt.Changes.Visibility
			}
			if entry.pt.Changes.Importance != nil {
				target.Importance = *entry.pt.Changes.Importance
			}
		}
	}

	results := make([]Resolved, 0, len(order))
	for _, id := range order {
		results = append(results, *resolved[id])
	}
	return results, nil
}

func (l *Log) findInFile(file, id string) (Event, bool, error) {
	path := filepath.Join(l.workspacePath, file)
	lines, err := readLines(path)
	if err != nil {
		return Event{}, false, err
	}
	for _, line := range lines {
		var event Event
		if json.Unmarshal(line, &event) != nil || event.Type != "memory" {
			continue
		}
		if event.ID == id {
			return event, true, nil
		}
	}
	return Event{}, false, nil
}

func (l *Log) fileFor(visibility string) string {
	if visibility == VisibilityPrivate {
		return privateFile
	}
	return publicFile
}

// nextID generates a locally-unique, monotonic, sortable id by
// combining the current timestamp with ULID's monotonic random
// component (SPEC_FULL §3/§4.2: "monotonic preferred").
func (l *Log) nextID(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), l.entropy)
	return strings.ToLower(id.String())
}

// appendLine appends value as one JSON line to file under an advisory
// flock scoped to the (workspacePath, file) pair, guaranteeing the line
// is fully written before any concurrent appender's line begins —
// SPEC_FULL §4.2's atomic-at-line-granularity requirement, enforced
// across process boundaries rather than only in-process.
func (l *Log) appendLine(file string, value any) error {
	if file == privateFile && !l.isDM {
		return errs.New(errs.Skill, "Private memories can only be saved in DM contexts")
	}

	lockFile, err := os.OpenFile(lockPath(l.workspacePath, file), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errs.Wrap(errs.Memory, "opening memory log lock", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return errs.Wrap(errs.Memory, "locking memory log", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	data, err := json.Marshal(value)
	if err != nil {
		return errs.Wrap(errs.Memory, "encoding memory log line", err)
	}
	data = append(data, '\n')

	handle, err := os.OpenFile(filepath.Join(l.workspacePath, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.Memory, "opening memory log", err)
	}
	defer handle.Close()

	if _, err := handle.Write(data); err != nil {
		return errs.Wrap(errs.Memory, "appending memory log line", err)
	}
	return handle.Sync()
}

// lockPath derives a per-(workspace,file) advisory lock path by hashing
// the pair with blake3, following the teacher's convention of
// content-addressed naming wherever a short stable name is needed from
// a longer key.
func lockPath(workspacePath, file string) string {
	sum := blake3.Sum256([]byte(workspacePath + "\x00" + file))
	return filepath.Join(workspacePath, fmt.Sprintf(".%x.lock", sum[:8]))
}

func readLines(path string) ([][]byte, error) {
	handle, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer handle.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		copied := make([]byte, len(line))
		copy(copied, line)
		lines = append(lines, copied)
	}
	return lines, scanner.Err()
}
