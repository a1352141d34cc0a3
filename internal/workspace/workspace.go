// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace resolves and gates the per-conversation working
// directories that bound every agent session. A workspace is identified
// by a key of the form "{platform}/{user_id}/{channel_id}" and maps to a
// filesystem path under a configured root; no two distinct keys ever
// share a path, and no operation bound to a workspace may observe a
// resolved path outside it.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaybridge/relaybridge/internal/errs"
)

// Workspace identifies one isolated per-conversation working directory.
type Workspace struct {
	Key        string
	Path       string
	IsDM       bool
	Platform   string
	UserID     string
	ChannelID  string
}

// Event is the minimal subset of a normalized event the Manager needs
// to resolve a workspace. The orchestrator builds one from the fields
// of an adapter.Event.
type Event struct {
	Platform  string
	UserID    string
	ChannelID string
	IsDM      bool
}

// Key computes workspace_key = "{platform}/{user_id}/{channel_id}" with
// no URL-encoding, exactly as SPEC_FULL §6 fixes it.
func Key(platform, userID, channelID string) string {
	return fmt.Sprintf("%s/%s/%s", platform, userID, channelID)
}

// Manager resolves workspace keys to filesystem paths under root and
// enforces that no session ever touches a path outside its workspace.
//
// Creation is idempotent: repeated calls to GetOrCreate for the same key
// return the same path (SPEC_FULL §8 round-trip law) and never fail
// because the directory already exists.
type Manager struct {
	root          string
	workspacesDir string
}

// NewManager constructs a Manager rooted at filepath.Join(root, workspacesDir).
func NewManager(root, workspacesDir string) *Manager {
	return &Manager{root: root, workspacesDir: workspacesDir}
}

// GetPath computes the filesystem path for a workspace key without
// touching the filesystem. path = {root}/{workspacesDir}/{platform}/{user_id}/{channel_id}.
func (m *Manager) GetPath(platform, userID, channelID string) string {
	return filepath.Join(m.root, m.workspacesDir, platform, userID, channelID)
}

// GetOrCreate resolves the workspace for event, creating its directory
// (and the full ancestor chain) if it does not already exist.
func (m *Manager) GetOrCreate(event Event) (*Workspace, error) {
	path := m.GetPath(event.Platform, event.UserID, event.ChannelID)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errs.Wrap(errs.Boundary, fmt.Sprintf("creating workspace directory %s", path), err)
	}

	return &Workspace{
		Key:       Key(event.Platform, event.UserID, event.ChannelID),
		Path:      path,
		IsDM:      event.IsDM,
		Platform:  event.Platform,
		UserID:    event.UserID,
		ChannelID: event.ChannelID,
	}, nil
}

// ValidateInside reports whether target, once fully resolved (symlinks
// followed) and made absolute, falls within ws.Path. Unlike a simple
// string-prefix check against unresolved input, this follows every
// symlink component so a workspace cannot be escaped via a planted
// symlink — the resolved comparison SPEC_FULL §4.1/§9 requires.
//
// If target does not exist yet (e.g. a file about to be created),
// resolution walks up to the nearest existing ancestor and resolves
// that, then rejoins the remaining (not-yet-existing) suffix.
func (m *Manager) ValidateInside(ws *Workspace, target string) (bool, error) {
	resolvedWorkspace, err := resolveExisting(ws.Path)
	if err != nil {
		return false, errs.Wrap(errs.Boundary, fmt.Sprintf("resolving workspace path %s", ws.Path), err)
	}

	resolvedTarget, err := resolveMaybeMissing(target)
	if err != nil {
		return false, errs.Wrap(errs.Boundary, fmt.Sprintf("resolving target path %s", target), err)
	}

	if resolvedTarget == resolvedWorkspace {
		return true, nil
	}
	return strings.HasPrefix(resolvedTarget, resolvedWorkspace+string(filepath.Separator)), nil
}

// resolveExisting fully resolves an absolute path that is expected to
// exist, following every symlink component.
func resolveExisting(path string) (string, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// resolveMaybeMissing resolves path the same way resolveExisting does,
// but tolerates a path whose final components do not exist yet (a file
// about to be written): it resolves the nearest existing ancestor and
// rejoins the remainder.
func resolveMaybeMissing(path string) (string, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	var suffix []string
	current := absolute
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		suffix = append([]string{filepath.Base(current)}, suffix...)
		current = parent
	}
}
