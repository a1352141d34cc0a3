// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command gateway-memory inspects, searches, and exports a workspace's
// memory log from the command line, outside the gateway server
// process — a small, real consumer of the Memory Log package for
// operators debugging what an agent has recorded.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/relaybridge/relaybridge/internal/memory"
)

var (
	workspacePath string
	isDM          bool
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	idStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	enabledStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	disabledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Strikethrough(true)
	importanceHigh = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
)

func main() {
	root := &cobra.Command{
		Use:           "gateway-memory",
		Short:         "Inspect a workspace's memory log",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&workspacePath, "workspace", "", "path to the workspace directory (required)")
	root.PersistentFlags().BoolVar(&isDM, "dm", false, "treat the workspace as a DM context (includes private memories)")
	root.MarkPersistentFlagRequired("workspace")

	root.AddCommand(searchCmd(), importantCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search resolved memories by substring, AND of terms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := memory.NewLog(workspacePath, isDM)
			results, err := log.Search(args[0], limit, 0)
			if err != nil {
				return fmt.Errorf("searching memory log: %w", err)
			}
			printResolved(results)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	return cmd
}

func importantCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "important",
		Short: "List high-importance, enabled memories in chronological order",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := memory.NewLog(workspacePath, isDM)
			results, err := log.Important(limit)
			if err != nil {
				return fmt.Errorf("loading important memories: %w", err)
			}
			printResolved(results)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of results (0 = no limit)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every enabled resolved memory as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := memory.NewLog(workspacePath, isDM)
			// Search defaults limit<=0 to 10, so export passes an
			// effectively-unbounded limit. Search skips disabled
			// memories, so they are not exported.
			results, err := log.Search("", 1<<31-1, 0)
			if err != nil {
				return fmt.Errorf("resolving memory log: %w", err)
			}
			encoder := json.NewEncoder(os.Stdout)
			for _, r := range results {
				if err := encoder.Encode(r); err != nil {
					return fmt.Errorf("encoding memory %s: %w", r.ID, err)
				}
			}
			return nil
		},
	}
	return cmd
}

// printResolved renders results as a styled table when stdout is a
// terminal, plain text otherwise — the same interactive-vs-piped
// detection convention the teacher's CLI tools apply before engaging
// richer rendering.
func printResolved(results []memory.Resolved) {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	if !interactive {
		termenv.DefaultOutput().Profile = termenv.Ascii
	}

	if len(results) == 0 {
		fmt.Println("no memories found")
		return
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-28s %-10s %-10s %s", "ID", "ENABLED", "IMPORTANCE", "CONTENT")))
	for _, r := range results {
		enabled := enabledStyle.Render("enabled")
		if !r.Enabled {
			enabled = disabledStyle.Render("disabled")
		}
		importance := r.Importance
		if r.Importance == memory.ImportanceHigh {
			importance = importanceHigh.Render(importance)
		}
		fmt.Printf("%s %-10s %-10s %s\n", idStyle.Render(fmt.Sprintf("%-28s", r.ID)), enabled, importance, r.Content)
	}
}
