// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command gateway-config-check loads and validates a gateway config
// file, printing every validation error found and exiting 1 on
// failure, so operators catch configuration mistakes before starting
// the daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaybridge/relaybridge/internal/config"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "gateway-config-check [path]",
		Short:         "Validate a gateway configuration file",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			return check(path)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to gateway.yaml (overrides GATEWAY_CONFIG)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func check(path string) error {
	var cfg *config.Config
	var err error

	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	default:
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "configuration is invalid:")
		fmt.Fprintf(os.Stderr, "  %v\n", err)
		return err
	}

	fmt.Printf("configuration is valid (environment=%s, bind=%s:%d)\n", cfg.Environment, cfg.Gateway.BindHost, cfg.Gateway.BindPort)
	return nil
}
