// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the oidcd command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/oidcd/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "oidcd",
	DisableAutoGenTag: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		if debug {
			logger.Initialize(true, false)
		}
	},
	Short:             "oidcd is a minimal OpenID Connect provider",
	Long: `oidcd is a minimal OpenID Connect provider daemon.

It serves the OIDC discovery, JWKS, authorization, interaction, and
token endpoints for a configured set of clients, supporting the
implicit, authorization code (with PKCE), and refresh token grants.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the oidcd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
