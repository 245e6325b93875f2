// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the oidcd daemon.
package main

import (
	"os"

	"github.com/stacklok/oidcd/cmd/oidcd/app"
	"github.com/stacklok/oidcd/pkg/logger"
)

func main() {
	logger.Initialize(false, false)
	defer func() { _ = logger.Sync() }()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
