// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package main is the entry point for the mauhost server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
