// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package version holds the host version, overridable at build time.
package version

// Version is the mauhost release version. Set with
// -ldflags "-X github.com/mauhost/mauhost/internal/version.Version=...".
var Version = "0.1.0"
