// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the stepkernel
// harness and its CLI.
//
// Configuration is loaded from a single file specified by either the
// STEPKERNEL_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production without an explicit section
// gets the pool strategy with seccomp and isolation forced on.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${STEPKERNEL_PREFIX}, and ${VAR:-default} patterns are
// expanded.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Domains, Kernel, Operations, Forkserver
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other stepkernel packages.
package config
