// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for stepkernel packages.
//
// [RequireRoot] skips tests that mount, chroot or change ownership.
// [UniqueID] names domains and temp prefixes that must not collide
// across subtests.
package testutil
