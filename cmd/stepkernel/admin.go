// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/stepkernel/chroot"
	"github.com/bureau-foundation/stepkernel/kernel"
	"github.com/bureau-foundation/stepkernel/lib/binhash"
)

type compileReport struct {
	Identifier  string `json:"identifier"`
	Kind        string `json:"kind"`
	Digest      string `json:"digest"`
	Compression string `json:"compression"`
	Size        int    `json:"size"`
	StoredSize  int    `json:"stored_size"`
}

// compileCommand checks unit code without starting a worker or
// touching a domain.
func compileCommand(args []string, logger *slog.Logger) error {
	var unitFlags unitFlags
	var compression string
	flagSet := pflag.NewFlagSet("compile", pflag.ContinueOnError)
	unitFlags.AddFlags(flagSet)
	flagSet.StringVar(&compression, "compression", "auto", "none, lz4, zstd or auto")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	name, kind, code, err := unitFlags.load()
	if err != nil {
		return err
	}
	compiler, err := kernel.New(kernel.Config{
		Spawner:     noSpawner{},
		Compression: compression,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	unit, err := compiler.Compile(name, kind, code)
	if err != nil {
		return err
	}
	return printJSON(compileReport{
		Identifier:  unit.Identifier,
		Kind:        string(unit.Kind),
		Digest:      binhash.FormatDigest(unit.Digest),
		Compression: unit.Compression.String(),
		Size:        unit.Size,
		StoredSize:  len(unit.Code),
	})
}

func clearCommand(args []string, logger *slog.Logger) error {
	var harnessFlags harnessFlags
	var unowned bool
	flagSet := pflag.NewFlagSet("clear", pflag.ContinueOnError)
	flagSet.StringVar(&harnessFlags.configPath, "config", "", "path to stepkernel.yaml (default: $STEPKERNEL_CONFIG)")
	flagSet.StringVar(&harnessFlags.domain, "domain", "", "isolation domain to clear (default: first configured domain)")
	flagSet.BoolVar(&unowned, "unowned", false, "remove only entries owned by a sandbox UID")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := harnessFlags.loadConfig()
	if err != nil {
		return err
	}
	name, err := harnessFlags.resolveDomain(cfg)
	if err != nil {
		return err
	}
	h := &harness{config: cfg, logger: logger}
	defer h.Close()
	domain, err := h.openDomain(name, false)
	if err != nil {
		return err
	}

	if unowned {
		err = domain.ClearUnownedEdits()
	} else {
		err = domain.ClearAllEdits()
	}
	if err != nil {
		return fmt.Errorf("clearing domain %s: %w", name, err)
	}
	logger.Info("cleared domain", "domain", name, "unowned_only", unowned)
	return nil
}

type capabilitiesReport struct {
	*chroot.Capabilities
	CanMountOverlay bool   `json:"can_mount_overlay"`
	CanIsolate      bool   `json:"can_isolate"`
	SkipReason      string `json:"skip_reason,omitempty"`
}

func capabilitiesCommand() error {
	capabilities := chroot.DetectCapabilities()
	return printJSON(capabilitiesReport{
		Capabilities:    capabilities,
		CanMountOverlay: capabilities.CanMountOverlay(),
		CanIsolate:      capabilities.CanIsolate(),
		SkipReason:      capabilities.SkipReason(),
	})
}
