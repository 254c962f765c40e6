// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// stepkernel runs single unit operations through the harness for
// operators and for debugging units.
//
// Usage:
//
//	stepkernel compile [flags]
//	stepkernel validate [flags]
//	stepkernel migrate-params [flags]
//	stepkernel render [flags]
//	stepkernel fetch [flags]
//	stepkernel clear [flags]
//	stepkernel capabilities
//	stepkernel version
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/stepkernel/lib/process"
	"github.com/bureau-foundation/stepkernel/lib/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if os.Getenv("STEPKERNEL_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "compile":
		err = compileCommand(args, logger)
	case "validate":
		err = validateCommand(args, logger)
	case "migrate-params":
		err = migrateParamsCommand(args, logger)
	case "render":
		err = renderCommand(args, logger)
	case "fetch":
		err = fetchCommand(args, logger)
	case "clear":
		err = clearCommand(args, logger)
	case "capabilities":
		err = capabilitiesCommand()
	case "version", "--version", "-v":
		fmt.Printf("stepkernel %s\n", version.Info())
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		process.Fatal(err)
	}
}

func printUsage() {
	fmt.Print(`stepkernel - Run unit operations in isolated workers

USAGE
    stepkernel <command> [flags]

COMMANDS
    compile         Check unit code and show how it would be shipped
    validate        List the operations a unit implements
    migrate-params  Upgrade saved params to the unit's current shape
    render          Transform a table with a unit
    fetch           Fetch data with a unit
    clear           Reset an isolation domain to its base layer
    capabilities    Show which isolation features this host supports
    version         Show version

EXAMPLES
    # Check that a builtin module loads
    stepkernel validate --config=/etc/stepkernel.yaml --name=identity

    # Render with a static executable unit
    stepkernel render --kind=exec --file=./myunit --params='{"limit": 10}' --input=table.json

    # Fetch and keep the fetched data
    stepkernel fetch --kind=exec --file=./scraper --secrets=@secrets.json --output=fetched.parquet

ENVIRONMENT
    STEPKERNEL_CONFIG  Path to stepkernel.yaml (or use --config)
    STEPKERNEL_DEBUG   Enable debug logging
`)
}
