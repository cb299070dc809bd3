// Package main implements the haphazard CLI tool.
//
// The haphazard tool ships two developer-facing utilities for programs
// built on the hazard-pointer reclamation runtime:
//
//  1. A stress harness that hammers the retire/protect/unlink protocol
//     across a goroutine pool and verifies the exactly-once-free and
//     no-use-after-free invariants under load.
//  2. A static misuse checker that walks a module's sources and reports
//     hazard-guard handling mistakes the type system cannot catch.
//
// Usage:
//
//	haphazard stress -workers 8 -readers 8 -ops 100000
//	haphazard vet ./...
//	haphazard version
//
// This is the CLI entry point for the standalone tool.
package main

import (
	"fmt"
	"os"

	"github.com/powergee/haphazard/hazptr"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "stress":
		stressCommand(os.Args[2:])
	case "vet":
		vetCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("haphazard version %s\n", hazptr.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`haphazard - Hazard-Pointer Reclamation Toolkit

USAGE:
    haphazard <command> [arguments]

COMMANDS:
    stress     Run a concurrent reclamation stress workload
    vet        Check a module's sources for hazard-guard misuse
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Hammer the protocol with 8 writers and 8 readers
    haphazard stress -workers 8 -readers 8 -ops 100000

    # Mix protected unlinks into half of the write operations
    haphazard stress -unlink 0.5 -duration 30s

    # Check the current module for guard leaks and nil closures
    haphazard vet .

    # Check a specific package tree
    haphazard vet ./internal/...

ABOUT:
    The stress command drives Retire, RetirePP, TryUnlink and guarded
    reads concurrently and fails with a non-zero exit code if any node
    is freed twice, leaked, or observed after its destructor ran.

    The vet command parses the target module's Go sources and reports
    guards that are acquired but never released and literal nil mark or
    free closures passed to TryUnlink. Both are caller-contract
    violations the runtime cannot detect for you.

FOR MORE INFORMATION:
    Repository: https://github.com/powergee/haphazard

`)
}
