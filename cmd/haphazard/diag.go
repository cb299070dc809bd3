// diag.go defines the structured findings the 'haphazard vet' command
// reports. Every finding carries its source position (file:line:column)
// and, where one exists, a concrete suggestion for fixing the misuse.
//
// Example output:
//
//	cache/table.go:42:7: hazard guard "g" acquired but never released
//	  suggestion: call Release when the guarded pointer is no longer dereferenced; a leaked guard pins its registry slot and can stall reclamation forever
package main

import (
	"fmt"
	"go/token"
)

// Diagnostic is one vet finding with source context.
//
// Fields:
//   - File: source file path where the misuse was found
//   - Line: line number (1-indexed)
//   - Column: column number (1-indexed)
//   - Check: short identifier of the check that fired
//   - Message: human-readable description of the misuse
//   - Suggestion: optional hint for fixing it (empty if none)
//
// Immutable after creation, safe for concurrent use.
type Diagnostic struct {
	File       string
	Line       int
	Column     int
	Check      string
	Message    string
	Suggestion string
}

// String formats the finding as file:line:column: message, with the
// suggestion indented on a second line when present.
func (d *Diagnostic) String() string {
	result := fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Column, d.Message)
	if d.Suggestion != "" {
		result += fmt.Sprintf("\n  suggestion: %s", d.Suggestion)
	}
	return result
}

// newDiagnostic creates a finding positioned at an AST node.
//
// The position comes from the FileSet the node was parsed with, so the
// finding points at the exact source location of the misuse.
func newDiagnostic(fset *token.FileSet, pos token.Pos, check, msg string) *Diagnostic {
	position := fset.Position(pos)
	return &Diagnostic{
		File:    position.Filename,
		Line:    position.Line,
		Column:  position.Column,
		Check:   check,
		Message: msg,
	}
}

// newDiagnosticWithSuggestion creates a finding that includes a fix
// hint. Use it whenever the fix is mechanical enough to state.
func newDiagnosticWithSuggestion(fset *token.FileSet, pos token.Pos, check, msg, suggestion string) *Diagnostic {
	d := newDiagnostic(fset, pos, check, msg)
	d.Suggestion = suggestion
	return d
}
