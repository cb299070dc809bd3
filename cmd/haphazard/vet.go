// vet.go implements the 'haphazard vet' command.
//
// vet parses the Go sources of a target module and reports misuses of
// the reclamation API that the type system cannot catch: hazard guards
// that are acquired but neither released nor handed off, and literal
// nil closures passed to TryUnlink where the runtime will invoke them.
// Both checks are syntactic and conservative: a guard that escapes the
// function (stored, returned, passed along) is assumed to be released
// by whoever receives it.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/mod/modfile"
)

// modulePath is this project's module path; vet only has work to do in
// modules that depend on it.
const modulePath = "github.com/powergee/haphazard"

// hazptrImportPath is the import path of the public reclamation API
// whose misuse vet hunts for.
const hazptrImportPath = modulePath + "/hazptr"

// vetConfig holds configuration for the vet command.
type vetConfig struct {
	// target is the directory whose subtree is checked. A trailing
	// /... is accepted and ignored; the walk is always recursive.
	target string

	// verbose reports the module and file count while checking.
	verbose bool
}

// parseVetArgs parses command-line arguments for 'haphazard vet'.
func parseVetArgs(args []string) (*vetConfig, error) {
	cfg := &vetConfig{}

	fs := flag.NewFlagSet("vet", flag.ContinueOnError)
	fs.BoolVar(&cfg.verbose, "v", false, "report progress while checking")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch fs.NArg() {
	case 0:
		cfg.target = "."
	case 1:
		cfg.target = strings.TrimSuffix(fs.Arg(0), "/...")
		if cfg.target == "" || cfg.target == "..." {
			cfg.target = "."
		}
	default:
		return nil, fmt.Errorf("expected at most one target directory, got %d", fs.NArg())
	}

	return cfg, nil
}

// vetCommand implements the 'haphazard vet' command. Findings go to
// stderr in file:line:column form; any finding makes the exit code
// non-zero.
func vetCommand(args []string) {
	cfg, err := parseVetArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	diags, err := runVet(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, d := range diags {
		fmt.Fprintln(os.Stderr, d.String())
	}
	if len(diags) > 0 {
		os.Exit(1)
	}
}

// runVet locates the module governing the target directory, walks the
// target subtree and checks every Go source file that imports the
// reclamation API. Progress notes go to the given writer.
func runVet(cfg *vetConfig, progress io.Writer) ([]*Diagnostic, error) {
	root, mod, err := findModule(cfg.target)
	if err != nil {
		return nil, err
	}
	if cfg.verbose {
		fmt.Fprintf(progress, "vet: module %s (%s)\n", mod.Module.Mod.Path, root)
	}

	if !usesHazptr(mod) {
		fmt.Fprintf(progress, "note: module %s does not depend on %s; nothing to check\n",
			mod.Module.Mod.Path, modulePath)
		return nil, nil
	}

	files, err := collectGoFiles(cfg.target)
	if err != nil {
		return nil, err
	}

	fset := token.NewFileSet()
	var diags []*Diagnostic
	for _, f := range files {
		fileDiags, err := vetFile(fset, f)
		if err != nil {
			return nil, err
		}
		diags = append(diags, fileDiags...)
	}

	if cfg.verbose {
		fmt.Fprintf(progress, "vet: checked %d files, %d findings\n", len(files), len(diags))
	}
	return diags, nil
}

// findModule walks up from dir to the governing go.mod and parses it.
func findModule(dir string) (string, *modfile.File, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, err
	}

	for d := abs; ; {
		modPath := filepath.Join(d, "go.mod")
		if data, err := os.ReadFile(modPath); err == nil {
			mf, err := modfile.Parse(modPath, data, nil)
			if err != nil {
				return "", nil, fmt.Errorf("failed to parse %s: %w", modPath, err)
			}
			if mf.Module == nil {
				return "", nil, fmt.Errorf("%s has no module directive", modPath)
			}
			return d, mf, nil
		}

		parent := filepath.Dir(d)
		if parent == d {
			return "", nil, fmt.Errorf("no go.mod found for %s", dir)
		}
		d = parent
	}
}

// usesHazptr reports whether the module either is this project or
// requires it.
func usesHazptr(mf *modfile.File) bool {
	if mf.Module.Mod.Path == modulePath {
		return true
	}
	for _, r := range mf.Require {
		if r.Mod.Path == modulePath {
			return true
		}
	}
	return false
}

// collectGoFiles gathers every .go file under dir, skipping vendored,
// generated-data and hidden trees.
func collectGoFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			if path != dir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
				name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(name, ".go") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return files, nil
}

// vetFile parses one source file and runs both checks against it.
// Files that do not import the reclamation API are skipped.
func vetFile(fset *token.FileSet, path string) ([]*Diagnostic, error) {
	file, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return vetParsed(fset, file), nil
}

// vetParsed runs the checks against an already parsed file.
func vetParsed(fset *token.FileSet, file *ast.File) []*Diagnostic {
	alias, ok := hazptrAlias(file)
	if !ok {
		return nil
	}

	var diags []*Diagnostic
	diags = append(diags, checkGuardLeaks(fset, file, alias)...)
	diags = append(diags, checkNilClosures(fset, file, alias)...)
	return diags
}

// hazptrAlias returns the local name the file imports the reclamation
// package under. Dot and blank imports are not checkable.
func hazptrAlias(file *ast.File) (string, bool) {
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil || path != hazptrImportPath {
			continue
		}
		if imp.Name == nil {
			return "hazptr", true
		}
		if imp.Name.Name == "." || imp.Name.Name == "_" {
			return "", false
		}
		return imp.Name.Name, true
	}
	return "", false
}

// checkGuardLeaks reports guards that a function acquires with
// NewGuard but neither releases nor lets escape. Scoping is
// function-wide by variable name: any Release of the name anywhere in
// the function suppresses the finding, which keeps the check
// conservative under branching and shadowing.
func checkGuardLeaks(fset *token.FileSet, file *ast.File, alias string) []*Diagnostic {
	var diags []*Diagnostic
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		diags = append(diags, checkFuncGuards(fset, fn, alias)...)
	}
	return diags
}

// guardDecl records one NewGuard acquisition bound to a local name.
type guardDecl struct {
	name string
	pos  token.Pos
}

// checkFuncGuards applies the guard-leak check to a single function.
func checkFuncGuards(fset *token.FileSet, fn *ast.FuncDecl, alias string) []*Diagnostic {
	var decls []guardDecl

	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.AssignStmt:
			if n.Tok != token.DEFINE || len(n.Lhs) != len(n.Rhs) {
				return true
			}
			for i, rhs := range n.Rhs {
				if !isNewGuardCall(rhs, alias) {
					continue
				}
				if id, ok := n.Lhs[i].(*ast.Ident); ok && id.Name != "_" {
					decls = append(decls, guardDecl{name: id.Name, pos: rhs.Pos()})
				}
			}
		case *ast.ValueSpec:
			if len(n.Names) != len(n.Values) {
				return true
			}
			for i, v := range n.Values {
				if isNewGuardCall(v, alias) && n.Names[i].Name != "_" {
					decls = append(decls, guardDecl{name: n.Names[i].Name, pos: v.Pos()})
				}
			}
		}
		return true
	})

	if len(decls) == 0 {
		return nil
	}

	released := make(map[string]bool)
	escaped := make(map[string]bool)

	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.CallExpr:
			if sel, ok := n.Fun.(*ast.SelectorExpr); ok && sel.Sel.Name == "Release" {
				if id, ok := sel.X.(*ast.Ident); ok {
					released[id.Name] = true
				}
			}
			// A guard handed to any call is someone else's to release.
			// Calls into the reclamation API itself are exempt: Protect
			// borrows the guard, it never takes ownership.
			if !isHazptrCall(n, alias) {
				for _, arg := range n.Args {
					markIdent(escaped, arg)
				}
			}
		case *ast.ReturnStmt:
			for _, r := range n.Results {
				markIdent(escaped, r)
			}
		case *ast.AssignStmt:
			// Aliased or stored guards escape the check's scope. The
			// acquisition itself has a call on the right-hand side, so
			// it never marks its own name.
			for _, rhs := range n.Rhs {
				markIdent(escaped, rhs)
			}
		case *ast.CompositeLit:
			for _, elt := range n.Elts {
				if kv, ok := elt.(*ast.KeyValueExpr); ok {
					elt = kv.Value
				}
				markIdent(escaped, elt)
			}
		case *ast.SendStmt:
			markIdent(escaped, n.Value)
		}
		return true
	})

	var diags []*Diagnostic
	for _, d := range decls {
		if released[d.name] || escaped[d.name] {
			continue
		}
		diags = append(diags, newDiagnosticWithSuggestion(fset, d.pos, "guard-leak",
			fmt.Sprintf("hazard guard %q acquired but never released", d.name),
			"call Release when the guarded pointer is no longer dereferenced; a leaked guard pins its registry slot and can stall reclamation forever"))
	}
	return diags
}

// markIdent records expr's identifier (unwrapping parens and a single
// address-of) into set.
func markIdent(set map[string]bool, expr ast.Expr) {
	for {
		switch e := expr.(type) {
		case *ast.ParenExpr:
			expr = e.X
			continue
		case *ast.UnaryExpr:
			if e.Op == token.AND {
				expr = e.X
				continue
			}
		case *ast.Ident:
			set[e.Name] = true
		}
		return
	}
}

// isHazptrCall reports whether the call's callee is a selector on the
// reclamation package's import alias.
func isHazptrCall(call *ast.CallExpr, alias string) bool {
	sel, ok := unwrapIndex(call.Fun).(*ast.SelectorExpr)
	if !ok {
		return false
	}
	id, ok := sel.X.(*ast.Ident)
	return ok && id.Name == alias
}

// isNewGuardCall reports whether expr is alias.NewGuard().
func isNewGuardCall(expr ast.Expr, alias string) bool {
	call, ok := expr.(*ast.CallExpr)
	if !ok || len(call.Args) != 0 {
		return false
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "NewGuard" {
		return false
	}
	id, ok := sel.X.(*ast.Ident)
	return ok && id.Name == alias
}

// checkNilClosures reports literal nil mark/free arguments in
// TryUnlink calls. The runtime invokes both closures on the success
// path, so a nil for either panics mid-removal.
func checkNilClosures(fset *token.FileSet, file *ast.File, alias string) []*Diagnostic {
	var diags []*Diagnostic
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok || len(call.Args) != 5 {
			return true
		}
		sel, ok := unwrapIndex(call.Fun).(*ast.SelectorExpr)
		if !ok || sel.Sel.Name != "TryUnlink" {
			return true
		}
		if id, ok := sel.X.(*ast.Ident); !ok || id.Name != alias {
			return true
		}

		if isNilIdent(call.Args[3]) {
			diags = append(diags, newDiagnosticWithSuggestion(fset, call.Args[3].Pos(), "unlink-nil-mark",
				"literal nil mark closure passed to TryUnlink",
				"TryUnlink invokes mark on every removed node; pass a no-op closure when no tombstone is needed"))
		}
		if isNilIdent(call.Args[4]) {
			diags = append(diags, newDiagnosticWithSuggestion(fset, call.Args[4].Pos(), "unlink-nil-free",
				"literal nil free closure passed to TryUnlink",
				"TryUnlink retires every removed node through free; a nil destructor panics during reclamation"))
		}
		return true
	})
	return diags
}

// unwrapIndex strips an explicit generic instantiation like
// alias.TryUnlink[node] down to the selector.
func unwrapIndex(expr ast.Expr) ast.Expr {
	switch e := expr.(type) {
	case *ast.IndexExpr:
		return e.X
	case *ast.IndexListExpr:
		return e.X
	}
	return expr
}

// isNilIdent reports whether expr is the predeclared nil.
func isNilIdent(expr ast.Expr) bool {
	id, ok := expr.(*ast.Ident)
	return ok && id.Name == "nil"
}
