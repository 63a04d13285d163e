// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command utrace-gen is the build-time "linker" stand-in: it scans a Go
// module's source tree for instrument.MustSite call sites, assigns each
// one a dense runtime id in deterministic (file, line) order, and emits
// a generated table an init function feeds to instrument.Bind.
package main

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"
	"golang.org/x/tools/go/packages"

	"github.com/tracekit/utrace/codec"
)

// maxAssignable is the number of non-reserved ids the generator may hand
// out: id 0 stays reserved for the codec's Reset marker, and codec.MaxID
// (127) is the highest id the wire format's 7-bit id byte can carry at
// all, well below instrument.MaxTracePoints' 255-slot table capacity.
const maxAssignable = codec.MaxID

// site is one discovered instrument.MustSite(...) call, in source order.
type site struct {
	file       string
	line       int
	hash       uint64
	kind       string
	name       string
	hasName    bool
	comment    string
	hasComment bool
	skip       uint32
	hasSkip    bool
}

func main() {
	var outPath string
	var pattern string

	cmd := &cobra.Command{
		Use:   "utrace-gen [packages]",
		Short: "Scan a module for instrument.MustSite call sites and emit the generated runtime id table",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns := args
			if len(patterns) == 0 {
				patterns = []string{"./..."}
			}
			return generate(patterns, outPath)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "zz_utrace_generated.go", "output file path")
	cmd.Flags().StringVar(&pattern, "package", "", "unused, reserved for future per-package output splitting")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func generate(patterns []string, outPath string) error {
	cfg := &packages.Config{Mode: packages.NeedSyntax | packages.NeedTypes | packages.NeedTypesInfo | packages.NeedFiles}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return fmt.Errorf("loading packages: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("errors loading packages, aborting")
	}

	var sites []site
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			fset := pkg.Fset
			ast.Inspect(file, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok || !isMustSiteCall(call) {
					return true
				}
				pos := fset.Position(call.Pos())
				s := site{file: pos.Filename, line: pos.Line}
				if len(call.Args) == 1 {
					parseInfoLiteral(call.Args[0], &s)
				}
				s.hash = xxhash.Sum64String(fmt.Sprintf("%s:%d", s.file, s.line))
				sites = append(sites, s)
				return true
			})
		}
	}

	sort.Slice(sites, func(i, j int) bool {
		if sites[i].file != sites[j].file {
			return sites[i].file < sites[j].file
		}
		return sites[i].line < sites[j].line
	})

	dedup := make(map[uint64]bool)
	var unique []site
	for _, s := range sites {
		if dedup[s.hash] {
			return fmt.Errorf("duplicate trace point hash for %s:%d (two sites hashed identically, check for a call-site collision)", s.file, s.line)
		}
		dedup[s.hash] = true
		unique = append(unique, s)
	}

	if len(unique) > maxAssignable {
		return fmt.Errorf("found %d trace points, exceeds the %d assignable ids (id 0 is reserved for Reset, ids above %d can't fit the wire format's 7-bit id byte; check the linker script / trim instrumentation)", len(unique), maxAssignable, maxAssignable)
	}

	return writeTable(outPath, unique)
}

// isMustSiteCall reports whether call is a reference to instrument.MustSite,
// matched syntactically on the selector name since full type-checking
// across module boundaries isn't needed for this scan.
func isMustSiteCall(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "MustSite" {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && ident.Name == "instrument"
}

// parseInfoLiteral extracts the Kind/Name/Comment/Skip fields from a
// tracepoint.Info{...} composite literal argument. Non-literal
// expressions (anything computed at runtime) are left at their zero
// value; MustSite itself fills in ID, which this tool ignores entirely —
// ids are reassigned here, not read back.
func parseInfoLiteral(arg ast.Expr, s *site) {
	lit, ok := arg.(*ast.CompositeLit)
	if !ok {
		return
	}
	for _, elt := range lit.Elts {
		kv, ok := elt.(*ast.KeyValueExpr)
		if !ok {
			continue
		}
		key, ok := kv.Key.(*ast.Ident)
		if !ok {
			continue
		}
		switch key.Name {
		case "Kind":
			s.kind = selectorOrIdentName(kv.Value)
		case "Name":
			if v, ok := stringLiteral(kv.Value); ok {
				s.name, s.hasName = v, true
			}
		case "Comment":
			if v, ok := stringLiteral(kv.Value); ok {
				s.comment, s.hasComment = v, true
			}
		case "Skip":
			if v, ok := uintLiteral(kv.Value); ok {
				s.skip, s.hasSkip = uint32(v), true
			}
		}
	}
}

func selectorOrIdentName(e ast.Expr) string {
	switch v := e.(type) {
	case *ast.SelectorExpr:
		return v.Sel.Name
	case *ast.Ident:
		return v.Name
	default:
		return ""
	}
}

func stringLiteral(e ast.Expr) (string, bool) {
	bl, ok := e.(*ast.BasicLit)
	if !ok || bl.Kind != token.STRING {
		return "", false
	}
	v, err := strconv.Unquote(bl.Value)
	return v, err == nil
}

func uintLiteral(e ast.Expr) (uint64, bool) {
	bl, ok := e.(*ast.BasicLit)
	if !ok || bl.Kind != token.INT {
		return 0, false
	}
	v, err := strconv.ParseUint(bl.Value, 0, 32)
	return v, err == nil
}

const tableTemplate = `// Code generated by utrace-gen. DO NOT EDIT.

package {{.Package}}

import (
	"github.com/tracekit/utrace/instrument"
	"github.com/tracekit/utrace/tracepoint"
)

var utraceTracePoints = []tracepoint.Info{
{{range .Sites}}	{Kind: tracepoint.{{.Kind}}, ID: {{.Hash}}{{if .HasName}}, Name: strptr({{.Name | printf "%q"}}){{end}}{{if .HasComment}}, Comment: strptr({{.Comment | printf "%q"}}){{end}}{{if .HasSkip}}, Skip: u32ptr({{.Skip}}){{end}}}, // {{.File}}:{{.Line}}
{{end}}}

func strptr(s string) *string { return &s }
func u32ptr(v uint32) *uint32 { return &v }

func init() {
	instrument.Bind(utraceTracePoints)
}
`

type tmplSite struct {
	Kind       string
	Name       string
	HasName    bool
	Comment    string
	HasComment bool
	Skip       uint32
	HasSkip    bool
	File       string
	Line       int
	Hash       uint64
}

// reservedSlot occupies table index 0 so no discovered site is ever
// assigned runtime id 0, which the wire format reserves for the Reset
// marker. Its Hash is left at zero, a value no real callsite hash
// collides with in practice, so instrument.Bind never matches it to a
// registered Point.
var reservedSlot = tmplSite{Kind: "GenericEnter", File: "<reserved>", Line: 0}

func writeTable(outPath string, sites []site) error {
	pkgName := packageNameFor(outPath)

	tmplSites := make([]tmplSite, len(sites)+1)
	tmplSites[0] = reservedSlot
	for i, s := range sites {
		tmplSites[i+1] = tmplSite{
			Kind: s.kind, Name: s.name, HasName: s.hasName,
			Comment: s.comment, HasComment: s.hasComment,
			Skip: s.skip, HasSkip: s.hasSkip,
			File: s.file, Line: s.line,
			Hash: s.hash,
		}
	}

	t, err := template.New("table").Parse(tableTemplate)
	if err != nil {
		return fmt.Errorf("internal: parsing table template: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer f.Close()

	return t.Execute(f, struct {
		Package string
		Sites   []tmplSite
	}{Package: pkgName, Sites: tmplSites})
}

// packageNameFor guesses the generated file's package name from its
// directory's existing Go files, falling back to the directory's base
// name (Go's own convention for a package with no other source yet).
func packageNameFor(outPath string) string {
	dir := filepath.Dir(outPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return filepath.Base(dir)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		fset := token.NewFileSet()
		path := filepath.Join(dir, e.Name())
		f, err := parser.ParseFile(fset, path, nil, parser.PackageClauseOnly)
		if err != nil {
			continue
		}
		return f.Name.Name
	}
	return filepath.Base(dir)
}
