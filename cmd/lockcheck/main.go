// Command lockcheck statically checks that no method holding a lock
// from one of novakernel's ranked packages calls, directly, into a
// lower-ranked package — a violation of the documented acquisition
// order PFM < Heap < VMM < Sched < Net (see kernel.Context's doc
// comment). This generalizes biscuit's scripts/features.go, which
// walked every package's AST to tally language-feature usage, into a
// single-purpose checker of one concrete invariant instead of a
// general survey.
package main

import (
	"fmt"
	"go/ast"
	"go/types"
	"os"

	"golang.org/x/tools/go/packages"
)

// rank is the documented lock acquisition order: a method holding a
// lock from a package must never call (syntactically, ignoring
// indirection through interfaces) into a package ranked below it.
var rank = map[string]int{
	"novakernel/pmm":          1,
	"novakernel/kheap":        2,
	"novakernel/vmm":          3,
	"novakernel/sched":        4,
	"novakernel/netstack":     5,
	"novakernel/netstack/tcp": 5,
}

// violation is one flagged call site.
type violation struct {
	pos    string
	method string
	callee string
	from   int
	to     int
}

func main() {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps |
			packages.NeedTypes | packages.NeedTypesInfo | packages.NeedSyntax,
	}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockcheck: load: %v\n", err)
		os.Exit(2)
	}

	var violations []violation
	for _, pkg := range pkgs {
		r, ranked := rank[pkg.PkgPath]
		if !ranked {
			continue
		}
		violations = append(violations, checkPackage(pkg, r)...)
	}

	if len(violations) == 0 {
		fmt.Println("lockcheck: no lock-order violations found")
		return
	}
	for _, v := range violations {
		fmt.Printf("%s: %s (rank %d) calls %s (rank %d): violates PFM<Heap<VMM<Sched<Net\n",
			v.pos, v.method, v.from, v.callee, v.to)
	}
	os.Exit(1)
}

// checkPackage walks every method declared in pkg whose receiver
// holds a sync.Mutex/sync.RWMutex, reporting calls from it into any
// ranked package below selfRank.
func checkPackage(pkg *packages.Package, selfRank int) []violation {
	var out []violation
	for _, file := range pkg.Syntax {
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv == nil || fn.Body == nil || !holdsLock(pkg, fn) {
				continue
			}
			methodName := fn.Name.Name
			ast.Inspect(fn.Body, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				sel, ok := call.Fun.(*ast.SelectorExpr)
				if !ok {
					return true
				}
				ident, ok := sel.X.(*ast.Ident)
				if !ok {
					return true
				}
				pn, ok := pkg.TypesInfo.Uses[ident].(*types.PkgName)
				if !ok {
					return true
				}
				calleePath := pn.Imported().Path()
				calleeRank, ranked := rank[calleePath]
				if !ranked || calleeRank >= selfRank {
					return true
				}
				out = append(out, violation{
					pos:    pkg.Fset.Position(call.Pos()).String(),
					method: pkg.PkgPath + "." + methodName,
					callee: calleePath + "." + sel.Sel.Name,
					from:   selfRank,
					to:     calleeRank,
				})
				return true
			})
		}
	}
	return out
}

// holdsLock reports whether fn's receiver type embeds sync.Mutex or
// sync.RWMutex, directly, via go/types (not a syntactic guess, so it
// sees through type aliases and cross-file struct definitions).
func holdsLock(pkg *packages.Package, fn *ast.FuncDecl) bool {
	recvField := fn.Recv.List[0]
	t, ok := pkg.TypesInfo.Types[recvField.Type]
	if !ok {
		return false
	}
	return typeHoldsLock(t.Type)
}

func typeHoldsLock(t types.Type) bool {
	if t == nil {
		return false
	}
	if ptr, ok := t.Underlying().(*types.Pointer); ok {
		t = ptr.Elem()
	}
	st, ok := t.Underlying().(*types.Struct)
	if !ok {
		return false
	}
	for i := 0; i < st.NumFields(); i++ {
		f := st.Field(i)
		if !f.Embedded() {
			continue
		}
		name := f.Type().String()
		if name == "sync.Mutex" || name == "sync.RWMutex" {
			return true
		}
	}
	return false
}
