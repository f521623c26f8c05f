// Package instrument - AST visitor for memory access detection.
//
// The visitor walks the AST twice: pass one identifies memory accesses
// and records instrumentation points keyed by their enclosing statement,
// pass two rebuilds the statement lists with hook calls inserted before
// each access. Modifying the tree only after the walk avoids invalidating
// the traversal.
//
// Known limitations (accepted for the source-level rewriter): accesses
// hidden in statement headers (if/for init and post clauses) are not
// instrumented, and map element expressions — which are not addressable —
// produce hooks that do not compile; profile map-heavy code by manual
// instrumentation instead.
package instrument

import (
	"go/ast"
	"go/token"
)

type accessKind int

const (
	accessRead accessKind = iota
	accessWrite
)

// point is one pending hook insertion: kind plus the expression that
// evaluates to the accessed address.
type point struct {
	kind accessKind
	addr ast.Expr
}

type visitor struct {
	fset   *token.FileSet
	points map[ast.Stmt][]point
	goLits []*ast.FuncLit
	stats  Stats
}

func newVisitor(fset *token.FileSet) *visitor {
	return &visitor{
		fset:   fset,
		points: make(map[ast.Stmt][]point),
	}
}

// Visit implements ast.Visitor. It records instrumentation points for
// assignments and inc/dec statements, and collects goroutine function
// literals for ThreadStart wrapping.
func (v *visitor) Visit(node ast.Node) ast.Visitor {
	switch n := node.(type) {
	case *ast.AssignStmt:
		v.visitAssign(n)
	case *ast.IncDecStmt:
		v.visitIncDec(n)
	case *ast.GoStmt:
		if lit, ok := n.Call.Fun.(*ast.FuncLit); ok {
			v.goLits = append(v.goLits, lit)
			v.stats.GoroutinesWrapped++
		}
	}
	return v
}

// visitAssign handles x = y, *p = y, a[i] = y, s.f = y and friends:
// reads on the right, writes on the left. A ":=" declares its left side,
// so only the right is instrumented.
func (v *visitor) visitAssign(stmt *ast.AssignStmt) {
	for _, rhs := range stmt.Rhs {
		v.extractReads(stmt, rhs)
	}
	if stmt.Tok == token.DEFINE {
		return
	}
	for _, lhs := range stmt.Lhs {
		v.addPoint(stmt, accessWrite, lhs)
	}
}

// visitIncDec handles i++ / i--: a read of the old value and a write of
// the new one.
func (v *visitor) visitIncDec(stmt *ast.IncDecStmt) {
	v.addPoint(stmt, accessRead, stmt.X)
	v.addPoint(stmt, accessWrite, stmt.X)
}

// extractReads records read points for every addressable value the
// expression consumes, recursing through operators and call arguments.
func (v *visitor) extractReads(stmt ast.Stmt, e ast.Expr) {
	switch x := e.(type) {
	case *ast.Ident, *ast.SelectorExpr, *ast.StarExpr:
		v.addPoint(stmt, accessRead, e)
	case *ast.IndexExpr:
		v.addPoint(stmt, accessRead, e)
		v.extractReads(stmt, x.Index)
	case *ast.ParenExpr:
		v.extractReads(stmt, x.X)
	case *ast.BinaryExpr:
		v.extractReads(stmt, x.X)
		v.extractReads(stmt, x.Y)
	case *ast.UnaryExpr:
		if x.Op != token.AND { // &x takes an address, it reads nothing
			v.extractReads(stmt, x.X)
		}
	case *ast.CallExpr:
		for _, arg := range x.Args {
			v.extractReads(stmt, arg)
		}
	case *ast.BasicLit, *ast.CompositeLit, *ast.FuncLit:
		v.stats.Skipped++
	}
}

// addPoint records one hook insertion if the expression is something the
// profiler can take the address of.
func (v *visitor) addPoint(stmt ast.Stmt, kind accessKind, e ast.Expr) {
	addr := addressOf(e)
	if addr == nil {
		v.stats.Skipped++
		return
	}
	v.points[stmt] = append(v.points[stmt], point{kind: kind, addr: addr})
	if kind == accessRead {
		v.stats.ReadsInstrumented++
	} else {
		v.stats.WritesInstrumented++
	}
}

// addressOf builds a fresh expression for the address of e, or nil when
// e is not an instrumentable lvalue. The returned tree shares no nodes
// with the original so the printer never sees an aliased subtree.
func addressOf(e ast.Expr) ast.Expr {
	switch x := e.(type) {
	case *ast.Ident:
		if !instrumentableIdent(x) {
			return nil
		}
		return &ast.UnaryExpr{Op: token.AND, X: ast.NewIdent(x.Name)}
	case *ast.StarExpr:
		// *p accesses the memory p points to: the address is p itself.
		return cloneExpr(x.X)
	case *ast.SelectorExpr, *ast.IndexExpr:
		inner := cloneExpr(e)
		if inner == nil {
			return nil
		}
		return &ast.UnaryExpr{Op: token.AND, X: inner}
	case *ast.ParenExpr:
		return addressOf(x.X)
	default:
		return nil
	}
}

// instrumentableIdent filters out the blank identifier and the universe
// constants, which are not memory.
func instrumentableIdent(id *ast.Ident) bool {
	switch id.Name {
	case "_", "nil", "true", "false", "iota":
		return false
	}
	return true
}

// cloneExpr copies the supported expression shapes. Unsupported shapes
// return nil and the access is skipped rather than risking a shared node.
func cloneExpr(e ast.Expr) ast.Expr {
	switch x := e.(type) {
	case *ast.Ident:
		return ast.NewIdent(x.Name)
	case *ast.BasicLit:
		return &ast.BasicLit{Kind: x.Kind, Value: x.Value}
	case *ast.SelectorExpr:
		inner := cloneExpr(x.X)
		if inner == nil {
			return nil
		}
		return &ast.SelectorExpr{X: inner, Sel: ast.NewIdent(x.Sel.Name)}
	case *ast.IndexExpr:
		base, idx := cloneExpr(x.X), cloneExpr(x.Index)
		if base == nil || idx == nil {
			return nil
		}
		return &ast.IndexExpr{X: base, Index: idx}
	case *ast.StarExpr:
		inner := cloneExpr(x.X)
		if inner == nil {
			return nil
		}
		return &ast.StarExpr{X: inner}
	case *ast.ParenExpr:
		inner := cloneExpr(x.X)
		if inner == nil {
			return nil
		}
		return &ast.ParenExpr{X: inner}
	default:
		return nil
	}
}

// apply performs pass two: inject the runtime lifecycle into main, wrap
// goroutine bodies, and insert the recorded hook calls.
func (v *visitor) apply(file *ast.File) {
	if file.Name.Name == "main" {
		for _, decl := range file.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if ok && fd.Name.Name == "main" && fd.Recv == nil && fd.Body != nil {
				fd.Body.List = append(lifecycleStmts(), fd.Body.List...)
				break
			}
		}
	}

	for _, lit := range v.goLits {
		lit.Body.List = append([]ast.Stmt{runtimeCallStmt("ThreadStart")}, lit.Body.List...)
	}

	// Collect every statement list holder first, then rewrite: inserting
	// while walking would re-traverse freshly inserted hooks.
	var blocks []*ast.BlockStmt
	var cases []*ast.CaseClause
	var comms []*ast.CommClause
	ast.Inspect(file, func(n ast.Node) bool {
		switch b := n.(type) {
		case *ast.BlockStmt:
			blocks = append(blocks, b)
		case *ast.CaseClause:
			cases = append(cases, b)
		case *ast.CommClause:
			comms = append(comms, b)
		}
		return true
	})
	for _, b := range blocks {
		b.List = v.rewriteStmtList(b.List)
	}
	for _, c := range cases {
		c.Body = v.rewriteStmtList(c.Body)
	}
	for _, c := range comms {
		c.Body = v.rewriteStmtList(c.Body)
	}
}

func (v *visitor) rewriteStmtList(list []ast.Stmt) []ast.Stmt {
	out := make([]ast.Stmt, 0, len(list))
	for _, s := range list {
		for _, p := range v.points[s] {
			out = append(out, hookStmt(p))
		}
		out = append(out, s)
	}
	return out
}

// hookStmt builds numaprof.ReadAt(uintptr(unsafe.Pointer(ADDR))) — or
// WriteAt — as a statement.
func hookStmt(p point) ast.Stmt {
	fn := "ReadAt"
	if p.kind == accessWrite {
		fn = "WriteAt"
	}
	return &ast.ExprStmt{X: &ast.CallExpr{
		Fun: &ast.SelectorExpr{X: ast.NewIdent(RuntimeAlias), Sel: ast.NewIdent(fn)},
		Args: []ast.Expr{&ast.CallExpr{
			Fun: ast.NewIdent("uintptr"),
			Args: []ast.Expr{&ast.CallExpr{
				Fun:  &ast.SelectorExpr{X: ast.NewIdent("unsafe"), Sel: ast.NewIdent("Pointer")},
				Args: []ast.Expr{p.addr},
			}},
		}},
	}}
}

// lifecycleStmts builds the main() prologue:
//
//	numaprof.Init()
//	defer numaprof.Fini()
//	numaprof.ThreadStart()
func lifecycleStmts() []ast.Stmt {
	return []ast.Stmt{
		runtimeCallStmt("Init"),
		&ast.DeferStmt{Call: runtimeCall("Fini")},
		runtimeCallStmt("ThreadStart"),
	}
}

func runtimeCall(fn string) *ast.CallExpr {
	return &ast.CallExpr{
		Fun: &ast.SelectorExpr{X: ast.NewIdent(RuntimeAlias), Sel: ast.NewIdent(fn)},
	}
}

func runtimeCallStmt(fn string) ast.Stmt {
	return &ast.ExprStmt{X: runtimeCall(fn)}
}
