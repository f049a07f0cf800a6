package sandbox

import (
	"go/ast"
	"go/token"
)

// checkUnboundVariables is a conservative definite-assignment pass over the
// Execute body. Two failure modes map to AST_UNBOUND_VARIABLE:
//
//  1. a load of a name that is never assigned, not a parameter, not a
//     file-scope declaration, and not predeclared;
//  2. a load in an unconditional top-level statement of a name that is only
//     assigned inside nested blocks (conditionals, loops), so the first
//     execution path can reach the load before any assignment.
func checkUnboundVariables(file *ast.File, execute *ast.FuncDecl) *ValidationResult {
	if execute.Body == nil {
		return nil
	}

	known := map[string]struct{}{}
	for name := range universeNames {
		known[name] = struct{}{}
	}
	for name := range fileScopeNames(file) {
		known[name] = struct{}{}
	}
	for _, field := range execute.Type.Params.List {
		for _, name := range field.Names {
			known[name.Name] = struct{}{}
		}
	}
	if execute.Recv != nil {
		for _, name := range execute.Recv.List[0].Names {
			known[name.Name] = struct{}{}
		}
	}

	a := &unboundAnalyzer{
		assigned: map[string]struct{}{},
		definite: map[string]struct{}{},
	}
	a.collectWrites(execute.Body, true)
	a.collectLoads(execute.Body, true)

	for _, load := range a.loads {
		if load.name == "_" {
			continue
		}
		if _, ok := known[load.name]; ok {
			continue
		}
		_, everAssigned := a.assigned[load.name]
		if !everAssigned {
			return reject(ReasonUnboundVariable, "name %q is used but never assigned", load.name)
		}
		if load.topLevel {
			if _, def := a.definite[load.name]; !def {
				return reject(ReasonUnboundVariable,
					"name %q is only assigned inside a nested block but read unconditionally", load.name)
			}
		}
	}
	return nil
}

func fileScopeNames(file *ast.File) map[string]struct{} {
	names := map[string]struct{}{}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				names[d.Name.Name] = struct{}{}
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					names[s.Name.Name] = struct{}{}
				case *ast.ValueSpec:
					for _, n := range s.Names {
						names[n.Name] = struct{}{}
					}
				case *ast.ImportSpec:
					if s.Name != nil {
						names[s.Name.Name] = struct{}{}
					} else {
						local, ok := allowedImports[importPath(s)]
						if ok {
							names[local] = struct{}{}
						}
					}
				}
			}
		}
	}
	return names
}

func importPath(s *ast.ImportSpec) string {
	if s.Path == nil {
		return ""
	}
	path := s.Path.Value
	if len(path) >= 2 {
		return path[1 : len(path)-1]
	}
	return path
}

type loadRef struct {
	name     string
	topLevel bool
}

type unboundAnalyzer struct {
	assigned map[string]struct{}
	definite map[string]struct{}
	loads    []loadRef
}

// collectWrites records every name written in the block. topLevel marks
// straight-line writes that definitely execute before anything below them.
func (a *unboundAnalyzer) collectWrites(block *ast.BlockStmt, topLevel bool) {
	for _, stmt := range block.List {
		a.writeStmt(stmt, topLevel)
	}
}

func (a *unboundAnalyzer) writeStmt(stmt ast.Stmt, topLevel bool) {
	mark := func(name string) {
		a.assigned[name] = struct{}{}
		if topLevel {
			a.definite[name] = struct{}{}
		}
	}
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		for _, lhs := range s.Lhs {
			if ident, ok := lhs.(*ast.Ident); ok {
				mark(ident.Name)
			}
		}
		for _, rhs := range s.Rhs {
			a.writeExpr(rhs)
		}
	case *ast.DeclStmt:
		if gd, ok := s.Decl.(*ast.GenDecl); ok && gd.Tok == token.VAR {
			for _, spec := range gd.Specs {
				if vs, ok := spec.(*ast.ValueSpec); ok {
					for _, n := range vs.Names {
						mark(n.Name)
					}
				}
			}
		}
	case *ast.IfStmt:
		if s.Init != nil {
			a.writeStmt(s.Init, topLevel)
		}
		a.collectWrites(s.Body, false)
		if s.Else != nil {
			a.writeStmt(s.Else, false)
		}
	case *ast.ForStmt:
		if s.Init != nil {
			a.writeStmt(s.Init, false)
		}
		a.collectWrites(s.Body, false)
	case *ast.RangeStmt:
		if ident, ok := s.Key.(*ast.Ident); ok && ident != nil {
			a.assigned[ident.Name] = struct{}{}
		}
		if ident, ok := s.Value.(*ast.Ident); ok && ident != nil {
			a.assigned[ident.Name] = struct{}{}
		}
		a.collectWrites(s.Body, false)
	case *ast.SwitchStmt:
		if s.Init != nil {
			a.writeStmt(s.Init, topLevel)
		}
		for _, cc := range s.Body.List {
			if clause, ok := cc.(*ast.CaseClause); ok {
				for _, st := range clause.Body {
					a.writeStmt(st, false)
				}
			}
		}
	case *ast.BlockStmt:
		a.collectWrites(s, false)
	case *ast.ExprStmt:
		a.writeExpr(s.X)
	}
}

// writeExpr descends into expressions that introduce bindings, i.e. function
// literal parameters.
func (a *unboundAnalyzer) writeExpr(expr ast.Expr) {
	ast.Inspect(expr, func(n ast.Node) bool {
		if fl, ok := n.(*ast.FuncLit); ok {
			if fl.Type.Params != nil {
				for _, field := range fl.Type.Params.List {
					for _, name := range field.Names {
						a.assigned[name.Name] = struct{}{}
					}
				}
			}
			a.collectWrites(fl.Body, false)
			return false
		}
		return true
	})
}

// collectLoads records every name read in the block, marking reads that
// happen unconditionally in top-level statements.
func (a *unboundAnalyzer) collectLoads(block *ast.BlockStmt, topLevel bool) {
	for _, stmt := range block.List {
		a.loadStmt(stmt, topLevel)
	}
}

func (a *unboundAnalyzer) loadStmt(stmt ast.Stmt, topLevel bool) {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		for _, rhs := range s.Rhs {
			a.loadExpr(rhs, topLevel)
		}
		for _, lhs := range s.Lhs {
			// Index/selector targets read their base even on assignment.
			if _, plain := lhs.(*ast.Ident); !plain {
				a.loadExpr(lhs, topLevel)
			}
		}
	case *ast.DeclStmt:
		if gd, ok := s.Decl.(*ast.GenDecl); ok {
			for _, spec := range gd.Specs {
				if vs, ok := spec.(*ast.ValueSpec); ok {
					for _, val := range vs.Values {
						a.loadExpr(val, topLevel)
					}
				}
			}
		}
	case *ast.ExprStmt:
		a.loadExpr(s.X, topLevel)
	case *ast.ReturnStmt:
		for _, r := range s.Results {
			a.loadExpr(r, topLevel)
		}
	case *ast.IncDecStmt:
		a.loadExpr(s.X, topLevel)
	case *ast.IfStmt:
		if s.Init != nil {
			a.loadStmt(s.Init, topLevel)
		}
		a.loadExpr(s.Cond, topLevel)
		a.collectLoads(s.Body, false)
		if s.Else != nil {
			a.loadStmt(s.Else, false)
		}
	case *ast.ForStmt:
		if s.Init != nil {
			a.loadStmt(s.Init, topLevel)
		}
		if s.Cond != nil {
			a.loadExpr(s.Cond, false)
		}
		if s.Post != nil {
			a.loadStmt(s.Post, false)
		}
		a.collectLoads(s.Body, false)
	case *ast.RangeStmt:
		a.loadExpr(s.X, topLevel)
		a.collectLoads(s.Body, false)
	case *ast.SwitchStmt:
		if s.Init != nil {
			a.loadStmt(s.Init, topLevel)
		}
		if s.Tag != nil {
			a.loadExpr(s.Tag, topLevel)
		}
		for _, cc := range s.Body.List {
			if clause, ok := cc.(*ast.CaseClause); ok {
				for _, e := range clause.List {
					a.loadExpr(e, false)
				}
				for _, st := range clause.Body {
					a.loadStmt(st, false)
				}
			}
		}
	case *ast.BlockStmt:
		a.collectLoads(s, false)
	case *ast.DeferStmt:
		a.loadExpr(s.Call, topLevel)
	case *ast.GoStmt:
		a.loadExpr(s.Call, topLevel)
	}
}

func (a *unboundAnalyzer) loadExpr(expr ast.Expr, topLevel bool) {
	switch e := expr.(type) {
	case *ast.Ident:
		a.loads = append(a.loads, loadRef{name: e.Name, topLevel: topLevel})
	case *ast.SelectorExpr:
		a.loadExpr(e.X, topLevel)
	case *ast.CallExpr:
		a.loadExpr(e.Fun, topLevel)
		for _, arg := range e.Args {
			a.loadExpr(arg, topLevel)
		}
	case *ast.BinaryExpr:
		a.loadExpr(e.X, topLevel)
		a.loadExpr(e.Y, topLevel)
	case *ast.UnaryExpr:
		a.loadExpr(e.X, topLevel)
	case *ast.ParenExpr:
		a.loadExpr(e.X, topLevel)
	case *ast.StarExpr:
		a.loadExpr(e.X, topLevel)
	case *ast.IndexExpr:
		a.loadExpr(e.X, topLevel)
		a.loadExpr(e.Index, topLevel)
	case *ast.SliceExpr:
		a.loadExpr(e.X, topLevel)
		if e.Low != nil {
			a.loadExpr(e.Low, topLevel)
		}
		if e.High != nil {
			a.loadExpr(e.High, topLevel)
		}
	case *ast.TypeAssertExpr:
		a.loadExpr(e.X, topLevel)
	case *ast.CompositeLit:
		// Keyed idents are likely struct field names; skip keys entirely.
		for _, elt := range e.Elts {
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				a.loadExpr(kv.Value, topLevel)
				continue
			}
			a.loadExpr(elt, topLevel)
		}
	case *ast.FuncLit:
		// Function literal bodies execute later; reads inside are never
		// top-level unconditional.
		a.collectLoads(e.Body, false)
	}
}
