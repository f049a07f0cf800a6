// Package sandbox admits LLM-authored trait source into the running world:
// a single-pass AST validator with typed rejection reasons, and a yaegi
// loader that turns accepted source into a trait factory.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// ReasonCode is a stable rejection identifier surfaced through the mutation
// record and the feed.
type ReasonCode string

const (
	ReasonSyntaxError         ReasonCode = "SYNTAX_ERROR"
	ReasonImportForbidden     ReasonCode = "AST_IMPORT_FORBIDDEN"
	ReasonBannedCall          ReasonCode = "AST_BANNED_CALL"
	ReasonBannedAttr          ReasonCode = "AST_BANNED_ATTR"
	ReasonUnboundVariable     ReasonCode = "AST_UNBOUND_VARIABLE"
	ReasonEntityAttrForbidden ReasonCode = "AST_ENTITY_ATTR_FORBIDDEN"
	ReasonInitRequiredArgs    ReasonCode = "AST_INIT_REQUIRED_ARGS"
	ReasonAwaitOnSync         ReasonCode = "AST_AWAIT_ON_SYNC"
	ReasonNoTraitClass        ReasonCode = "AST_NO_TRAIT_CLASS"
	ReasonDuplicateCode       ReasonCode = "DUPLICATE_CODE"
)

// ValidationResult is the typed outcome of one validator pass.
type ValidationResult struct {
	Valid      bool
	Reason     ReasonCode
	Message    string
	TraitClass string
	SourceHash string
	Log        []string
}

// allowedImports is the closed set trait code may import.
var allowedImports = map[string]string{
	"math":             "math",
	"math/rand":        "rand",
	"sort":             "sort",
	"context":          "context",
	"errors":           "errors",
	"genesis/traitapi": "traitapi",
}

// bannedCalls are builtins trait code must not reach for.
var bannedCalls = map[string]struct{}{
	"print":   {},
	"println": {},
	"panic":   {},
	"recover": {},
}

// bannedSelectors are the reflection/unsafe escape hatches.
var bannedSelectors = map[string]struct{}{
	"Pointer":       {},
	"UnsafePointer": {},
	"Interface":     {},
	"Call":          {},
	"Method":        {},
	"MethodByName":  {},
}

// allowedEntityMembers is the full surface of the entity view.
var allowedEntityMembers = map[string]struct{}{
	"ID": {}, "X": {}, "Y": {}, "Energy": {}, "MaxEnergy": {},
	"Age": {}, "MaxAge": {}, "MetabolismRate": {}, "State": {}, "EntityType": {},
	"Move": {}, "EatNearby": {}, "AttackNearby": {}, "IsAlive": {},
	"DeactivateTrait": {}, "ActivateTrait": {},
}

// universeNames are predeclared identifiers always in scope.
var universeNames = map[string]struct{}{
	"append": {}, "cap": {}, "copy": {}, "delete": {}, "len": {}, "make": {},
	"new": {}, "min": {}, "max": {}, "complex": {}, "real": {}, "imag": {},
	"true": {}, "false": {}, "nil": {}, "iota": {},
	"bool": {}, "byte": {}, "rune": {}, "string": {}, "error": {}, "any": {},
	"int": {}, "int8": {}, "int16": {}, "int32": {}, "int64": {},
	"uint": {}, "uint8": {}, "uint16": {}, "uint32": {}, "uint64": {}, "uintptr": {},
	"float32": {}, "float64": {}, "complex64": {}, "complex128": {},
}

// HashChecker answers whether a source hash was already admitted.
type HashChecker interface {
	IsHashUsed(ctx context.Context, hash string) (bool, error)
}

// Validator is the static gate over trait source. It holds no per-source
// state and is safe for concurrent use.
type Validator struct {
	hashes HashChecker
}

// NewValidator builds a validator. hashes may be nil, which disables
// deduplication.
func NewValidator(hashes HashChecker) *Validator {
	return &Validator{hashes: hashes}
}

func reject(code ReasonCode, format string, args ...any) *ValidationResult {
	return &ValidationResult{
		Valid:   false,
		Reason:  code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Validate runs every check in its fixed order and returns the first
// rejection, or a valid result carrying the trait class name and source hash.
func (v *Validator) Validate(ctx context.Context, source string) *ValidationResult {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "trait.go", source, 0)
	if err != nil {
		return reject(ReasonSyntaxError, "parse failed: %v", err)
	}

	if file.Name == nil || file.Name.Name != "trait" {
		return reject(ReasonNoTraitClass, "package must be 'trait'")
	}

	imported := map[string]bool{}
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		local, ok := allowedImports[path]
		if !ok {
			return reject(ReasonImportForbidden, "import %q is not allowed", path)
		}
		if imp.Name != nil {
			local = imp.Name.Name
		}
		imported[local] = true
	}

	if res := checkBannedConstructs(file); res != nil {
		return res
	}
	if res := checkModuleReferences(file, imported); res != nil {
		return res
	}

	execute, traitClass := findTraitContract(file)

	if execute != nil {
		if res := checkUnboundVariables(file, execute); res != nil {
			return res
		}
		if res := checkEntityAccess(execute); res != nil {
			return res
		}
	}
	if res := checkFactorySignature(file); res != nil {
		return res
	}
	if res := checkGoOnEntity(file, execute); res != nil {
		return res
	}

	if execute == nil || traitClass == "" {
		return reject(ReasonNoTraitClass,
			"no *Trait struct with method Execute(ctx context.Context, entity *traitapi.Entity) error found")
	}
	if findFactory(file) == nil {
		return reject(ReasonNoTraitClass, "factory func New() is missing")
	}

	sum := sha256.Sum256([]byte(source))
	hash := hex.EncodeToString(sum[:])

	if v.hashes != nil {
		used, err := v.hashes.IsHashUsed(ctx, hash)
		if err == nil && used {
			return reject(ReasonDuplicateCode, "identical source was already admitted (hash %s)", hash[:12])
		}
	}

	return &ValidationResult{
		Valid:      true,
		TraitClass: traitClass,
		SourceHash: hash,
		Log:        []string{fmt.Sprintf("trait class %s accepted", traitClass)},
	}
}

// checkBannedConstructs rejects banned builtins, goroutine/select/channel
// use, and reflection escape hatches anywhere in the file.
func checkBannedConstructs(file *ast.File) *ValidationResult {
	var res *ValidationResult
	ast.Inspect(file, func(n ast.Node) bool {
		if res != nil {
			return false
		}
		switch node := n.(type) {
		case *ast.CallExpr:
			if ident, ok := node.Fun.(*ast.Ident); ok {
				if _, banned := bannedCalls[ident.Name]; banned {
					res = reject(ReasonBannedCall, "call to %s is not allowed", ident.Name)
					return false
				}
			}
		case *ast.SelectStmt:
			res = reject(ReasonBannedCall, "select statements are not allowed")
			return false
		case *ast.ChanType:
			res = reject(ReasonBannedCall, "channel types are not allowed")
			return false
		case *ast.SelectorExpr:
			if _, banned := bannedSelectors[node.Sel.Name]; banned {
				res = reject(ReasonBannedAttr, "access to %s is not allowed", node.Sel.Name)
				return false
			}
		}
		return true
	})
	return res
}

// checkGoOnEntity rejects go statements. Launching an entity method in a
// goroutine gets the dedicated reason: entity methods are synchronous by
// contract and must be called inline.
func checkGoOnEntity(file *ast.File, execute *ast.FuncDecl) *ValidationResult {
	entityName := entityParamName(execute)
	var res *ValidationResult
	ast.Inspect(file, func(n ast.Node) bool {
		if res != nil {
			return false
		}
		stmt, ok := n.(*ast.GoStmt)
		if !ok {
			return true
		}
		if sel, ok := stmt.Call.Fun.(*ast.SelectorExpr); ok {
			if root, ok := sel.X.(*ast.Ident); ok && entityName != "" && root.Name == entityName {
				res = reject(ReasonAwaitOnSync, "entity.%s is synchronous and must not run in a goroutine", sel.Sel.Name)
				return false
			}
		}
		res = reject(ReasonBannedCall, "go statements are not allowed")
		return false
	})
	return res
}

// checkModuleReferences rejects selector chains rooted at a whitelisted
// package name that was never imported.
func checkModuleReferences(file *ast.File, imported map[string]bool) *ValidationResult {
	known := map[string]bool{}
	for _, local := range allowedImports {
		known[local] = true
	}
	var res *ValidationResult
	ast.Inspect(file, func(n ast.Node) bool {
		if res != nil {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		root, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		if known[root.Name] && !imported[root.Name] && root.Obj == nil {
			res = reject(ReasonUnboundVariable, "%s.%s used without importing %s", root.Name, sel.Sel.Name, root.Name)
			return false
		}
		return true
	})
	return res
}

// findTraitContract locates the trait struct and its Execute method:
// a struct type whose name ends in Trait, with a pointer-receiver method
// Execute(ctx context.Context, entity *traitapi.Entity) error.
func findTraitContract(file *ast.File) (*ast.FuncDecl, string) {
	structs := map[string]bool{}
	for _, decl := range file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			if _, isStruct := ts.Type.(*ast.StructType); isStruct && strings.HasSuffix(ts.Name.Name, "Trait") {
				structs[ts.Name.Name] = true
			}
		}
	}

	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Name.Name != "Execute" || fd.Recv == nil || len(fd.Recv.List) != 1 {
			continue
		}
		star, ok := fd.Recv.List[0].Type.(*ast.StarExpr)
		if !ok {
			continue
		}
		recv, ok := star.X.(*ast.Ident)
		if !ok || !structs[recv.Name] {
			continue
		}
		if !executeSignatureOK(fd) {
			continue
		}
		return fd, recv.Name
	}
	return nil, ""
}

func executeSignatureOK(fd *ast.FuncDecl) bool {
	params := fd.Type.Params
	if params == nil || len(params.List) != 2 {
		return false
	}
	if !isSelectorType(params.List[0].Type, "context", "Context") {
		return false
	}
	star, ok := params.List[1].Type.(*ast.StarExpr)
	if !ok || !isSelectorType(star.X, "traitapi", "Entity") {
		return false
	}
	results := fd.Type.Results
	if results == nil || len(results.List) != 1 {
		return false
	}
	ident, ok := results.List[0].Type.(*ast.Ident)
	return ok && ident.Name == "error"
}

func isSelectorType(expr ast.Expr, pkg, name string) bool {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	root, ok := sel.X.(*ast.Ident)
	return ok && root.Name == pkg && sel.Sel.Name == name
}

// findFactory returns the New declaration, if present.
func findFactory(file *ast.File) *ast.FuncDecl {
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Recv == nil && fd.Name.Name == "New" {
			return fd
		}
	}
	return nil
}

// checkFactorySignature rejects a New that demands arguments: the patcher
// instantiates factories with no way to supply them.
func checkFactorySignature(file *ast.File) *ValidationResult {
	fd := findFactory(file)
	if fd == nil {
		return nil
	}
	if fd.Type.Params != nil && len(fd.Type.Params.List) > 0 {
		return reject(ReasonInitRequiredArgs, "New must not take parameters")
	}
	return nil
}

func entityParamName(execute *ast.FuncDecl) string {
	if execute == nil || execute.Type.Params == nil || len(execute.Type.Params.List) != 2 {
		return ""
	}
	names := execute.Type.Params.List[1].Names
	if len(names) == 0 {
		return ""
	}
	return names[0].Name
}

// checkEntityAccess enforces the entity member whitelist inside Execute.
func checkEntityAccess(execute *ast.FuncDecl) *ValidationResult {
	entityName := entityParamName(execute)
	if entityName == "" || execute.Body == nil {
		return nil
	}
	var res *ValidationResult
	ast.Inspect(execute.Body, func(n ast.Node) bool {
		if res != nil {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		root, ok := sel.X.(*ast.Ident)
		if !ok || root.Name != entityName {
			return true
		}
		if _, allowed := allowedEntityMembers[sel.Sel.Name]; !allowed {
			res = reject(ReasonEntityAttrForbidden, "entity.%s is not part of the entity surface", sel.Sel.Name)
			return false
		}
		return true
	})
	return res
}
