// Package instrument - import injection.
package instrument

import (
	"go/ast"
	"go/token"
	"strconv"
)

// injectImports adds the profiler runtime and unsafe imports to file,
// skipping whichever already exist. Grouped and single import styles are
// both handled; a new grouped block is created when the file has none.
func injectImports(file *ast.File) error {
	hasRuntime := false
	hasUnsafe := false
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		switch path {
		case RuntimeImportPath:
			hasRuntime = true
		case "unsafe":
			hasUnsafe = true
		}
	}
	if hasRuntime && hasUnsafe {
		return nil
	}

	var importDecl *ast.GenDecl
	for _, decl := range file.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			importDecl = gd
			break
		}
	}
	if importDecl == nil {
		importDecl = &ast.GenDecl{
			Tok:    token.IMPORT,
			Lparen: 1, // non-zero forces grouped style
		}
		file.Decls = append([]ast.Decl{importDecl}, file.Decls...)
	}

	if !hasRuntime {
		importDecl.Specs = append(importDecl.Specs, &ast.ImportSpec{
			Name: ast.NewIdent(RuntimeAlias),
			Path: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(RuntimeImportPath)},
		})
	}
	if !hasUnsafe {
		importDecl.Specs = append(importDecl.Specs, &ast.ImportSpec{
			Path: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote("unsafe")},
		})
	}
	if importDecl.Lparen == 0 && len(importDecl.Specs) > 1 {
		importDecl.Lparen = 1
	}

	// Rebuild file.Imports for AST consistency.
	file.Imports = nil
	for _, decl := range file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.IMPORT {
			continue
		}
		for _, spec := range gd.Specs {
			if imp, ok := spec.(*ast.ImportSpec); ok {
				file.Imports = append(file.Imports, imp)
			}
		}
	}
	return nil
}
