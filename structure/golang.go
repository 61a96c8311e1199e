package structure

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
)

func init() {
	DefaultRegistry.Register("go", goExtractor{})
}

// goExtractor uses the standard go/parser rather than a tree-sitter
// grammar; the native AST is exact and carries no cgo cost.
type goExtractor struct{}

func (goExtractor) Outline(ctx context.Context, path string, content []byte) ([]Symbol, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse go: %w", err)
	}

	var symbols []Symbol
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			sym := Symbol{
				Kind:      "function",
				Name:      d.Name.Name,
				StartLine: fset.Position(d.Pos()).Line,
				EndLine:   fset.Position(d.End()).Line,
			}
			if d.Recv != nil && len(d.Recv.List) > 0 {
				sym.Kind = "method"
				sym.Container = receiverName(d.Recv.List[0].Type)
			}
			symbols = append(symbols, sym)

		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				symbols = append(symbols, Symbol{
					Kind:      "type",
					Name:      ts.Name.Name,
					StartLine: fset.Position(ts.Pos()).Line,
					EndLine:   fset.Position(ts.End()).Line,
				})
			}
		}
	}
	return symbols, nil
}

// receiverName resolves the base type name of a method receiver,
// unwrapping pointers and type parameters.
func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return ""
}
