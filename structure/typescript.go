package structure

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

func init() {
	e := scriptExtractor{}
	DefaultRegistry.Register("typescript", e)
	DefaultRegistry.Register("javascript", e)
}

// scriptExtractor covers the JavaScript family. The grammar is chosen by
// extension: tsx needs its own dialect, plain ts rejects JSX, and js
// files use the javascript grammar.
type scriptExtractor struct{}

func grammarFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return tsx.GetLanguage()
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	default:
		return javascript.GetLanguage()
	}
}

func (scriptExtractor) Outline(ctx context.Context, path string, content []byte) ([]Symbol, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(grammarFor(path))

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	defer tree.Close()

	var symbols []Symbol
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		symbols = appendScriptSymbols(symbols, root.NamedChild(i), content)
	}
	return symbols, nil
}

func appendScriptSymbols(symbols []Symbol, node *sitter.Node, content []byte) []Symbol {
	switch node.Type() {
	case "export_statement":
		// export wraps the declaration; the outline wants what is inside.
		if decl := node.ChildByFieldName("declaration"); decl != nil {
			return appendScriptSymbols(symbols, decl, content)
		}

	case "class_declaration", "abstract_class_declaration":
		name := nodeName(node, content)
		if name == "" {
			return symbols
		}
		symbols = append(symbols, Symbol{
			Kind:      "class",
			Name:      name,
			StartLine: int(node.StartPoint().Row) + 1,
			EndLine:   int(node.EndPoint().Row) + 1,
		})
		symbols = appendScriptMethods(symbols, node, content, name)

	case "interface_declaration", "type_alias_declaration", "enum_declaration":
		name := nodeName(node, content)
		if name == "" {
			return symbols
		}
		symbols = append(symbols, Symbol{
			Kind:      "type",
			Name:      name,
			StartLine: int(node.StartPoint().Row) + 1,
			EndLine:   int(node.EndPoint().Row) + 1,
		})

	case "function_declaration", "generator_function_declaration":
		name := nodeName(node, content)
		if name == "" {
			return symbols
		}
		symbols = append(symbols, Symbol{
			Kind:      "function",
			Name:      name,
			StartLine: int(node.StartPoint().Row) + 1,
			EndLine:   int(node.EndPoint().Row) + 1,
		})

	case "lexical_declaration", "variable_declaration":
		// const handler = () => {...} counts as a function declaration.
		for i := 0; i < int(node.NamedChildCount()); i++ {
			decl := node.NamedChild(i)
			if decl.Type() != "variable_declarator" {
				continue
			}
			value := decl.ChildByFieldName("value")
			if value == nil || !isFunctionValue(value.Type()) {
				continue
			}
			name := nodeName(decl, content)
			if name == "" {
				continue
			}
			symbols = append(symbols, Symbol{
				Kind:      "function",
				Name:      name,
				StartLine: int(node.StartPoint().Row) + 1,
				EndLine:   int(node.EndPoint().Row) + 1,
			})
		}
	}
	return symbols
}

func isFunctionValue(nodeType string) bool {
	switch nodeType {
	case "arrow_function", "function", "function_expression", "generator_function":
		return true
	}
	return false
}

func appendScriptMethods(symbols []Symbol, class *sitter.Node, content []byte, className string) []Symbol {
	body := class.ChildByFieldName("body")
	if body == nil {
		return symbols
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		member := body.NamedChild(i)
		if member.Type() != "method_definition" {
			continue
		}
		name := nodeName(member, content)
		if name == "" {
			continue
		}
		symbols = append(symbols, Symbol{
			Kind:      "method",
			Name:      name,
			Container: className,
			StartLine: int(member.StartPoint().Row) + 1,
			EndLine:   int(member.EndPoint().Row) + 1,
		})
	}
	return symbols
}
