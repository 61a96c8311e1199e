package structure

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

func init() {
	DefaultRegistry.Register("python", pythonExtractor{})
}

type pythonExtractor struct{}

func (pythonExtractor) Outline(ctx context.Context, _ string, content []byte) ([]Symbol, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse python: %w", err)
	}
	defer tree.Close()

	var symbols []Symbol
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		symbols = appendPythonSymbols(symbols, node, content, "")
	}
	return symbols, nil
}

// appendPythonSymbols records node when it declares a class or function,
// descending into class bodies so methods carry their container.
func appendPythonSymbols(symbols []Symbol, node *sitter.Node, content []byte, container string) []Symbol {
	switch node.Type() {
	case "decorated_definition":
		// The decorator wrapper owns the line range; the definition
		// inside carries the name.
		def := node.ChildByFieldName("definition")
		if def == nil {
			return symbols
		}
		name := nodeName(def, content)
		if name == "" {
			return symbols
		}
		kind := "function"
		if def.Type() == "class_definition" {
			kind = "class"
		} else if container != "" {
			kind = "method"
		}
		symbols = append(symbols, Symbol{
			Kind:      kind,
			Name:      name,
			Container: container,
			StartLine: int(node.StartPoint().Row) + 1,
			EndLine:   int(node.EndPoint().Row) + 1,
		})
		if def.Type() == "class_definition" {
			symbols = appendPythonClassBody(symbols, def, content, name)
		}

	case "class_definition":
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
		symbols = appendPythonClassBody(symbols, node, content, name)

	case "function_definition":
		name := nodeName(node, content)
		if name == "" {
			return symbols
		}
		kind := "function"
		if container != "" {
			kind = "method"
		}
		symbols = append(symbols, Symbol{
			Kind:      kind,
			Name:      name,
			Container: container,
			StartLine: int(node.StartPoint().Row) + 1,
			EndLine:   int(node.EndPoint().Row) + 1,
		})
	}
	return symbols
}

func appendPythonClassBody(symbols []Symbol, class *sitter.Node, content []byte, className string) []Symbol {
	body := class.ChildByFieldName("body")
	if body == nil {
		return symbols
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		symbols = appendPythonSymbols(symbols, body.NamedChild(i), content, className)
	}
	return symbols
}

func nodeName(node *sitter.Node, content []byte) string {
	name := node.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return name.Content(content)
}
