package annotate

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
)

// annotateFunction handles markup-in-function components (.jsx/.tsx/.js/.ts):
// the source is parsed, the default-exported component's root rendered
// element located and the attribute spliced into its opening tag. Anything
// that prevents that, from parse errors to fragment roots, results in the
// original code being passed through.
func (a *Annotator) annotateFunction(filePath, code string) Result {
	content := []byte(code)

	// Parsers are not safe for concurrent use; one per call.
	parser := sitter.NewParser()
	parser.SetLanguage(languageFor(filePath))

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil || tree == nil {
		log.Warn().Err(err).Str("path", filePath).Msg("Failed to parse component, passing source through")
		return Result{Code: code}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		log.Warn().Str("path", filePath).Msg("Component source has syntax errors, passing through")
		return Result{Code: code}
	}

	component := defaultExportedFunction(root, content)
	if component == nil {
		a.logSkip(filePath, "no default-exported component function")
		return Result{Code: code}
	}

	opening := openingElement(renderRoot(component, content), content)
	if opening == nil {
		a.logSkip(filePath, "no single root element")
		return Result{Code: code}
	}

	if hasAttribute(opening, content, Attribute) {
		a.logSkip(filePath, "already annotated")
		return Result{Code: code}
	}

	value := a.componentValue(filePath)
	attr := attributeText(value)
	at := insertionOffset(opening)
	out := code[:at] + attr + code[at:]

	a.logAnnotated(filePath, value)
	return Result{
		Code:    out,
		Map:     insertionSourceMap(filePath, code, at, len(attr)),
		Changed: true,
	}
}

// languageFor picks the grammar by extension. The tsx grammar parses both
// plain TypeScript and TSX; plain javascript covers .js/.jsx including JSX.
func languageFor(filePath string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".js", ".jsx":
		return javascript.GetLanguage()
	default:
		return tsx.GetLanguage()
	}
}

func nodeText(n *sitter.Node, content []byte) string {
	return string(content[n.StartByte():n.EndByte()])
}

// defaultExportedFunction finds the function node behind the file's default
// export. Handled shapes, first match wins:
//
//	export default function Page() {...}
//	export default () => ...            (and unnamed function expressions)
//	const Page = () => ...; export default Page
//	const Page = () => ...; export { Page as default }
//	export default memo(Page)
func defaultExportedFunction(program *sitter.Node, content []byte) *sitter.Node {
	declared := topLevelFunctions(program, content)

	for i := 0; i < int(program.NamedChildCount()); i++ {
		stmt := program.NamedChild(i)
		if stmt.Type() != "export_statement" {
			continue
		}

		if hasDefaultKeyword(stmt) {
			if decl := stmt.ChildByFieldName("declaration"); decl != nil && isFunctionNode(decl) {
				return decl
			}
			if value := stmt.ChildByFieldName("value"); value != nil {
				if fn := resolveExportedValue(value, declared, content); fn != nil {
					return fn
				}
			}
			return nil
		}

		// export { Page as default }
		if name := defaultExportClauseName(stmt, content); name != "" {
			if fn, ok := declared[name]; ok {
				return fn
			}
			return nil
		}
	}
	return nil
}

// resolveExportedValue turns an export-default expression into a function
// node: inline functions directly, identifiers through the declaration table,
// call expressions like memo(Page) through their first resolvable argument.
func resolveExportedValue(value *sitter.Node, declared map[string]*sitter.Node, content []byte) *sitter.Node {
	switch value.Type() {
	case "arrow_function", "function", "function_expression":
		return value
	case "identifier":
		return declared[nodeText(value, content)]
	case "call_expression":
		args := value.ChildByFieldName("arguments")
		if args == nil {
			return nil
		}
		for i := 0; i < int(args.NamedChildCount()); i++ {
			arg := args.NamedChild(i)
			switch arg.Type() {
			case "arrow_function", "function", "function_expression":
				return arg
			case "identifier":
				if fn, ok := declared[nodeText(arg, content)]; ok {
					return fn
				}
			}
		}
	}
	return nil
}

// topLevelFunctions collects name -> function node for every function-valued
// declaration at the top of the file, exported or not.
func topLevelFunctions(program *sitter.Node, content []byte) map[string]*sitter.Node {
	declared := make(map[string]*sitter.Node)

	for i := 0; i < int(program.NamedChildCount()); i++ {
		stmt := program.NamedChild(i)
		if stmt.Type() == "export_statement" {
			if decl := stmt.ChildByFieldName("declaration"); decl != nil {
				stmt = decl
			}
		}

		switch stmt.Type() {
		case "function_declaration":
			if name := stmt.ChildByFieldName("name"); name != nil {
				declared[nodeText(name, content)] = stmt
			}
		case "lexical_declaration", "variable_declaration":
			for j := 0; j < int(stmt.NamedChildCount()); j++ {
				d := stmt.NamedChild(j)
				if d.Type() != "variable_declarator" {
					continue
				}
				name := d.ChildByFieldName("name")
				value := d.ChildByFieldName("value")
				if name == nil || value == nil {
					continue
				}
				switch value.Type() {
				case "arrow_function", "function", "function_expression":
					declared[nodeText(name, content)] = value
				}
			}
		}
	}
	return declared
}

func hasDefaultKeyword(export *sitter.Node) bool {
	for i := 0; i < int(export.ChildCount()); i++ {
		if export.Child(i).Type() == "default" {
			return true
		}
	}
	return false
}

// defaultExportClauseName extracts X from `export { X as default }`, or ""
// when the statement has no such specifier.
func defaultExportClauseName(export *sitter.Node, content []byte) string {
	for i := 0; i < int(export.NamedChildCount()); i++ {
		clause := export.NamedChild(i)
		if clause.Type() != "export_clause" {
			continue
		}
		for j := 0; j < int(clause.NamedChildCount()); j++ {
			spec := clause.NamedChild(j)
			if spec.Type() != "export_specifier" {
				continue
			}
			alias := spec.ChildByFieldName("alias")
			name := spec.ChildByFieldName("name")
			if alias != nil && name != nil && nodeText(alias, content) == "default" {
				return nodeText(name, content)
			}
		}
	}
	return ""
}

func isFunctionNode(n *sitter.Node) bool {
	switch n.Type() {
	case "function_declaration", "arrow_function", "function", "function_expression":
		return true
	}
	return false
}

// renderRoot finds the expression a component renders: the body itself for
// expression-bodied arrows, otherwise the argument of the first return
// statement in the function body. Later returns, including those in other
// branches of a conditional, are never considered.
func renderRoot(fn *sitter.Node, content []byte) *sitter.Node {
	if fn == nil {
		return nil
	}

	body := fn.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	if fn.Type() == "arrow_function" && body.Type() != "statement_block" {
		return body
	}

	ret := firstReturn(body)
	if ret == nil || ret.NamedChildCount() == 0 {
		return nil
	}
	return ret.NamedChild(0)
}

// firstReturn walks body in document order and returns the first return
// statement, without descending into nested function definitions.
func firstReturn(body *sitter.Node) *sitter.Node {
	var walk func(n *sitter.Node) *sitter.Node
	walk = func(n *sitter.Node) *sitter.Node {
		if n.Type() == "return_statement" {
			return n
		}
		switch n.Type() {
		case "arrow_function", "function", "function_expression", "function_declaration", "method_definition", "class_declaration":
			return nil
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if found := walk(n.NamedChild(i)); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(body)
}

// openingElement resolves a rendered expression to the opening tag that can
// carry the attribute. Fragments have no tag and yield nil, as does any
// non-element expression.
func openingElement(expr *sitter.Node, content []byte) *sitter.Node {
	for expr != nil && expr.Type() == "parenthesized_expression" {
		if expr.NamedChildCount() == 0 {
			return nil
		}
		expr = expr.NamedChild(0)
	}
	if expr == nil {
		return nil
	}

	var opening *sitter.Node
	switch expr.Type() {
	case "jsx_self_closing_element":
		opening = expr
	case "jsx_element":
		for i := 0; i < int(expr.NamedChildCount()); i++ {
			if c := expr.NamedChild(i); c.Type() == "jsx_opening_element" {
				opening = c
				break
			}
		}
	default:
		return nil
	}
	if opening == nil {
		return nil
	}

	// A fragment parses with no tag name; nothing to annotate there.
	name := opening.ChildByFieldName("name")
	if name == nil || strings.TrimSpace(nodeText(name, content)) == "" {
		return nil
	}
	return opening
}

// hasAttribute reports whether the opening element already carries an
// attribute with the given name.
func hasAttribute(opening *sitter.Node, content []byte, attr string) bool {
	for i := 0; i < int(opening.NamedChildCount()); i++ {
		c := opening.NamedChild(i)
		if c.Type() != "jsx_attribute" || c.NamedChildCount() == 0 {
			continue
		}
		if nodeText(c.NamedChild(0), content) == attr {
			return true
		}
	}
	return false
}

// insertionOffset is the byte offset right after the tag name (and its type
// arguments, for generic components), where the attribute gets spliced in.
func insertionOffset(opening *sitter.Node) int {
	name := opening.ChildByFieldName("name")
	at := name.EndByte()
	for i := 0; i < int(opening.NamedChildCount()); i++ {
		c := opening.NamedChild(i)
		if c.Type() == "type_arguments" && c.StartByte() >= at {
			at = c.EndByte()
			break
		}
	}
	return int(at)
}
