package knowledge

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// ParseFile reads path and returns a Document keyed by its path relative
// to root. Go files are reduced to an outline of their declarations.
func ParseFile(path, root string) (Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read file %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	doc := Document{
		Path:     rel,
		Title:    filepath.Base(path),
		Category: categorize(path),
	}
	if doc.Category == CategoryGoSource {
		doc.Content = outlineGo(content, rel)
	} else {
		doc.Content = "File: " + rel + "\n\n" + string(content)
	}
	return doc, nil
}

func categorize(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return CategoryGoSource
	case ".yaml", ".yml", ".toml":
		return CategoryConfig
	default:
		return CategoryMarkdown
	}
}

// outlineGo renders the package clause, imports, and every top-level
// declaration signature with its doc comment. Files that do not parse fall
// back to their raw text.
func outlineGo(src []byte, rel string) string {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, rel, src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return "File: " + rel + "\n\n" + string(src)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\npackage %s\n", rel, f.Name.Name)
	if f.Doc != nil {
		b.WriteString(comment(f.Doc))
	}
	for _, imp := range f.Imports {
		fmt.Fprintf(&b, "import %s\n", imp.Path.Value)
	}
	b.WriteString("\n")

	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			b.WriteString(comment(d.Doc))
			end := d.Type.End()
			b.Write(src[fset.Position(d.Pos()).Offset:fset.Position(end).Offset])
			b.WriteString("\n\n")
		case *ast.GenDecl:
			if d.Tok == token.IMPORT {
				continue
			}
			b.WriteString(comment(d.Doc))
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					b.WriteString(comment(s.Doc))
					fmt.Fprintf(&b, "type %s %s\n", s.Name.Name, typeKind(s.Type))
					for _, field := range structFields(s.Type) {
						fmt.Fprintf(&b, "  %s\n", field)
					}
				case *ast.ValueSpec:
					for _, n := range s.Names {
						fmt.Fprintf(&b, "%s %s\n", d.Tok, n.Name)
					}
				}
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func comment(g *ast.CommentGroup) string {
	text := strings.TrimSpace(g.Text())
	if text == "" {
		return ""
	}
	return "// " + strings.ReplaceAll(text, "\n", " ") + "\n"
}

func typeKind(e ast.Expr) string {
	switch e.(type) {
	case *ast.StructType:
		return "struct"
	case *ast.InterfaceType:
		return "interface"
	case *ast.FuncType:
		return "func"
	case *ast.MapType:
		return "map"
	default:
		return ""
	}
}

func structFields(e ast.Expr) []string {
	var fields *ast.FieldList
	switch t := e.(type) {
	case *ast.StructType:
		fields = t.Fields
	case *ast.InterfaceType:
		fields = t.Methods
	}
	if fields == nil {
		return nil
	}
	var out []string
	for _, f := range fields.List {
		for _, n := range f.Names {
			out = append(out, n.Name)
		}
	}
	return out
}

// FormatPlan turns a finalized plan into a document so later planning
// sessions can retrieve it.
func FormatPlan(sessionID, request, plan string) Document {
	title := request
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	return Document{
		Path:     "plan:" + sessionID,
		Title:    title,
		Content:  fmt.Sprintf("Request: %s\n\n%s", request, plan),
		Category: CategoryPlan,
	}
}

var skipDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	"testdata":     true,
}

// SkipDir reports whether a directory named base is never indexed.
func SkipDir(base string) bool {
	return strings.HasPrefix(base, ".") || skipDirs[base]
}

// ShouldIndex reports whether the file at rel, a path relative to the
// indexed root, is eligible for indexing.
func ShouldIndex(rel string, indexGoSource bool) bool {
	path := rel
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		if part != "." && part != ".." && SkipDir(part) {
			return false
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		return true
	case ".go":
		return indexGoSource && !strings.HasSuffix(base, "_test.go")
	case ".yaml", ".yml", ".toml":
		return true
	default:
		return false
	}
}
