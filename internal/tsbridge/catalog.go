package tsbridge

import (
	"fmt"
	"path/filepath"
	"strings"

	ts "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
)

// Language pairs a grammar with its catalog metadata. It satisfies the
// bytecode Grammar interface for linking.
type Language struct {
	ID         string
	Extensions []string
	// Trivia lists the node kinds the skip policies treat as trivia.
	Trivia []string

	lang *ts.Language
}

func (l *Language) KindID(name string, named bool) uint16 {
	return l.lang.IdForNodeKind(name, named)
}

func (l *Language) FieldID(name string) uint16 {
	return l.lang.FieldIdForName(name)
}

var catalog = map[string]*Language{}
var byExtension = map[string]*Language{}

func register(l *Language) {
	catalog[l.ID] = l
	for _, ext := range l.Extensions {
		byExtension[strings.ToLower(ext)] = l
	}
}

func init() {
	register(&Language{
		ID:         "go",
		Extensions: []string{".go"},
		Trivia:     []string{"comment"},
		lang:       ts.NewLanguage(tree_sitter_go.Language()),
	})
	register(&Language{
		ID:         "javascript",
		Extensions: []string{".js", ".mjs", ".cjs", ".jsx"},
		Trivia:     []string{"comment", "html_comment"},
		lang:       ts.NewLanguage(tree_sitter_javascript.Language()),
	})
}

// Lookup resolves a language id.
func Lookup(id string) (*Language, bool) {
	l, ok := catalog[strings.ToLower(id)]
	return l, ok
}

// LookupByExtension resolves a language from a file path.
func LookupByExtension(path string) (*Language, bool) {
	l, ok := byExtension[strings.ToLower(filepath.Ext(path))]
	return l, ok
}

// Languages lists the registered language ids.
func Languages() []string {
	out := make([]string, 0, len(catalog))
	for id := range catalog {
		out = append(out, id)
	}
	return out
}

// Resolve picks a language from an explicit id or, failing that, a file
// path's extension.
func Resolve(id, path string) (*Language, error) {
	if id != "" {
		if l, ok := Lookup(id); ok {
			return l, nil
		}
		return nil, fmt.Errorf("tsbridge: unsupported language %q (have %v)", id, Languages())
	}
	if l, ok := LookupByExtension(path); ok {
		return l, nil
	}
	return nil, fmt.Errorf("tsbridge: cannot infer language for %q", path)
}
