// Package syntax contains the lossless concrete syntax tree for the query
// language, the event-driven resilient parser that produces it, and the
// typed accessor layer used by later passes.
package syntax

// NodeKind tags a CST node. The set is closed; the parser never invents
// kinds outside it.
type NodeKind uint8

const (
	KindFile NodeKind = iota
	KindNamedDef
	KindPattern // reserved parent for recovered fragments
	KindSeq
	KindAlt
	KindAltBranch
	KindNodePattern
	KindField
	KindAnchor
	KindCapture
	KindQuantifier
	KindPredicate
	KindTypeAnnotation
	KindError
)

var nodeKindNames = [...]string{
	KindFile:           "file",
	KindNamedDef:       "named-def",
	KindPattern:        "pattern",
	KindSeq:            "seq",
	KindAlt:            "alt",
	KindAltBranch:      "alt-branch",
	KindNodePattern:    "node-pattern",
	KindField:          "field",
	KindAnchor:         "anchor",
	KindCapture:        "capture",
	KindQuantifier:     "quantifier",
	KindPredicate:      "predicate",
	KindTypeAnnotation: "type-annotation",
	KindError:          "error",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return "unknown"
}
