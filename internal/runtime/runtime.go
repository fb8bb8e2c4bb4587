// Package runtime holds the host ABI between the matching engine and the
// tree provider: the cursor surface the VM walks, the node handles that
// flow through the effect log, and the Value tree the materializer
// produces.
package runtime

// Node is a handle to one syntax-tree node. Its lifetime is tied to the
// parsed tree it came from.
type Node interface {
	// KindID is the grammar's numeric symbol for the node.
	KindID() uint16
	// Kind is the grammar's name for the node, used in rendered output.
	Kind() string
	IsNamed() bool
	IsMissing() bool
	IsError() bool
	StartByte() uint32
	EndByte() uint32
	// Text returns the node's slice of the source.
	Text() string
	// HasField reports whether any direct child occupies the field.
	HasField(fieldID uint16) bool
}

// Cursor walks a tree. It is created at the root and repositioned only
// through the goto operations, which keeps DescendantIndex a stable
// four-byte checkpoint.
type Cursor interface {
	GotoFirstChild() bool
	GotoNextSibling() bool
	GotoParent() bool
	// GotoDescendant repositions to the preorder index relative to the
	// node the cursor was constructed at.
	GotoDescendant(index uint32)
	DescendantIndex() uint32
	// FieldID is the field of the current node within its parent, or 0.
	FieldID() uint16
	Node() Node
}

// Tree is the minimal provider surface the match driver needs.
type Tree interface {
	Walk() Cursor
	DescendantCount() uint32
}

// EffectOp enumerates the operations of the effect log.
type EffectOp uint8

const (
	EffNode EffectOp = iota + 1
	EffText
	EffStartObj
	EffEndObj
	EffStartArr
	EffEndArr
	EffPush
	EffSet
	EffStartEnum
	EffEndEnum
	EffNull
	EffClear
	EffSuppressBegin
	EffSuppressEnd
)

var effNames = map[EffectOp]string{
	EffNode:          "node",
	EffText:          "text",
	EffStartObj:      "start-obj",
	EffEndObj:        "end-obj",
	EffStartArr:      "start-arr",
	EffEndArr:        "end-arr",
	EffPush:          "push",
	EffSet:           "set",
	EffStartEnum:     "start-enum",
	EffEndEnum:       "end-enum",
	EffNull:          "null",
	EffClear:         "clear",
	EffSuppressBegin: "suppress-begin",
	EffSuppressEnd:   "suppress-end",
}

func (op EffectOp) String() string {
	if s, ok := effNames[op]; ok {
		return s
	}
	return "effect"
}

// HasArg reports whether the op carries a member/variant operand.
func (op EffectOp) HasArg() bool { return op == EffSet || op == EffStartEnum }

// Effect is one entry of the append-only effect log. Node is set for
// EffNode and EffText; Arg is the global member index for EffSet and
// EffStartEnum.
type Effect struct {
	Op   EffectOp
	Node Node
	Arg  uint32
}
