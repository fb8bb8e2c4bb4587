package infer

import (
	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/syntax"
)

// Card is a capture's cardinality within its scope.
type Card uint8

const (
	CardOne Card = iota
	CardOpt
	CardStar
	CardPlus
)

func (c Card) String() string { return [...]string{"1", "?", "*", "+"}[c] }

// Mul composes an outer quantifier's cardinality with an inner one.
// Any combination involving an iteration produces an array; optional
// around plus relaxes to star.
func Mul(outer, inner Card) Card {
	if outer == CardOne {
		return inner
	}
	if inner == CardOne {
		return outer
	}
	if outer == CardPlus && inner == CardPlus {
		return CardPlus
	}
	if outer == CardOpt && inner == CardOpt {
		return CardOpt
	}
	return CardStar
}

func quantCard(op syntax.QuantOp) Card {
	switch op.Base() {
	case syntax.QuantOpt:
		return CardOpt
	case syntax.QuantStar:
		return CardStar
	default:
		return CardPlus
	}
}

// Placement locates one capture site inside its scope's composite type.
type Placement struct {
	Scope  TypeID // struct (or row struct) owning the member
	Member int    // ordinal within the scope type's member list
	Card   Card
	Value  TypeID // type at cardinality one
}

// Info is the inference output consumed by the compiler and by codegen.
type Info struct {
	Table    *Table
	DefAlias map[*analyzer.Definition]TypeID // alias entry per definition
	DefType  map[*analyzer.Definition]TypeID // alias target (payload)
	Captures map[*analyzer.CaptureExpr]Placement
	Variant  map[*analyzer.AltBranch]int    // ordinal within the enum
	Unwrap   map[*analyzer.AltBranch]bool   // single `:: string` scalar payload
	AltEnum  map[*analyzer.AltExpr]TypeID   // enum type per tagged alternation
	Payload  map[*analyzer.AltBranch]TypeID // variant payload type
}

// Run infers every definition's result type. Diagnostics accumulate in
// the query's bag; inference keeps going after errors so that partially
// broken queries still produce maximal typing for tooling.
func Run(q *analyzer.Query) *Info {
	info := &Info{
		Table:    NewTable(),
		DefAlias: map[*analyzer.Definition]TypeID{},
		DefType:  map[*analyzer.Definition]TypeID{},
		Captures: map[*analyzer.CaptureExpr]Placement{},
		Variant:  map[*analyzer.AltBranch]int{},
		Unwrap:   map[*analyzer.AltBranch]bool{},
		AltEnum:  map[*analyzer.AltExpr]TypeID{},
		Payload:  map[*analyzer.AltBranch]TypeID{},
	}
	e := &engine{q: q, info: info}

	// Aliases first, so recursive references resolve to a stable id
	// before any body is visited.
	for _, def := range q.Defs {
		info.DefAlias[def] = info.Table.AllocAlias(def.Name)
	}
	for _, def := range q.Defs {
		e.inferDef(def)
	}
	return info
}

type engine struct {
	q    *analyzer.Query
	info *Info
}

// field is one binding bubbling toward its scope boundary.
type field struct {
	name    string
	value   TypeID
	card    Card
	partial bool // absent on some alternation branches
	span    diag.Span
	caps    []*analyzer.CaptureExpr
}

func (e *engine) inferDef(def *analyzer.Definition) {
	alias := e.info.DefAlias[def]
	var payload TypeID
	switch {
	case def.Body == nil:
		payload = TypeVoid
	default:
		if alt, ok := def.Body.(*analyzer.AltExpr); ok && alt.Tagged {
			payload = e.tagged(def, alt, def.Name)
		} else {
			fs := e.fields(def, def.Body)
			payload = e.closeScope(def.Name, fs)
		}
	}
	e.info.Table.SetAliasTarget(alias, payload)
	e.info.DefType[def] = payload
}

// closeScope materializes a scope's bubbled fields: no captures is Void,
// otherwise a struct whose member order is bubbling order.
func (e *engine) closeScope(name string, fs []field) TypeID {
	if len(fs) == 0 {
		return TypeVoid
	}
	members := make([]Member, len(fs))
	for i, f := range fs {
		members[i] = Member{Name: f.name, Type: e.applyCard(f)}
	}
	id := e.info.Table.Struct(name, members)
	for i, f := range fs {
		for _, c := range f.caps {
			e.info.Captures[c] = Placement{Scope: id, Member: i, Card: f.card, Value: f.value}
		}
	}
	return id
}

func (e *engine) applyCard(f field) TypeID {
	t := e.info.Table
	id := f.value
	switch f.card {
	case CardOpt:
		id = t.Optional(id)
	case CardStar:
		id = t.ArrayStar(id)
	case CardPlus:
		id = t.ArrayPlus(id)
	}
	if f.partial {
		id = t.Optional(id)
	}
	return id
}

// tagged closes a tagged alternation into an enum. Each branch is its own
// scope; a branch whose body is a single `:: string` capture unwraps to
// the scalar, everything else gets a struct payload (or Void when the
// branch captures nothing).
func (e *engine) tagged(def *analyzer.Definition, alt *analyzer.AltExpr, base string) TypeID {
	members := make([]Member, 0, len(alt.Branches))
	type pending struct {
		branch *analyzer.AltBranch
		fs     []field
		unwrap bool
	}
	var pend []pending
	for i, b := range alt.Branches {
		e.info.Variant[b] = i
		fs := e.fields(def, b.Body)
		unwrap := false
		if cap, ok := b.Body.(*analyzer.CaptureExpr); ok && len(fs) == 1 &&
			cap.Annot != nil && cap.Annot.IsString {
			unwrap = true
		}
		var payload TypeID
		switch {
		case unwrap:
			payload = fs[0].value
		case len(fs) == 0:
			payload = TypeVoid
		default:
			payload = e.closeScope(SyntheticName(base, b.Label), fs)
		}
		e.info.Unwrap[b] = unwrap
		e.info.Payload[b] = payload
		members = append(members, Member{Name: b.Label, Type: payload})
		pend = append(pend, pending{branch: b, fs: fs, unwrap: unwrap})
	}
	id := e.info.Table.Enum(base, members)
	e.info.AltEnum[alt] = id
	// Unwrapped scalar captures live directly in the variant slot.
	for i, p := range pend {
		if p.unwrap {
			for _, c := range p.fs[0].caps {
				e.info.Captures[c] = Placement{Scope: id, Member: i, Card: p.fs[0].card, Value: p.fs[0].value}
			}
		}
	}
	return id
}

// fields computes the bindings that bubble out of an expression toward
// the nearest enclosing scope boundary.
func (e *engine) fields(def *analyzer.Definition, expr analyzer.Expr) []field {
	switch x := expr.(type) {
	case *analyzer.NodeExpr:
		var out []field
		for _, c := range x.Children {
			out = e.appendFields(out, e.fields(def, c))
		}
		return out
	case *analyzer.SeqExpr:
		var out []field
		for _, item := range x.Items {
			out = e.appendFields(out, e.fields(def, item))
		}
		return out
	case *analyzer.FieldExpr:
		return e.fields(def, x.Inner)
	case *analyzer.PredExpr:
		return e.fields(def, x.Inner)
	case *analyzer.AltExpr:
		if x.Tagged {
			// A free-standing tagged alternation produces a value with
			// nowhere to go; its branches are still typed for tooling.
			e.tagged(def, x, SyntheticName(def.Name, "Alt"))
			return nil
		}
		return e.mergeBranches(def, x)
	case *analyzer.QuantExpr:
		return e.quantFields(def, x)
	case *analyzer.CaptureExpr:
		return e.captureFields(def, x)
	case *analyzer.RefExpr:
		return nil // opaque
	default:
		return nil
	}
}

// appendFields concatenates sibling contributions. Duplicate names on one
// path were already reported by the analyzer; here the first wins and the
// later capture sites share its member slot if types agree.
func (e *engine) appendFields(dst, src []field) []field {
	for _, f := range src {
		merged := false
		for i := range dst {
			if dst[i].name != f.name {
				continue
			}
			if dst[i].value == f.value {
				dst[i].caps = append(dst[i].caps, f.caps...)
			}
			merged = true
			break
		}
		if !merged {
			dst = append(dst, f)
		}
	}
	return dst
}

// mergeBranches unifies an untagged alternation's fields. Top-level
// fields merge with optionality; value types must agree exactly.
func (e *engine) mergeBranches(def *analyzer.Definition, alt *analyzer.AltExpr) []field {
	per := make([][]field, len(alt.Branches))
	for i, b := range alt.Branches {
		per[i] = e.fields(def, b.Body)
	}
	var out []field
	for bi, bf := range per {
		for _, f := range bf {
			idx := -1
			for i := range out {
				if out[i].name == f.name {
					idx = i
					break
				}
			}
			if idx < 0 {
				f.partial = f.partial || bi > 0
				out = append(out, f)
				continue
			}
			o := &out[idx]
			if o.value != f.value {
				kind := diag.CaptureTypeMismatch
				if e.info.Table.Get(o.value).Kind == KindStruct &&
					e.info.Table.Get(f.value).Kind == KindStruct {
					kind = diag.DeepStructMismatch
				}
				e.q.Diags.Addf(kind, f.span,
					"capture @%s has type %s here but %s in another branch",
					f.name, e.info.Table.Render(f.value), e.info.Table.Render(o.value))
				continue
			}
			o.card = joinCard(e.q, o.card, f.card, f)
			o.partial = o.partial || f.partial
			o.caps = append(o.caps, f.caps...)
		}
	}
	// A field absent from any branch is optional.
	for i := range out {
		count := 0
		for _, bf := range per {
			for _, f := range bf {
				if f.name == out[i].name {
					count++
					break
				}
			}
		}
		if count < len(per) {
			out[i].partial = true
		}
	}
	return out
}

// joinCard merges cardinalities across branches. Scalar versus array
// disagreement is a hard error; within a class the looser wins.
func joinCard(q *analyzer.Query, a, b Card, f field) Card {
	if a == b {
		return a
	}
	scalarA, scalarB := a <= CardOpt, b <= CardOpt
	if scalarA != scalarB {
		q.Diags.Addf(diag.CaptureTypeMismatch, f.span,
			"capture @%s is a scalar in one branch and an array in another", f.name)
		return a
	}
	if scalarA {
		return CardOpt
	}
	return CardStar
}

// quantFields handles an uncaptured quantifier. Optionals are transparent
// with cardinality composition; iteration quantifiers with propagating
// captures violate strict dimensionality.
func (e *engine) quantFields(def *analyzer.Definition, x *analyzer.QuantExpr) []field {
	inner := e.fields(def, x.Inner)
	if len(inner) == 0 {
		return nil
	}
	c := quantCard(x.Op)
	if c == CardOpt {
		for i := range inner {
			inner[i].card = Mul(CardOpt, inner[i].card)
		}
		return inner
	}
	e.q.Diags.Add(diag.Diagnostic{
		Kind:    diag.StrictDimensionality,
		Span:    x.Span(),
		Message: "quantified expression with multiple propagating captures requires explicit row capture",
		Help:    "wrap the body in a captured row, e.g. { ... @row }" + x.Op.String() + " @rows",
	})
	return nil
}

// captureFields handles `expr @name`, the source of every binding.
func (e *engine) captureFields(def *analyzer.Definition, x *analyzer.CaptureExpr) []field {
	if x.Suppressed {
		// Still type the inside for error reporting, then drop it.
		e.fields(def, x.Inner)
		return nil
	}
	mk := func(value TypeID, card Card) field {
		return field{
			name:  x.Name,
			value: value,
			card:  card,
			span:  x.NameSpan,
			caps:  []*analyzer.CaptureExpr{x},
		}
	}

	// `:: string` forces text extraction.
	if x.Annot != nil && x.Annot.IsString {
		if inner := e.fields(def, x.Inner); len(inner) > 0 {
			e.q.Diags.Addf(diag.TextOnNonLeafScope, x.Span(),
				":: string cannot apply to a scope with inner captures")
		}
		return []field{mk(TypeString, CardOne)}
	}

	switch inner := x.Inner.(type) {
	case *analyzer.NodeExpr:
		// A captured node pattern binds the node and stays transparent
		// to its children's captures.
		out := []field{mk(TypeNode, CardOne)}
		for _, c := range inner.Children {
			out = e.appendFields(out, e.fields(def, c))
		}
		return out
	case *analyzer.RefExpr:
		if inner.Def == nil {
			return []field{mk(TypeNode, CardOne)}
		}
		return []field{mk(e.info.Table.Ref(e.info.DefAlias[inner.Def]), CardOne)}
	case *analyzer.PredExpr:
		out := []field{mk(TypeNode, CardOne)}
		return e.appendFields(out, e.fields(def, inner.Inner))
	case *analyzer.SeqExpr:
		fs := e.fields(def, inner)
		if len(fs) == 0 {
			return []field{mk(TypeNode, CardOne)} // unit-to-node promotion
		}
		name := e.scopeName(def, x)
		return []field{mk(e.closeScope(name, fs), CardOne)}
	case *analyzer.AltExpr:
		if inner.Tagged {
			return []field{mk(e.tagged(def, inner, e.scopeName(def, x)), CardOne)}
		}
		fs := e.mergeBranches(def, inner)
		if len(fs) == 0 {
			return []field{mk(TypeNode, CardOne)}
		}
		return []field{mk(e.closeScope(e.scopeName(def, x), fs), CardOne)}
	case *analyzer.QuantExpr:
		return e.capturedQuant(def, x, inner, mk)
	default:
		return []field{mk(TypeNode, CardOne)}
	}
}

// capturedQuant handles `expr{?,*,+} @name`: either a scalar collection,
// a quantifier-induced row scope, or a strict-dimensionality error.
func (e *engine) capturedQuant(
	def *analyzer.Definition,
	cap *analyzer.CaptureExpr,
	q *analyzer.QuantExpr,
	mk func(TypeID, Card) field,
) []field {
	c := quantCard(q.Op)
	innerFields := e.fields(def, q.Inner)

	if len(innerFields) == 0 {
		// No internal captures: nodes collect as a scalar array (or an
		// optional node for `?`).
		return []field{mk(TypeNode, c)}
	}

	if c == CardOpt {
		// Optionals: a sequence or alternation closes into an optional
		// row; any other inner pattern binds its node and the inner
		// fields bubble with relaxed cardinality.
		var out []field
		switch q.Inner.(type) {
		case *analyzer.SeqExpr, *analyzer.AltExpr:
			row := e.closeScope(e.scopeName(def, cap), innerFields)
			return []field{mk(row, CardOpt)}
		default:
			out = []field{mk(TypeNode, CardOpt)}
			for i := range innerFields {
				innerFields[i].card = Mul(CardOpt, innerFields[i].card)
			}
			return e.appendFields(out, innerFields)
		}
	}

	// Iterating quantifier with propagating captures: strict
	// dimensionality demands the row be an explicit sequence.
	if _, isSeq := q.Inner.(*analyzer.SeqExpr); !isSeq {
		e.q.Diags.Add(diag.Diagnostic{
			Kind:    diag.StrictDimensionality,
			Span:    q.Span(),
			Message: "quantified expression with multiple propagating captures requires explicit row capture",
			Help:    "wrap the element in braces: { ... @item }" + q.Op.String() + " @" + cap.Name,
		})
		return []field{mk(TypeNode, c)}
	}
	row := e.closeScope(e.scopeName(def, cap), innerFields)
	return []field{mk(row, c)}
}

// scopeName derives the synthetic name for a capture-induced scope,
// honoring an explicit `:: Name` annotation.
func (e *engine) scopeName(def *analyzer.Definition, cap *analyzer.CaptureExpr) string {
	if cap.Annot != nil && !cap.Annot.IsString {
		return cap.Annot.Name
	}
	return SyntheticName(def.Name, cap.Name)
}
