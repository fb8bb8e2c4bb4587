package analyzer

import (
	"regexp"

	"go.uber.org/multierr"

	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/syntax"
)

// Analyze lowers a parse result into the typed intermediate form and runs
// the validation passes in order: collect definitions, resolve references,
// check anchors, check alternation shapes, check recursion. Diagnostics
// accumulate in the parse result's bag; analysis continues past errors so
// IDE-style consumers still get a maximally annotated query.
func Analyze(res syntax.Result) *Query {
	q := &Query{
		Source: res.Tree.Source,
		ByName: map[string]*Definition{},
		Diags:  res.Diags,
	}
	file := syntax.File{Tree: res.Tree}

	// Pass 1: collect definitions.
	for _, d := range file.Defs() {
		name, nameSpan, ok := d.Name()
		if !ok {
			continue
		}
		if prev, dup := q.ByName[name]; dup {
			q.Diags.Add(diag.Diagnostic{
				Kind:      diag.DuplicateDefinition,
				Span:      nameSpan,
				Message:   "duplicate definition " + name,
				Secondary: []diag.Label{{Span: prev.Span, Message: "first defined here"}},
			})
			continue
		}
		def := &Definition{
			Name:   name,
			Public: d.Public(),
			Span:   nameSpan,
			Index:  len(q.Defs),
		}
		q.Defs = append(q.Defs, def)
		q.ByName[name] = def
	}

	// Pass 2: lower bodies and resolve references.
	lw := &lowerer{q: q}
	for _, d := range file.Defs() {
		name, _, ok := d.Name()
		if !ok {
			continue
		}
		def := q.ByName[name]
		if def == nil || def.Body != nil {
			continue
		}
		if body, ok := d.Body(); ok {
			def.Body = lw.lower(body)
		}
	}

	// Pass 3: anchors.
	for _, def := range q.Defs {
		if def.Body != nil {
			checkAnchors(q, def.Body, anchorCtx{atDefRoot: true})
		}
	}

	// Pass 4: alternation shape details and capture scoping. The parser
	// already rejected empty and mixed alternations.
	for _, def := range q.Defs {
		if def.Body != nil {
			checkScopes(q, def.Body)
		}
	}

	// Pass 5: recursion.
	checkRecursion(q)

	return q
}

// Err aggregates the prioritized fatal diagnostics into one error, or nil
// when the query is clean enough to compile.
func (q *Query) Err() error {
	var err error
	for _, d := range q.Diags.Prioritized() {
		if d.Kind.Fatal() {
			err = multierr.Append(err, d)
		}
	}
	return err
}

// Entrypoints returns the public definitions in source order.
func (q *Query) Entrypoints() []*Definition {
	var out []*Definition
	for _, d := range q.Defs {
		if d.Public {
			out = append(out, d)
		}
	}
	return out
}

type lowerer struct {
	q *Query
}

func (l *lowerer) lower(e syntax.Expr) Expr {
	if !e.Valid() {
		return &ErrorExpr{}
	}
	sp := span{S: e.Span()}
	switch e.Kind() {
	case syntax.KindNodePattern:
		return l.lowerNodePattern(e)
	case syntax.KindSeq:
		se, _ := e.AsSeq()
		out := &SeqExpr{span: sp}
		for _, item := range se.Items() {
			out.Items = append(out.Items, l.lowerChild(item))
		}
		return out
	case syntax.KindAlt:
		ae, _ := e.AsAlt()
		out := &AltExpr{span: sp, Tagged: ae.Tagged()}
		for _, b := range ae.Branches() {
			br := &AltBranch{span: span{S: b.Span()}}
			br.Label, _ = b.Label()
			if body, ok := b.Body(); ok {
				br.Body = l.lower(body)
			} else {
				br.Body = &ErrorExpr{span: span{S: b.Span()}}
			}
			out.Branches = append(out.Branches, br)
		}
		return out
	case syntax.KindQuantifier:
		qe, _ := e.AsQuantifier()
		inner, ok := qe.Inner()
		if !ok {
			return &ErrorExpr{span: sp}
		}
		return &QuantExpr{span: sp, Op: qe.Op(), Inner: l.lower(inner)}
	case syntax.KindCapture:
		ce, _ := e.AsCapture()
		inner, ok := ce.Inner()
		if !ok {
			return &ErrorExpr{span: sp}
		}
		name, nameSpan, ok := ce.Name()
		if !ok {
			return l.lower(inner)
		}
		return &CaptureExpr{
			span:       sp,
			Name:       name,
			NameSpan:   nameSpan,
			Suppressed: ce.Suppressed(),
			Inner:      l.lower(inner),
		}
	case syntax.KindTypeAnnotation:
		return l.lowerAnnotation(e)
	case syntax.KindPredicate:
		pe, _ := e.AsPredicate()
		inner, ok := pe.Inner()
		if !ok {
			return &ErrorExpr{span: sp}
		}
		opTok, ok := pe.Op()
		if !ok {
			return l.lower(inner)
		}
		op, _ := predOpFromToken(opTok)
		lit, isRegex, litSpan, ok := pe.Operand()
		if !ok {
			return l.lower(inner)
		}
		if isRegex {
			if _, err := regexp.Compile(lit); err != nil {
				l.q.Diags.Addf(diag.InvalidRegex, litSpan, "invalid regex: %v", err)
			}
		}
		return &PredExpr{span: sp, Op: op, Literal: lit, IsRegex: isRegex, Inner: l.lower(inner)}
	default:
		return &ErrorExpr{span: sp}
	}
}

func (l *lowerer) lowerNodePattern(e syntax.Expr) Expr {
	np, _ := e.AsNodePattern()
	sp := span{S: e.Span()}
	head, headTok := np.Head()
	switch head {
	case syntax.HeadReference:
		name := headTok.Text(np.Tree.Source)
		ref := &RefExpr{span: sp, Name: name, Def: l.q.ByName[name]}
		if ref.Def == nil {
			l.q.Diags.Addf(diag.UnknownReference, headTok.Span, "unknown definition %s", name)
		}
		if len(np.Children()) > 0 {
			l.q.Diags.Addf(diag.UnexpectedToken, headTok.Span,
				"a reference to %s takes no children", name)
		}
		return ref
	case syntax.HeadNamed, syntax.HeadAnonymous, syntax.HeadWildcard,
		syntax.HeadMissing, syntax.HeadErrorNode:
		out := &NodeExpr{span: sp}
		switch head {
		case syntax.HeadNamed:
			out.Match = MatchNamed
			out.Kind = np.HeadText()
		case syntax.HeadAnonymous:
			out.Match = MatchAnonymous
			out.Kind = np.HeadText()
		case syntax.HeadWildcard:
			out.Match = MatchWildcard
		case syntax.HeadMissing:
			out.Match = MatchMissing
			if text := np.HeadText(); text != "MISSING" {
				out.Kind = text
			}
		case syntax.HeadErrorNode:
			out.Match = MatchErrorNode
		}
		for _, c := range np.Children() {
			out.Children = append(out.Children, l.lowerChild(c))
		}
		return out
	default:
		return &ErrorExpr{span: sp}
	}
}

func (l *lowerer) lowerChild(c syntax.PatternChild) Expr {
	switch {
	case c.Anchor != nil:
		return &AnchorExpr{span: span{S: c.Anchor.Span}}
	case c.Field != nil:
		f := *c.Field
		name, nameSpan, ok := f.Name()
		if !ok {
			return &ErrorExpr{span: span{S: f.Span()}}
		}
		if f.Negated() {
			return &NegFieldExpr{span: span{S: f.Span()}, Name: name}
		}
		out := &FieldExpr{span: span{S: f.Span()}, Name: name, NameSpan: nameSpan}
		if v, ok := f.Value(); ok {
			out.Inner = l.lower(v)
		} else {
			out.Inner = &ErrorExpr{span: span{S: f.Span()}}
		}
		return out
	default:
		return l.lower(c.Expr)
	}
}

func (l *lowerer) lowerAnnotation(e syntax.Expr) Expr {
	ae, _ := e.AsAnnotation()
	sp := span{S: e.Span()}
	inner, ok := ae.Inner()
	if !ok {
		return &ErrorExpr{span: sp}
	}
	lowered := l.lower(inner)
	name, isString, ok := ae.TypeName()
	if !ok {
		return lowered
	}
	cap, isCapture := lowered.(*CaptureExpr)
	if !isCapture {
		l.q.Diags.Addf(diag.UnexpectedToken, e.Span(),
			"a type annotation must follow a capture")
		return lowered
	}
	if cap.Suppressed {
		l.q.Diags.Addf(diag.SuppressedCaptureAnnotated, e.Span(),
			"a suppressive capture cannot carry a type annotation")
		return cap
	}
	cap.S = e.Span()
	cap.Annot = &Annotation{IsString: isString, Name: name}
	return cap
}

// anchorCtx carries where an anchor may legally appear.
type anchorCtx struct {
	atDefRoot bool
}

// checkAnchors validates anchor positions. Anchors are valid between
// siblings inside a node pattern, at the boundary of a named node
// pattern's children, and between items of a captured sequence. Boundary
// anchors in an uncaptured sequence at the definition root are rejected.
func checkAnchors(q *Query, e Expr, ctx anchorCtx) {
	switch x := e.(type) {
	case *AnchorExpr:
		q.Diags.Addf(diag.AnchorMisuse, x.Span(), "anchor is not attached to siblings")
	case *NodeExpr:
		for _, c := range x.Children {
			if _, isAnchor := c.(*AnchorExpr); isAnchor {
				continue // any position inside a node pattern is fine
			}
			checkAnchors(q, c, anchorCtx{})
		}
	case *SeqExpr:
		checkAnchorsSeq(q, x, false, ctx.atDefRoot)
	case *AltExpr:
		for _, b := range x.Branches {
			checkAnchors(q, b.Body, anchorCtx{})
		}
	case *QuantExpr:
		checkAnchors(q, x.Inner, anchorCtx{})
	case *FieldExpr:
		checkAnchors(q, x.Inner, anchorCtx{})
	case *CaptureExpr:
		if seq, isSeq := x.Inner.(*SeqExpr); isSeq {
			checkAnchorsSeq(q, seq, true, false)
			return
		}
		checkAnchors(q, x.Inner, anchorCtx{atDefRoot: ctx.atDefRoot})
	case *PredExpr:
		checkAnchors(q, x.Inner, anchorCtx{})
	}
}

func checkAnchorsSeq(q *Query, s *SeqExpr, captured, atDefRoot bool) {
	for i, item := range s.Items {
		if a, isAnchor := item.(*AnchorExpr); isAnchor {
			boundary := i == 0 || i == len(s.Items)-1
			if boundary && !captured {
				msg := "boundary anchor requires a captured sequence"
				if atDefRoot {
					msg = "boundary anchor in an uncaptured sequence at the definition root"
				}
				q.Diags.Addf(diag.AnchorMisuse, a.Span(), "%s", msg)
			}
			continue
		}
		checkAnchors(q, item, anchorCtx{})
	}
}

// checkScopes reports duplicate captures within one scope. Same-name
// captures in different branches of an alternation share a field and are
// fine; two on the same matching path are not.
func checkScopes(q *Query, root Expr) {
	seen := map[string]diag.Span{}
	scopeWalk(q, root, seen)
}

func scopeWalk(q *Query, e Expr, seen map[string]diag.Span) {
	switch x := e.(type) {
	case *CaptureExpr:
		if !x.Suppressed {
			if prev, dup := seen[x.Name]; dup {
				q.Diags.Add(diag.Diagnostic{
					Kind:      diag.DuplicateCaptureInScope,
					Span:      x.NameSpan,
					Message:   "duplicate capture @" + x.Name + " in scope",
					Secondary: []diag.Label{{Span: prev, Message: "first captured here"}},
				})
			} else {
				seen[x.Name] = x.NameSpan
			}
		}
		switch x.Inner.(type) {
		case *SeqExpr, *AltExpr, *QuantExpr:
			// scope boundary: check the inside with a fresh table
			checkScopes(q, x.Inner)
		default:
			scopeWalk(q, x.Inner, seen)
		}
	case *SeqExpr:
		for _, item := range x.Items {
			scopeWalk(q, item, seen)
		}
	case *NodeExpr:
		for _, c := range x.Children {
			scopeWalk(q, c, seen)
		}
	case *FieldExpr:
		scopeWalk(q, x.Inner, seen)
	case *PredExpr:
		scopeWalk(q, x.Inner, seen)
	case *QuantExpr:
		scopeWalk(q, x.Inner, seen)
	case *AltExpr:
		if x.Tagged {
			for _, b := range x.Branches {
				checkScopes(q, b.Body)
			}
			return
		}
		added := map[string]diag.Span{}
		for _, b := range x.Branches {
			branchSeen := make(map[string]diag.Span, len(seen))
			for k, v := range seen {
				branchSeen[k] = v
			}
			scopeWalk(q, b.Body, branchSeen)
			for k, v := range branchSeen {
				if _, ok := seen[k]; !ok {
					if _, ok := added[k]; !ok {
						added[k] = v
					}
				}
			}
		}
		for k, v := range added {
			seen[k] = v
		}
	}
}
