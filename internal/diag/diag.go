// Package diag defines the closed set of diagnostic kinds produced by the
// query pipeline, their priority order, and overlap suppression.
package diag

import (
	"fmt"
	"sort"
)

// Span is a half-open byte range into the query source.
type Span struct {
	Start uint32
	End   uint32
}

func (s Span) Len() uint32 { return s.End - s.Start }

// Overlaps reports whether two spans share at least one byte. Empty spans
// overlap when they touch the other span's range.
func (s Span) Overlaps(o Span) bool {
	if s.Start == s.End {
		return o.Start <= s.Start && s.Start <= o.End
	}
	if o.Start == o.End {
		return s.Start <= o.Start && o.Start <= s.End
	}
	return s.Start < o.End && o.Start < s.End
}

// Cover returns the smallest span containing both s and o.
func (s Span) Cover(o Span) Span {
	r := s
	if o.Start < r.Start {
		r.Start = o.Start
	}
	if o.End > r.End {
		r.End = o.End
	}
	return r
}

func (s Span) String() string { return fmt.Sprintf("%d..%d", s.Start, s.End) }

// Kind identifies one diagnostic. The numeric order is the priority order:
// when two diagnostics overlap in span, the lower-valued kind survives.
type Kind uint8

const (
	// Lex/parse errors.
	UnexpectedToken Kind = iota
	UnclosedDelimiter
	InvalidCaptureName
	InvalidRegex
	EmptyAlternation
	AnchorInAlternation
	AnonymousAtDefinitionRoot
	MixedLabeledUnlabeledBranches
	DuplicateCaptureInScope

	// Analysis errors.
	DuplicateDefinition
	UnknownReference
	AnchorMisuse
	SuppressedCaptureAnnotated
	UnguardedRecursion
	RecursionWithoutEscape

	// Type errors.
	CaptureTypeMismatch
	StrictDimensionality
	DeepStructMismatch
	TextOnNonLeafScope
	DuplicateStructMember

	// Compile errors.
	PayloadOverflow
	MissingEntrypoint

	kindCount
)

var kindNames = [...]string{
	UnexpectedToken:               "unexpected-token",
	UnclosedDelimiter:             "unclosed-delimiter",
	InvalidCaptureName:            "invalid-capture-name",
	InvalidRegex:                  "invalid-regex",
	EmptyAlternation:              "empty-alternation",
	AnchorInAlternation:           "anchor-in-alternation",
	AnonymousAtDefinitionRoot:     "anonymous-at-definition-root",
	MixedLabeledUnlabeledBranches: "mixed-labeled-unlabeled-branches",
	DuplicateCaptureInScope:       "duplicate-capture-in-scope",
	DuplicateDefinition:           "duplicate-definition",
	UnknownReference:              "unknown-reference",
	AnchorMisuse:                  "anchor-misuse",
	SuppressedCaptureAnnotated:    "suppressed-capture-annotated",
	UnguardedRecursion:            "unguarded-recursion",
	RecursionWithoutEscape:        "recursion-without-escape",
	CaptureTypeMismatch:           "capture-type-mismatch",
	StrictDimensionality:          "strict-dimensionality",
	DeepStructMismatch:            "deep-struct-mismatch",
	TextOnNonLeafScope:            "text-on-non-leaf-scope",
	DuplicateStructMember:         "duplicate-struct-member",
	PayloadOverflow:               "payload-overflow",
	MissingEntrypoint:             "missing-entrypoint",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Fatal reports whether a diagnostic of this kind blocks bytecode emission.
// Every kind except none currently is fatal; parse recovery still yields a
// usable CST, but the compiler refuses to emit.
func (k Kind) Fatal() bool { return true }

// Label is a secondary annotation pointing at a related span.
type Label struct {
	Span    Span
	Message string
}

// Diagnostic is one reported problem with its source location.
type Diagnostic struct {
	Kind      Kind
	Span      Span
	Message   string
	Hint      string  // primary hint rendered at the span, optional
	Help      string  // detached help line, optional
	Secondary []Label // related locations, optional
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %s [%s]", d.Span, d.Message, d.Kind)
}

// Bag accumulates diagnostics across pipeline passes.
type Bag struct {
	list []Diagnostic
}

func (b *Bag) Add(d Diagnostic) { b.list = append(b.list, d) }

func (b *Bag) Addf(kind Kind, span Span, format string, args ...any) {
	b.Add(Diagnostic{Kind: kind, Span: span, Message: fmt.Sprintf(format, args...)})
}

func (b *Bag) Len() int { return len(b.list) }

func (b *Bag) Empty() bool { return len(b.list) == 0 }

// HasFatal reports whether any collected diagnostic blocks emission.
func (b *Bag) HasFatal() bool {
	for _, d := range b.list {
		if d.Kind.Fatal() {
			return true
		}
	}
	return false
}

// All returns the collected diagnostics in insertion order.
func (b *Bag) All() []Diagnostic { return b.list }

// Prioritized returns the diagnostics after overlap suppression, sorted by
// span start. When two diagnostics overlap, only the higher-priority
// (lower Kind value) one survives; ties keep the earlier insertion. This
// hides cascades such as analysis or type errors reported over a region
// that already failed to parse.
func (b *Bag) Prioritized() []Diagnostic {
	survivors := make([]Diagnostic, 0, len(b.list))
	for _, cand := range b.list {
		dead := false
		for i := 0; i < len(survivors); {
			s := survivors[i]
			if !cand.Span.Overlaps(s.Span) {
				i++
				continue
			}
			if s.Kind <= cand.Kind {
				dead = true
				break
			}
			// Candidate outranks the survivor.
			survivors = append(survivors[:i], survivors[i+1:]...)
		}
		if !dead {
			survivors = append(survivors, cand)
		}
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].Span.Start != survivors[j].Span.Start {
			return survivors[i].Span.Start < survivors[j].Span.Start
		}
		return survivors[i].Kind < survivors[j].Kind
	})
	return survivors
}
