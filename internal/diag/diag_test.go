package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpanOverlap(t *testing.T) {
	assert.True(t, Span{0, 5}.Overlaps(Span{4, 9}))
	assert.False(t, Span{0, 5}.Overlaps(Span{5, 9}))
	// empty spans overlap when they touch a range
	assert.True(t, Span{3, 3}.Overlaps(Span{0, 5}))
	assert.Equal(t, Span{0, 9}, Span{0, 5}.Cover(Span{4, 9}))
}

func TestOverlapSuppression(t *testing.T) {
	var b Bag
	// a cascade: the unclosed delimiter spawns unexpected-token noise,
	// and an analysis-level complaint overlaps both
	b.Addf(UnknownReference, Span{2, 8}, "unknown definition X")
	b.Addf(UnclosedDelimiter, Span{0, 10}, "unclosed delimiter")
	b.Addf(UnexpectedToken, Span{4, 6}, "unexpected token")
	b.Addf(CaptureTypeMismatch, Span{20, 25}, "type mismatch")

	out := b.Prioritized()
	assert.Len(t, out, 2)
	assert.Equal(t, UnexpectedToken, out[0].Kind)
	assert.Equal(t, CaptureTypeMismatch, out[1].Kind)
}

func TestPrioritizedKeepsDisjoint(t *testing.T) {
	var b Bag
	b.Addf(UnknownReference, Span{10, 12}, "a")
	b.Addf(UnknownReference, Span{0, 2}, "b")
	out := b.Prioritized()
	assert.Len(t, out, 2)
	// sorted by span start
	assert.Equal(t, uint32(0), out[0].Span.Start)
}

func TestPriorityOrderIsParseFirst(t *testing.T) {
	// parse-level kinds outrank analysis, which outrank types
	assert.Less(t, uint8(UnexpectedToken), uint8(UnknownReference))
	assert.Less(t, uint8(UnknownReference), uint8(CaptureTypeMismatch))
	assert.Less(t, uint8(CaptureTypeMismatch), uint8(PayloadOverflow))
}
