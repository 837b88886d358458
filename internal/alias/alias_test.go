package alias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSplitsOnSeparator(t *testing.T) {
	segments, err := Parse("reply hello && close 15m")
	require.NoError(t, err)
	assert.Equal(t, []string{"reply hello", "close 15m"}, segments)
}

func TestParseQuotedSeparatorIsProtected(t *testing.T) {
	segments, err := Parse(`"a b" && c`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a b", "c"}, segments)

	segments, err = Parse(`"reply one && two" && close`)
	require.NoError(t, err)
	assert.Equal(t, []string{"reply one && two", "close"}, segments)
}

func TestParseSingleSegment(t *testing.T) {
	segments, err := Parse("reply hi there")
	require.NoError(t, err)
	assert.Equal(t, []string{"reply hi there"}, segments)
}

func TestParseEmptyBody(t *testing.T) {
	segments, err := Parse("   ")
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestParseUnbalancedQuotes(t *testing.T) {
	_, err := Parse(`"reply hello && close`)
	assert.ErrorIs(t, err, ErrUnbalancedQuotes)
}

func TestParseEscapedQuoteDoesNotClose(t *testing.T) {
	segments, err := Parse(`"say \"hi\" && bye" && close`)
	require.NoError(t, err)
	assert.Equal(t, []string{`say \"hi\" && bye`, "close"}, segments)
}

func TestNormalizeBindsFragmentsPositionally(t *testing.T) {
	// Fragments bind by index; args are never re-split into the first segment.
	assert.Equal(t, []string{"a x", "b y"}, Normalize("a && b", "x && y"))
}

func TestNormalizeWithoutArgs(t *testing.T) {
	assert.Equal(t, []string{"a b", "c"}, Normalize(`"a b" && c`, ""))
}

func TestNormalizeFewerFragmentsThanSegments(t *testing.T) {
	assert.Equal(t, []string{"reply hi", "close"}, Normalize("reply && close", "hi"))
}

func TestNormalizeBlankFragmentLeavesSegment(t *testing.T) {
	assert.Equal(t, []string{"a", "b y"}, Normalize("a && b", `"" && y`))
}

func TestNormalizeExcessFragmentsDropped(t *testing.T) {
	assert.Equal(t, []string{"a x"}, Normalize("a", "x && y && z"))
}

func TestNormalizeMalformedBody(t *testing.T) {
	assert.Nil(t, Normalize(`"broken && body`, "arg"))
	assert.Nil(t, Normalize("", "arg"))
}

func TestNormalizeDeterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		assert.Equal(t, []string{"a x", "b y"}, Normalize("a && b", "x && y"))
	}
}
