package parser

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestLineBuffer_Offsets(t *testing.T) {
	var b LineBuffer
	lines := b.Feed(100, []byte("ab\r\ncd\n\nef"))
	assert.Equal(t, []RawLine{{"ab", 100}, {"cd", 104}}, lines)
	assert.Equal(t, 2, b.Pending())

	lines = b.Feed(110, []byte("gh\n"))
	assert.Equal(t, []RawLine{{"efgh", 108}}, lines)
	assert.Zero(t, b.Pending())
}

func TestLineBuffer_FlushEmpty(t *testing.T) {
	var b LineBuffer
	_, ok := b.Flush()
	assert.False(t, ok)
}

// Splitting a stream at arbitrary points yields the same lines as feeding it whole.
func TestProperty_LineBufferSplitInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any split point gives identical lines", prop.ForAll(
		func(words []string, cut int) bool {
			stream := []byte(strings.Join(words, "\n") + "\n")
			if cut > len(stream) {
				cut = len(stream)
			}

			var whole LineBuffer
			want := whole.Feed(0, stream)

			var split LineBuffer
			got := split.Feed(0, stream[:cut])
			got = append(got, split.Feed(int64(cut), stream[cut:])...)

			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return split.Pending() == 0
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
