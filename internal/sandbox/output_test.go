package sandbox_test

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/coderunner/internal/sandbox"
)

func TestLimitedBuffer_UnderLimit(t *testing.T) {
	b := &sandbox.LimitedBuffer{Limit: 16}

	n, err := io.WriteString(b, "hello\n")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.False(t, b.Truncated())
	assert.Equal(t, "hello\n", b.String())
}

func TestLimitedBuffer_DropsOverflowButReportsFullWrites(t *testing.T) {
	b := &sandbox.LimitedBuffer{Limit: 10}

	for i := 0; i < 1000; i++ {
		n, err := io.WriteString(b, "xxxx")
		require.NoError(t, err)
		require.Equal(t, 4, n)
	}

	assert.True(t, b.Truncated())
	assert.Equal(t, strings.Repeat("x", 10)+sandbox.OutputTruncatedMarker, b.String())
}

func TestLimitedBuffer_ExactLimitIsNotTruncated(t *testing.T) {
	b := &sandbox.LimitedBuffer{Limit: 4}

	_, _ = io.WriteString(b, "abcd")
	_, _ = b.Write(nil)

	assert.False(t, b.Truncated())
	assert.Equal(t, "abcd", b.String())
}

func TestLimitedBuffer_NoLimit(t *testing.T) {
	b := &sandbox.LimitedBuffer{}

	big := strings.Repeat("y", 1<<20)
	_, _ = io.WriteString(b, big)

	assert.False(t, b.Truncated())
	assert.Len(t, b.String(), 1<<20)
}
