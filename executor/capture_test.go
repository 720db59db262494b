package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapture(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		writes    []string
		want      string
		truncated bool
	}{
		{
			name:   "empty",
			limit:  16,
			writes: nil,
			want:   "",
		},
		{
			name:   "under limit",
			limit:  16,
			writes: []string{"hello ", "world"},
			want:   "hello world",
		},
		{
			name:   "exactly at limit",
			limit:  16,
			writes: []string{strings.Repeat("a", 12), "bbbb"},
			want:   strings.Repeat("a", 12) + "bbbb",
		},
		{
			name:      "over limit keeps head and tail",
			limit:     16,
			writes:    []string{strings.Repeat("a", 12), strings.Repeat("x", 20), "zzzz"},
			want:      strings.Repeat("a", 12) + "\n... [20 bytes truncated] ...\nzzzz",
			truncated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCapture(tt.limit)
			for _, w := range tt.writes {
				n, err := c.Write([]byte(w))
				assert.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, c.String())
			assert.Equal(t, tt.truncated, c.Truncated())
		})
	}
}

func TestCaptureBoundedMemory(t *testing.T) {
	c := newCapture(1024)
	chunk := []byte(strings.Repeat("y", 4096))
	for i := 0; i < 1024; i++ {
		_, _ = c.Write(chunk)
	}

	assert.True(t, c.Truncated())
	assert.Less(t, len(c.String()), 2048)
	assert.Equal(t, 768, len(c.head))
}
