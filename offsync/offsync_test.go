package offsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdStringParseRoundTrip(t *testing.T) {
	for i := 0; i < 32; i += 1 {
		id := NewId()
		idStr := id.String()
		assert.Equal(t, 36, len(idStr))

		parsed, err := ParseId(idStr)
		assert.Equal(t, nil, err)
		assert.Equal(t, id, parsed)
	}
}

func TestParseIdRejectsMalformed(t *testing.T) {
	for _, idStr := range []string{
		"",
		"not-an-id",
		"0123456789abcdef0123456789abcdef0123",
		"zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz",
	} {
		_, err := ParseId(idStr)
		assert.NotEqual(t, err, nil)
	}
}
