package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReadyPayload(t *testing.T) {
	ev, err := parseReadyPayload("42:123456")
	require.NoError(t, err)
	assert.Equal(t, 42, ev.Bucket)
	assert.Equal(t, int64(123456), ev.RunID)
}

func TestParseReadyPayloadMalformed(t *testing.T) {
	for _, payload := range []string{"", "42", "a:1", "1:b", ":"} {
		_, err := parseReadyPayload(payload)
		assert.Error(t, err, "payload %q", payload)
	}
}
