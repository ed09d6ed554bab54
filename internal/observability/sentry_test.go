package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/config"
)

func TestInitWithoutDSNIsDisabled(t *testing.T) {
	require.NoError(t, Init(config.SentryConfig{}, "test", zap.NewNop()))
	assert.False(t, enabled.Load())

	// no-ops while disabled
	CaptureTaskError("t1", "encode", errors.New("boom"))
	CaptureException(errors.New("boom"))
	Flush()
}

func TestFilterSensitiveHeaders(t *testing.T) {
	got := filterSensitiveHeaders(map[string]string{
		"Authorization": "Bearer abc",
		"Content-Type":  "application/json",
		"Cookie":        "session=1",
	})
	assert.Equal(t, map[string]string{
		"Authorization": "[Filtered]",
		"Content-Type":  "application/json",
		"Cookie":        "[Filtered]",
	}, got)
}
