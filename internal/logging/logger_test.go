package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewBuildsBothModes(t *testing.T) {
	t.Parallel()

	dev, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, dev)
	dev.Debug("development logger ready")

	prod, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, prod)
	prod.Info("production logger ready")

	// Debug is visible in development only.
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))
}
