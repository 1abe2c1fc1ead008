package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"missionline/internal/logging"
)

func TestNewLevels(t *testing.T) {
	l, err := logging.New(logging.Config{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))

	l, err = logging.New(logging.Config{})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))

	_, err = logging.New(logging.Config{Level: "loud"})
	assert.Error(t, err)
}

func TestMissionScopesLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logging.Mission(zap.New(core), "m-1").Info("started")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "m-1", logs.All()[0].ContextMap()["mission_id"])

	logging.Mission(nil, "m-2").Info("dropped")
}
