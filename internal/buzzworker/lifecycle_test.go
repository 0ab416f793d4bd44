package buzzworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"buzzworker/internal/logger"
)

func TestLifecycleLogFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newServiceFixture(t, testConfig(t, "worker:\n  version: v1\n"), staticOrigin(nil),
		WithLogger(zap.New(core).Sugar()))
	f.activate(t)

	events := logs.FilterMessage("update event").All()
	require.Len(t, events, 1)
	assert.Equal(t, map[string]interface{}{
		logger.FieldEvent:   string(UpdateOfflineReady),
		logger.FieldVersion: "v1",
	}, events[0].ContextMap())

	var states []interface{}
	for _, e := range logs.FilterMessage("worker state").All() {
		states = append(states, e.ContextMap()[logger.FieldState])
	}
	assert.Equal(t, []interface{}{"installing", "installed", "activating", "activated"}, states)
}
