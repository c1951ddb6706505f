package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapAdapterDebugForState(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := NewZapAdapter(zap.New(core))

	adapter.Log(Event{
		ConnectionID: "conn-1",
		Transport:    "tcp",
		Kind:         "Received",
		Category:     CategoryData,
		Size:         9,
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "tcp", fields["transport"])
	assert.Equal(t, "Received", fields["kind"])
	assert.Equal(t, "conn-1", fields["conn_id"])
	assert.EqualValues(t, 9, fields["size"])
}

func TestZapAdapterWarnForErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := NewZapAdapter(zap.New(core))

	adapter.Log(Event{Transport: "ws", Kind: "ServerError", Category: CategoryError, Message: "accept failed"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "accept failed", entries[0].ContextMap()["error"])
	_, hasConn := entries[0].ContextMap()["conn_id"]
	assert.False(t, hasConn)
}

func TestZapAdapterInterfaceSatisfaction(t *testing.T) {
	var _ Logger = (*ZapAdapter)(nil)
}
