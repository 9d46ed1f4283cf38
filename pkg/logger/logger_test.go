package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_LevelParsing(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("bogus").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("bogus").Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithCallID(WithUserID(context.Background(), "alice"), "call-1")
	cl.LogInfo(ctx, "placed call")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "call-1", fields["call_id"])
		assert.Equal(t, "alice", fields["user_id"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestUserIDFromContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	id, ok := UserIDFromContext(WithUserID(context.Background(), "bob"))
	assert.True(t, ok)
	assert.Equal(t, "bob", id)
}
