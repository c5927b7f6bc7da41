package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentmgr/internal/config"
)

func TestInitDisabledReturnsNilHandle(t *testing.T) {
	tel, err := Init(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	assert.Nil(t, tel)

	tel, err = Init(context.Background(), config.TelemetryConfig{Enabled: true})
	require.NoError(t, err)
	assert.Nil(t, tel, "enabled without endpoint stays off")
}

func TestNilHandleIsNoOp(t *testing.T) {
	var tel *Telemetry
	require.NoError(t, tel.Shutdown(context.Background()))

	ctx, finishTask := tel.TaskSpan(context.Background(), "code-review", "fan-out")
	assert.Equal(t, context.Background(), ctx)
	finishTask(true, 128, 0.5)

	ctx, finishDispatch := tel.DispatchSpan(context.Background(), "a1", "openai", "gpt-test")
	assert.Equal(t, context.Background(), ctx)
	finishDispatch(false, time.Now())
}
