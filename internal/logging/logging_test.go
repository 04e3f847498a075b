package logging_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/logging"
)

func TestNewAppliesDefaults(t *testing.T) {
	logger, err := logging.New(logging.Config{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Sync()
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := logging.New(logging.Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewRejectsBadFormat(t *testing.T) {
	_, err := logging.New(logging.Config{Format: "xml"})
	assert.Error(t, err)
}

func TestNewWithConstantFields(t *testing.T) {
	logger, err := logging.New(logging.Config{
		Format: "console",
		Fields: map[string]string{"service": "memoryd"},
	})
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, logging.ContextFields(ctx))

	ctx = logging.WithRequestID(ctx, "req-1")
	ctx = logging.WithUserID(ctx, "alice")

	assert.Equal(t, "req-1", logging.RequestIDFromContext(ctx))
	assert.Equal(t, "alice", logging.UserIDFromContext(ctx))

	fields := logging.ContextFields(ctx)
	assert.Contains(t, fields, zap.String("request.id", "req-1"))
	assert.Contains(t, fields, zap.String("user.id", "alice"))
}

func TestContextFieldsEmptyValues(t *testing.T) {
	assert.Equal(t, "", logging.RequestIDFromContext(context.Background()))
	assert.Equal(t, "", logging.UserIDFromContext(context.Background()))
}

func TestNamedAndWith(t *testing.T) {
	logger := logging.NewNop()
	child := logger.Named("child").With(zap.String("k", "v"))
	require.NotNil(t, child)
	// Nop loggers absorb everything without error.
	child.Debug(context.Background(), "msg")
	child.Info(context.Background(), "msg")
	child.Warn(context.Background(), "msg")
	child.Error(context.Background(), "msg")
}
