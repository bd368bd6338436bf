package storage

import (
	"testing"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenMemory(t *testing.T) {
	st, closeFn, err := Open(&config.Config{Storage: config.StorageConfig{Driver: "memory"}}, zap.NewNop())
	require.NoError(t, err)

	assert.IsType(t, &memory.Store{}, st)
	assert.NoError(t, closeFn())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, _, err := Open(&config.Config{Storage: config.StorageConfig{Driver: "cassandra"}}, zap.NewNop())

	assert.ErrorContains(t, err, "cassandra")
}
