package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempIDs(t *testing.T) {
	id := NewTempID()
	assert.True(t, IsTempID(id))
	assert.False(t, IsTempID(NewID()))
	assert.NotEqual(t, id, NewTempID())
}

func TestNewLoggerLevel(t *testing.T) {
	log, err := NewLogger(false, "warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(-1))
	assert.True(t, log.Core().Enabled(1))

	_, err = NewLogger(true, "loud")
	assert.Error(t, err)
}
