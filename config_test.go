package cqlmux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, VerifyConfig(config))
	assert.NotNil(t, config.Logger)
	assert.Equal(t, 1, config.MailboxBacklog)
}

func TestVerifyConfig(t *testing.T) {
	config := DefaultConfig()
	config.MailboxBacklog = 0
	assert.Error(t, VerifyConfig(config))

	config = DefaultConfig()
	config.HandshakeTimeout = -time.Second
	assert.Error(t, VerifyConfig(config))
}
