package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		bind:        "0.0.0.0",
		port:        8080,
		turnSeconds: 30,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().validate())

	cfg := validConfig()
	cfg.port = 0
	assert.Error(t, cfg.validate())

	cfg = validConfig()
	cfg.port = 70000
	assert.Error(t, cfg.validate())

	cfg = validConfig()
	cfg.turnSeconds = 0
	assert.Error(t, cfg.validate())

	cfg = validConfig()
	cfg.tlsCert = "cert.pem"
	assert.Error(t, cfg.validate())

	cfg = validConfig()
	cfg.tlsCert = "cert.pem"
	cfg.tlsKey = "key.pem"
	require.NoError(t, cfg.validate())
	assert.Equal(t, "https", cfg.scheme())

	assert.Equal(t, "http", validConfig().scheme())
}

func TestCmdFlagDefaults(t *testing.T) {
	cfg := &Config{}
	cmd := newCmd(cfg)

	require.NoError(t, cmd.ParseFlags(nil))

	assert.Equal(t, "0.0.0.0", cfg.bind)
	assert.Equal(t, 8080, cfg.port)
	assert.Equal(t, 30, cfg.turnSeconds)
	assert.False(t, cfg.passKeepsTurn)
	assert.False(t, cfg.lateJoinRotation)
}

func TestCmdFlagOverrides(t *testing.T) {
	cfg := &Config{}
	cmd := newCmd(cfg)

	require.NoError(t, cmd.ParseFlags([]string{
		"--port", "9090",
		"--turn-seconds", "10",
		"--pass-keeps-turn",
		"--late-join-rotation",
	}))

	assert.Equal(t, 9090, cfg.port)
	assert.Equal(t, 10, cfg.turnSeconds)
	assert.True(t, cfg.passKeepsTurn)
	assert.True(t, cfg.lateJoinRotation)
}
