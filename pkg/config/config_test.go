package config

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valid() *Config {
	c := Default()
	c.AccountURL = "https://account.example.com/sipdevices"
	c.WebhookURL = "https://hooks.example.com/door"
	return c
}

func TestNewConfigDefaults(t *testing.T) {
	c, err := NewConfig("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, 5060, c.Port)
	assert.Equal(t, uint32(60), c.Expires)
	assert.Equal(t, 30*time.Second, c.RecoveryDelay)
	assert.Equal(t, 30*time.Second, c.RetryInterval)
}

func TestNewConfigYAML(t *testing.T) {
	c, err := NewConfig(`
account_url: https://account.example.com/door
webhook_url: https://hooks.example.com/door
debug: true
port: 5070
expires: 300
busy_delay: 2s
recovery_delay: 45s
accept_notify: true
dns: 8.8.8.8
retry_interval: 20s
`)
	require.NoError(t, err)
	assert.True(t, c.Debug)
	assert.Equal(t, 5070, c.Port)
	assert.Equal(t, uint32(300), c.Expires)
	assert.Equal(t, 2*time.Second, c.BusyDelay)
	assert.Equal(t, 45*time.Second, c.RecoveryDelay)
	assert.True(t, c.AcceptNotify)
	assert.Equal(t, "8.8.8.8", c.DNS)
	assert.Equal(t, 20*time.Second, c.RetryInterval)
	assert.Equal(t, DefaultTryingDelay, c.TryingDelay)
	assert.NoError(t, c.Validate())
}

func TestNewConfigBadYAML(t *testing.T) {
	_, err := NewConfig("port: [")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, valid().Validate())

	c := valid()
	c.AccountURL = ""
	assert.Equal(t, ErrNoAccountURL, c.Validate())

	c = valid()
	c.WebhookURL = ""
	assert.Equal(t, ErrNoWebhookURL, c.Validate())

	for name, mutate := range map[string]func(c *Config){
		"port":            func(c *Config) { c.Port = 70000 },
		"port zero":       func(c *Config) { c.Port = 0 },
		"port negative":   func(c *Config) { c.Port = -1 },
		"retry interval":  func(c *Config) { c.RetryInterval = 0 },
		"registrar port":  func(c *Config) { c.RegistrarPort = 0 },
		"expires":         func(c *Config) { c.Expires = 0 },
		"recovery short":  func(c *Config) { c.RecoveryDelay = time.Second },
		"recovery long":   func(c *Config) { c.RecoveryDelay = 2 * time.Minute },
		"busy before 100": func(c *Config) { c.BusyDelay = 10 * time.Millisecond },
	} {
		c := valid()
		mutate(c)
		assert.True(t, errors.Is(c.Validate(), ErrInvalid), name)
	}
}
