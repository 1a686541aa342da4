package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"event-rpc/codec"
	"event-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	// A peer that stops reading must not hold up writes forever.
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventrpcd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: 0.0.0.0:9000
service: Calc
variant: per-method
codec: binary
debug: true
heartbeat: 10s
idle_timeout: 45s
rate_limit: {rate: 50, burst: 100}
etcd:
  endpoints: [127.0.0.1:2379]
  ttl: 15
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Address)
	assert.Equal(t, "tcp", cfg.Network)
	assert.Equal(t, "Calc", cfg.Service)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat)
	assert.Equal(t, 45*time.Second, cfg.IdleTimeout)
	assert.Equal(t, RateLimit{Rate: 50, Burst: 100}, cfg.RateLimit)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, int64(15), cfg.Etcd.TTL)
	assert.Equal(t, 5*time.Second, cfg.Etcd.DialTimeout)

	v, err := cfg.WireVariant()
	require.NoError(t, err)
	assert.Equal(t, message.PerMethod, v)
	ct, err := cfg.CodecType()
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeBinary, ct)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":    "adress: x",
		"bad variant":    "variant: smoke-signals",
		"bad codec":      "codec: gob",
		"burst missing":  "rate_limit: {rate: 5}",
		"idle too short": "heartbeat: 30s\nidle_timeout: 10s",
		"empty address":  "address: ''",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
