package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{Enabled: true, Address: "http://localhost:8080"},
		},
		{
			name: "disabled skips validation",
			cfg:  Config{Address: "::bad"},
		},
		{
			name:    "missing address",
			cfg:     Config{Enabled: true},
			wantErr: "address is required",
		},
		{
			name:    "non-http scheme",
			cfg:     Config{Enabled: true, Address: "tcp://localhost:8080"},
			wantErr: "must be http or https",
		},
		{
			name:    "bad trace address",
			cfg:     Config{Enabled: true, Address: "http://a:1", TraceAddress: "https://"},
			wantErr: "trace_address: missing host",
		},
		{
			name:    "invalid compression",
			cfg:     Config{Enabled: true, Address: "http://a:1", Compression: "lz4"},
			wantErr: "invalid compression type: lz4",
		},
		{
			name:    "batch larger than queue",
			cfg:     Config{Enabled: true, Address: "http://a:1", BatchSize: 1000, MaxQueueSize: 100},
			wantErr: "cannot be greater than max_queue_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Address: "http://collector:8080", BatchSize: 64}
	cfg.ApplyDefaults()

	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 51200, cfg.MaxQueueSize)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, CompressionGzip, cfg.Compression)
	assert.Equal(t, "http://collector:8080", cfg.TraceAddress)
	assert.True(t, cfg.IsKeepAlive())

	off := false
	cfg.KeepAlive = &off
	assert.False(t, cfg.IsKeepAlive())
}

func TestConfig_ForTraces(t *testing.T) {
	cfg := Config{Address: "http://collector:8080/samples"}
	assert.Equal(t, cfg.Address, cfg.ForTraces().Address)

	cfg.TraceAddress = "http://collector:8080/traces"
	assert.Equal(t, "http://collector:8080/traces", cfg.ForTraces().Address)
	assert.Equal(t, "http://collector:8080/samples", cfg.Address)
}
