package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/config"
)

func TestNewControlServer_WriteTimeoutCoversShutdown(t *testing.T) {
	cfg := &config.Config{
		ShutdownTimeout: config.Duration(45 * time.Second),
		CallTimeout:     config.Duration(2 * time.Second),
	}
	cfg.HTTP.Addr = "127.0.0.1:0"

	srv := newControlServer(cfg, nil, zap.NewNop())
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.Greater(t, srv.WriteTimeout, cfg.ShutdownTimeout.Std())
}
