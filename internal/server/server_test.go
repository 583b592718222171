package server

import (
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewServerAppliesTimeouts(t *testing.T) {
	handler := http.NewServeMux()
	srv := NewServer(":8010", handler, Timeouts{
		Read:  5 * time.Second,
		Write: 10 * time.Second,
		Idle:  2 * time.Minute,
	}, zap.NewNop())

	if srv.Addr != ":8010" {
		t.Errorf("Addr = %q, want :8010", srv.Addr)
	}
	if srv.ReadTimeout != 5*time.Second {
		t.Errorf("ReadTimeout = %s", srv.ReadTimeout)
	}
	if srv.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %s", srv.WriteTimeout)
	}
	if srv.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %s", srv.IdleTimeout)
	}
}
