package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Timeouts bounds the read, write and idle phases of each HTTP connection.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// NewServer builds the http.Server for the operator API. Address and
// timeouts come from configuration; zero timeouts mean unbounded and are
// the caller's problem.
func NewServer(port string, handler http.Handler, t Timeouts, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  t.Read,
		WriteTimeout: t.Write,
		IdleTimeout:  t.Idle,
	}
	logger.Info("HTTP server configured",
		zap.String("address", port),
		zap.Duration("read_timeout", t.Read),
		zap.Duration("write_timeout", t.Write),
	)
	return srv
}
