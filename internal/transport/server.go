// Package transport owns the device-facing TCP surface: the listener devices
// keep a persistent connection to, the per-connection frame loop, and the
// short-lived dial fallback.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/protocol"
	"github.com/inkfleet/inkfleet-backend/internal/registry"
)

// MessageSink consumes parsed inbound device messages. The Device Data
// Handler implements it; the transport never mutates device state itself.
type MessageSink interface {
	HandleMessage(msg *protocol.DeviceMessage)
}

// Server accepts persistent device connections, registers their channels and
// pumps parsed messages into the sink.
type Server struct {
	addr         string
	registry     *registry.DeviceRegistry
	sink         MessageSink
	writeTimeout time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates the device listener. Start must be called to accept.
func NewServer(addr string, reg *registry.DeviceRegistry, sink MessageSink, writeTimeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		addr:         addr,
		registry:     reg,
		sink:         sink,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Start begins listening and accepting device connections until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("Device transport listening", zap.String("address", s.addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		ln.Close()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Stop closes the listener and waits for connection goroutines to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Addr returns the bound listener address, useful when the configured port
// is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn reads frames for the lifetime of one device connection. The
// first parseable message must be a registration; everything after flows to
// the sink. Malformed frames are dropped and logged, the connection stays
// open.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	reader := protocol.NewFrameReader(conn)
	channel := NewNetChannel(conn, s.writeTimeout)

	deviceID := ""
	defer func() {
		if deviceID != "" {
			// Only tear down the registry entry if this connection is still
			// the registered one; a reconnect may have replaced it.
			if s.registry.Channel(deviceID) == channel {
				s.registry.UnregisterChannel(deviceID)
			}
		}
		channel.Close()
	}()

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Device connection read failed",
					zap.String("remote_addr", remote),
					zap.String("device_id", deviceID),
					zap.Error(err))
			}
			return
		}

		payload, err := protocol.DecodeResponse(frame)
		if err != nil {
			s.logger.Warn("Dropping malformed frame",
				zap.String("remote_addr", remote),
				zap.Int("frame_len", len(frame)),
				zap.Error(err))
			continue
		}

		msg, err := protocol.ParseDeviceMessage(payload)
		if err != nil {
			s.logger.Warn("Dropping unparseable device message",
				zap.String("remote_addr", remote),
				zap.Error(err))
			continue
		}

		if msg.Kind == protocol.KindRegister {
			deviceID = msg.DeviceID
			s.registry.RegisterChannel(msg.DeviceID, msg.Text, remote, channel)
			continue
		}

		if deviceID == "" {
			// Traffic before registration: we know the device id from the
			// message itself, but without a hello we do not own a channel
			// for it. Still forward state updates.
			s.logger.Debug("Message from unregistered connection",
				zap.String("remote_addr", remote),
				zap.String("device_id", msg.DeviceID))
		}
		s.sink.HandleMessage(msg)
	}
}
