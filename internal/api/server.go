// Package api exposes the daemon over a local HTTP REST API plus an
// SSE event stream. Handlers are thin: every read and mutation goes
// through an actor handle.
package api

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/coolerd/internal/actor"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

const (
	gracefulShutdownTimeout = 10 * time.Second

	readHeaderTimeout = 5 * time.Second
)

// Deps holds the actor handles the server exposes.
type Deps struct {
	Address  string
	Status   actor.StatusHandle
	Devices  actor.DeviceHandle
	Profiles actor.ProfileHandle
	Modes    actor.ModeHandle
	Auth     actor.AuthHandle
	Detect   actor.DetectHandle
}

type Server struct {
	addr     string
	status   actor.StatusHandle
	devices  actor.DeviceHandle
	profiles actor.ProfileHandle
	modes    actor.ModeHandle
	auth     actor.AuthHandle
	detect   actor.DetectHandle
	server   *http.Server
}

func New(deps Deps) (*Server, error) {
	if deps.Address == "" {
		return nil, errors.New().
			WithMessage(errors.ErrInvalidConfig, "api listen address must not be empty")
	}

	s := &Server{
		addr:     deps.Address,
		status:   deps.Status,
		devices:  deps.Devices,
		profiles: deps.Profiles,
		modes:    deps.Modes,
		auth:     deps.Auth,
		detect:   deps.Detect,
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// Start runs the listener in the background. Listen errors other than
// a clean close are logged, not fatal: the control loop keeps running
// without the API.
func (s *Server) Start() {
	go func() {
		logger.Info().Str("address", s.addr).Msg("API server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}()
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	logger.Info().Msg("API server closed gracefully")

	return nil
}
