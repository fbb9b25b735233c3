// Package lifecycle resumes driving detection after the daemon restarts.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg/detection"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
)

// Controller is the part of the engine the supervisor drives
type Controller interface {
	Start(ctx context.Context) error
	Shutdown()
	IsActive() bool
}

// FlagReader reads the persisted activation flag
type FlagReader interface {
	IsActive() (bool, error)
}

// Supervisor reads the activation flag at boot and restarts detection when
// it is set. While permission is missing it keeps retrying, as long as the
// flag stays set.
type Supervisor struct {
	controller    Controller
	flag          FlagReader
	logger        *logx.Logger
	retryInterval time.Duration
}

// NewSupervisor creates a supervisor; retryInterval <= 0 disables retries
func NewSupervisor(controller Controller, flag FlagReader, retryInterval time.Duration, logger *logx.Logger) *Supervisor {
	return &Supervisor{
		controller:    controller,
		flag:          flag,
		logger:        logger,
		retryInterval: retryInterval,
	}
}

// Resume starts detection once if the flag is set. It reports whether
// detection is running afterwards.
func (s *Supervisor) Resume(ctx context.Context) (bool, error) {
	enabled, err := s.flag.IsActive()
	if err != nil {
		s.logger.Error("Failed to read activation flag", "error", err)
		return false, err
	}
	if !enabled {
		s.logger.Info("Driving detection not enabled, staying idle")
		return false, nil
	}

	if err := s.controller.Start(ctx); err != nil {
		s.logger.Warn("Failed to resume driving detection", "error", err)
		return false, err
	}

	s.logger.Info("Driving detection resumed after restart")
	return true, nil
}

// Run resumes detection, then blocks until ctx is done and shuts the
// engine down without clearing the flag
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.controller.Shutdown()

	running, err := s.Resume(ctx)
	if !running && errors.Is(err, detection.ErrPermissionDenied) && s.retryInterval > 0 {
		s.retry(ctx)
	}

	<-ctx.Done()
	s.logger.Info("Supervisor stopping")
	return nil
}

func (s *Supervisor) retry(ctx context.Context) {
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.controller.IsActive() {
				return
			}
			running, err := s.Resume(ctx)
			if running || !errors.Is(err, detection.ErrPermissionDenied) {
				return
			}
		}
	}
}
