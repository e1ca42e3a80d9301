// Package sched runs background corpus maintenance: periodic snapshot
// flushes and, when configured, scheduled salt rotations.
package sched

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/nightjarhq/nightjar/internal/config"
	"github.com/nightjarhq/nightjar/internal/corpus"
)

type Service struct {
	store      *corpus.Store
	manager    *corpus.RotationManager
	flushEvery time.Duration
	rotateSpec string

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
	stopCh chan struct{}

	// OnRotate observes the new salt after a scheduled rotation succeeds.
	// The CLI uses it to persist the salt; without persistence a restart
	// would come back up under the previous epoch.
	OnRotate func(newSalt, archivePath string)
}

// New builds the maintenance service. An empty flush interval disables the
// flush loop; an empty rotation expression disables scheduled rotation.
// Rotation expressions use six fields, seconds first.
func New(store *corpus.Store, manager *corpus.RotationManager, cfg config.MaintenanceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("new sched service: nil store")
	}

	var flushEvery time.Duration
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("parse flush interval: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("flush interval must be positive, got %s", d)
		}
		flushEvery = d
	}

	if cfg.RotateCron != "" && manager == nil {
		return nil, fmt.Errorf("new sched service: rotation scheduled but no rotation manager")
	}

	return &Service{
		store:      store,
		manager:    manager,
		flushEvery: flushEvery,
		rotateSpec: cfg.RotateCron,
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.stopCh = stopCh
	s.mu.Unlock()

	if s.rotateSpec != "" {
		s.cron = rcron.New(rcron.WithSeconds())
		if _, err := s.cron.AddFunc(s.rotateSpec, s.rotateNow); err != nil {
			cancel()
			return fmt.Errorf("register rotation schedule %q: %w", s.rotateSpec, err)
		}
		s.cron.Start()
		log.Printf("[sched] rotation scheduled: %s", s.rotateSpec)
	}

	if s.flushEvery > 0 {
		go s.flushLoop(runCtx)
		log.Printf("[sched] flushing snapshot every %s", s.flushEvery)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.store.Flush(); err != nil {
				log.Printf("[sched] flush failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// rotateNow generates a fresh salt and rotates through the manager. Failed
// rotations leave the current epoch running and are retried at the next
// scheduled fire.
func (s *Service) rotateNow() {
	salt, err := RandomSalt()
	if err != nil {
		log.Printf("[sched] scheduled rotation: %v", err)
		return
	}

	archivePath, err := s.manager.Rotate(salt)
	if err != nil {
		log.Printf("[sched] scheduled rotation failed: %v", err)
		return
	}
	log.Printf("[sched] scheduled rotation archived %s", archivePath)

	if s.OnRotate != nil {
		s.OnRotate(salt, archivePath)
	}
}

// Stop halts the schedules, waits briefly for a running job, and takes a
// final snapshot so nothing ingested since the last tick is lost.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil && stopCh == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[sched] stop timeout waiting for running job")
		}
	}

	if err := s.store.Flush(); err != nil {
		log.Printf("[sched] final flush failed: %v", err)
	}
	log.Printf("[sched] stopped")
}

// RandomSalt returns a fresh 256-bit salt as lowercase hex.
func RandomSalt() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
