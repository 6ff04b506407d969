package compaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/sketchsync/internal/db"
)

type Config struct {
	Interval        time.Duration
	EventThreshold  int
	SessionsPerPass int
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		EventThreshold:  500,
		SessionsPerPass: 1000,
	}
}

// Store is the subset of the database the compactor needs.
type Store interface {
	ListSessions(ctx context.Context, limit, offset int) ([]db.Session, error)
	EventCount(ctx context.Context, sessionID string) (int, error)
	Compact(ctx context.Context, sessionID string) (int, error)
}

type Service struct {
	store  Store
	config Config
	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store Store, config Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		config: config,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("🗜️ compaction service started",
		"interval", s.config.Interval, "threshold", s.config.EventThreshold)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("🗜️ compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllSessions()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllSessions()
		}
	}
}

func (s *Service) compactAllSessions() int {
	ctx := context.Background()

	sessions, err := s.store.ListSessions(ctx, s.config.SessionsPerPass, 0)
	if err != nil {
		s.logger.Error("compaction: failed to list sessions", "error", err)
		return 0
	}

	compacted := 0
	for _, session := range sessions {
		if !s.shouldCompact(ctx, session.ID) {
			continue
		}
		if _, err := s.CompactNow(ctx, session.ID); err != nil {
			s.logger.Error("compaction failed", "session", session.ID, "error", err)
			continue
		}
		compacted++
	}

	if compacted > 0 {
		s.logger.Info("🗜️ compacted sessions", "count", compacted)
	}
	return compacted
}

func (s *Service) shouldCompact(ctx context.Context, sessionID string) bool {
	count, err := s.store.EventCount(ctx, sessionID)
	if err != nil {
		return false
	}
	return count >= s.config.EventThreshold
}

// CompactNow folds the session's live rows into its snapshot regardless of
// the threshold.
func (s *Service) CompactNow(ctx context.Context, sessionID string) (int, error) {
	folded, err := s.store.Compact(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if folded > 0 {
		s.logger.Debug("compacted session", "session", sessionID, "events", folded)
	}
	return folded, nil
}
