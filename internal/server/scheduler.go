package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/saeed-khosravi/fabula/internal/engine"
)

const reembedLockKey = "fabula:reembed:lock"

// Scheduler runs the re-embed worker on a cron cadence. A redis lock keeps
// multiple replicas from draining the stream concurrently.
type Scheduler struct {
	Worker *engine.ReembedWorker
	Rdb    *redis.Client
	Spec   string
	Stop   chan struct{}

	logger *log.Logger
	last   time.Time
}

func (s *Scheduler) Start() {
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	s.last = time.Now()
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) Shutdown() {
	close(s.Stop)
}

func (s *Scheduler) tick() {
	if !s.due(time.Now()) {
		return
	}
	s.last = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, reembedLockKey, "1", 2*time.Minute).Result()
		if err != nil || !ok {
			return
		}
		defer s.Rdb.Del(ctx, reembedLockKey)
	}

	n, err := s.Worker.RunOnce(ctx)
	if err != nil {
		s.logger.Printf("warn: reembed pass: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("backfilled %d embeddings", n)
	}
}

// due reports whether the cron spec has fired since the last pass.
func (s *Scheduler) due(now time.Time) bool {
	expr, err := cronexpr.Parse(s.Spec)
	if err != nil {
		s.logger.Printf("warn: bad reembed schedule %q: %v", s.Spec, err)
		return false
	}
	next := expr.Next(s.last)
	if next.IsZero() {
		return false
	}
	return !next.After(now)
}
