package server

import (
	"log"
	"os"
	"testing"
	"time"
)

func TestSchedulerDue(t *testing.T) {
	s := &Scheduler{Spec: "*/5 * * * *", logger: log.New(os.Stderr, "", 0)}

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	s.last = base
	if s.due(base.Add(time.Minute)) {
		t.Fatalf("due before the next cron boundary")
	}
	if !s.due(base.Add(5 * time.Minute)) {
		t.Fatalf("not due after the cron boundary passed")
	}
}

func TestSchedulerDueBadSpec(t *testing.T) {
	s := &Scheduler{Spec: "not a cron", logger: log.New(os.Stderr, "", 0)}
	s.last = time.Now().Add(-time.Hour)
	if s.due(time.Now()) {
		t.Fatalf("bad cron spec reported due")
	}
}
