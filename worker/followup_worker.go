package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"mailfollow/delivery"
	"mailfollow/store"
	"mailfollow/utils"
)

const maxReportedErrors = 10

// Stats summarizes one scheduler iteration.
type Stats struct {
	StartedAt    time.Time `json:"started_at"`
	Duration     string    `json:"duration"`
	TotalPending int64     `json:"total_pending"`
	Processed    int       `json:"processed"`
	Sent         int       `json:"sent"`
	// Failed counts every unsuccessful delivery, terminal or retried.
	Failed  int      `json:"failed"`
	Retried int      `json:"retried"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

func (s *Stats) addError(msg string) {
	if len(s.Errors) < maxReportedErrors {
		s.Errors = append(s.Errors, msg)
	}
}

// StatsPublisher receives the stats of every iteration.
type StatsPublisher interface {
	Publish(stats Stats)
}

// Deliverer sends one job; *delivery.Engine implements it.
type Deliverer interface {
	Deliver(ctx context.Context, jobID uint) (delivery.Result, error)
}

// FollowUpWorker scans for due follow-ups and delivers them one at a time.
type FollowUpWorker struct {
	Store     store.FollowUpStore
	Engine    Deliverer
	Interval  time.Duration
	BatchSize int
	Publisher StatsPublisher
	Now       func() time.Time
	Logger    *logrus.Entry

	mu   sync.RWMutex
	last *Stats
}

func NewFollowUpWorker(s store.FollowUpStore, engine Deliverer, interval time.Duration, batchSize int) *FollowUpWorker {
	return &FollowUpWorker{
		Store:     s,
		Engine:    engine,
		Interval:  interval,
		BatchSize: batchSize,
		Logger:    utils.NewLogger("followup-worker"),
	}
}

func (w *FollowUpWorker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *FollowUpWorker) log() *logrus.Entry {
	if w.Logger != nil {
		return w.Logger
	}
	return utils.NewLogger("followup-worker")
}

// RunOnce delivers up to BatchSize due jobs, oldest first. A failing job
// never aborts the batch.
func (w *FollowUpWorker) RunOnce(ctx context.Context) Stats {
	started := w.now()
	stats := Stats{StartedAt: started, Errors: []string{}}

	total, err := w.Store.CountDueFollowUps(ctx, started)
	if err != nil {
		w.log().WithError(err).Error("Failed to count due follow-ups")
		stats.addError(err.Error())
	}
	stats.TotalPending = total

	jobs, err := w.Store.ListDueFollowUps(ctx, started, w.BatchSize)
	if err != nil {
		w.log().WithError(err).Error("Failed to load due follow-ups")
		stats.addError(err.Error())
		return w.finish(stats)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		stats.Processed++

		res, err := w.Engine.Deliver(ctx, job.ID)
		if err != nil {
			stats.Failed++
			stats.addError(fmt.Sprintf("Job %d: %v", job.ID, err))
			utils.LogError("followup_delivery_error", err, map[string]interface{}{"job_id": job.ID})
			continue
		}

		switch res.Outcome {
		case delivery.OutcomeSent:
			stats.Sent++
		case delivery.OutcomeRetryScheduled:
			stats.Failed++
			stats.Retried++
			stats.addError(fmt.Sprintf("Job %d: %v", job.ID, res.Err))
		case delivery.OutcomeFailed:
			stats.Failed++
			stats.addError(fmt.Sprintf("Job %d: %v", job.ID, res.Err))
		case delivery.OutcomeSkipped:
			stats.Skipped++
		}
	}

	return w.finish(stats)
}

func (w *FollowUpWorker) finish(stats Stats) Stats {
	stats.Duration = utils.FormatDuration(w.now().Sub(stats.StartedAt))

	w.log().WithFields(logrus.Fields{
		"total_pending": stats.TotalPending,
		"processed":     stats.Processed,
		"sent":          stats.Sent,
		"failed":        stats.Failed,
		"retried":       stats.Retried,
		"skipped":       stats.Skipped,
		"duration":      stats.Duration,
	}).Info("Follow-up iteration complete")

	w.mu.Lock()
	w.last = &stats
	w.mu.Unlock()

	if w.Publisher != nil {
		w.Publisher.Publish(stats)
	}
	return stats
}

// LastStats returns the most recent iteration's stats, or nil before the first run.
func (w *FollowUpWorker) LastStats() *Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return nil
	}
	s := *w.last
	return &s
}

// Start runs an iteration immediately and then every Interval until ctx is done.
func (w *FollowUpWorker) Start(ctx context.Context) {
	w.log().WithFields(logrus.Fields{
		"interval":   w.Interval,
		"batch_size": w.BatchSize,
	}).Info("Follow-up worker started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log().Info("Follow-up worker shutting down...")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}
