package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"mailfollow/sequences"
	"mailfollow/utils"
)

// SequenceWorker runs the sequence advancer on a ticker.
type SequenceWorker struct {
	Advancer *sequences.Advancer
	Interval time.Duration
	Logger   *logrus.Entry
}

func NewSequenceWorker(advancer *sequences.Advancer, interval time.Duration) *SequenceWorker {
	return &SequenceWorker{
		Advancer: advancer,
		Interval: interval,
		Logger:   utils.NewLogger("sequence-worker"),
	}
}

func (sw *SequenceWorker) RunOnce(ctx context.Context) sequences.AdvanceStats {
	return sw.Advancer.Advance(ctx)
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	sw.Logger.WithField("interval", sw.Interval).Info("Sequence worker started")
	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	sw.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			sw.Logger.Info("Sequence worker shutting down...")
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}
