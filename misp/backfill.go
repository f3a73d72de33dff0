package misp

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/misp-sync/connector/platform"
)

// backfillConcurrency bounds the worker's fan-out (§4.8: "Backfill runs
// with a concurrency limit of 5").
const backfillConcurrency = 5

// AlertBackfillWorker listens for UpdateMispAlertArtifact and re-populates
// alerts whose artifacts array is empty (§4.8).
type AlertBackfillWorker struct {
	alerts    platform.AlertStore
	refresher *ArtifactRefresher
	log       *logrus.Entry
}

// NewAlertBackfillWorker builds the worker.
func NewAlertBackfillWorker(alerts platform.AlertStore, refresher *ArtifactRefresher, log *logrus.Entry) *AlertBackfillWorker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AlertBackfillWorker{alerts: alerts, refresher: refresher, log: log}
}

// Subscribe registers the worker's handler on bus, to run whenever
// UpdateMispAlertArtifact is published (§9 design note: "a subscription
// callback on an event bus, executing its handler on a task runner with
// the platform auth context").
func (w *AlertBackfillWorker) Subscribe(bus platform.EventBus) error {
	return bus.Subscribe(platform.UpdateMispAlertArtifact{}.Kind(), func(ctx context.Context, _ platform.Event) {
		w.Run(ctx)
	})
}

// Run enumerates every misp alert and backfills those with empty
// artifacts, bounded to backfillConcurrency in flight (§4.8).
func (w *AlertBackfillWorker) Run(ctx context.Context) {
	ch, err := w.alerts.Find(ctx, platform.Query{"type": "misp"}, platform.Paging{})
	if err != nil {
		w.log.WithError(err).Error("failed to enumerate misp alerts for backfill")
		return
	}

	sem := semaphore.NewWeighted(backfillConcurrency)
	var wg sync.WaitGroup
	for alert := range ch {
		if len(alert.Artifacts) != 0 {
			continue
		}
		alert := alert
		if err := sem.Acquire(ctx, 1); err != nil {
			w.log.WithError(err).Warn("backfill aborted while acquiring concurrency slot")
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := w.refresher.Refresh(ctx, &alert); err != nil {
				w.log.WithField("alert", alert.ID).WithError(err).Warn("backfill refresh failed")
			}
		}()
	}
	wg.Wait()
}
