package misp

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/misp-sync/connector/platform"
)

// Scheduler runs IngestionPipeline.Synchronize on a periodic tick (§4.7).
// It mirrors the teacher's minimal-dependency style: a single
// time.Ticker-driven loop, no external scheduling library, since no repo
// in the retrieved pack wires a cron/scheduler dependency for anything
// comparable (see DESIGN.md).
type Scheduler struct {
	pipeline  *IngestionPipeline
	interval  time.Duration
	readiness platform.ReadinessGate
	temp      platform.TempStore
	log       *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler for pipeline, ticking every interval
// (default 1h, §6.1) once readiness is true.
func NewScheduler(pipeline *IngestionPipeline, interval time.Duration, readiness platform.ReadinessGate, temp platform.TempStore, log *logrus.Entry) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{pipeline: pipeline, interval: interval, readiness: readiness, temp: temp, log: log}
}

// Start launches the periodic tick loop. It returns immediately; call Stop
// to cancel it (§4.7's stop-hook: "cancels the task and returns
// promptly").
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				// The tick runs on ctx, not runCtx, so Stop does not
				// cancel the requests of a tick already in flight.
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the scheduler. In-flight ticks are allowed to complete
// (§5: "no hard preemption").
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.readiness != nil && !s.readiness.Ready(ctx) {
		s.log.Debug("platform not ready, skipping tick")
		return
	}
	s.log.Debug("starting synchronization tick")
	outcomes := s.pipeline.Synchronize(ctx)
	if s.temp != nil {
		s.temp.ReleaseAll(ctx)
	}
	for _, o := range outcomes {
		if o.Err != nil {
			s.log.WithField("instance", o.Instance).WithError(o.Err).Error("instance synchronization failed")
			continue
		}
		failures := 0
		for _, e := range o.Events {
			if e.Err != nil {
				failures++
			}
		}
		s.log.WithFields(logrus.Fields{"instance": o.Instance, "events": len(o.Events), "failures": failures}).Info("synchronization tick complete")
	}
}

// ArtifactRefresher re-fetches artifacts on demand, to re-hydrate alerts
// missing observables (§4.7: "a dedicated listener that re-fetches
// artifacts on demand").
type ArtifactRefresher struct {
	registry *InstanceRegistry
	alerts   platform.AlertStore
	log      *logrus.Entry
}

// NewArtifactRefresher builds a refresher.
func NewArtifactRefresher(registry *InstanceRegistry, alerts platform.AlertStore, log *logrus.Entry) *ArtifactRefresher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ArtifactRefresher{registry: registry, alerts: alerts, log: log}
}

// Refresh re-fetches attributes for one alert with no watermark (since
// absent) and overwrites its artifacts. AlertBackfillWorker (§4.8) is its
// only caller in this package.
func (r *ArtifactRefresher) Refresh(ctx context.Context, alert *platform.Alert) error {
	inst, err := r.registry.Get(alert.Source)
	if err != nil {
		return err
	}
	client := NewClient(inst, r.log)
	transformer := NewAttributeTransformer(inst)

	attrs, err := client.GetAttributes(ctx, alert.SourceRef, nil)
	if err != nil {
		return err
	}
	var descriptors []ArtifactDescriptor
	for _, attr := range attrs {
		if attr.Deleted {
			continue
		}
		descriptors = append(descriptors, transformer.Transform(attr, nil)...)
	}
	artifacts := make([]platform.Artifact, 0, len(descriptors))
	for _, d := range descriptors {
		artifacts = append(artifacts, d.ToPlatformArtifact())
	}

	_, err = r.alerts.Update(ctx, alert.ID, platform.AlertFields{
		Type:      alert.Type,
		Source:    alert.Source,
		SourceRef: alert.SourceRef,
		Artifacts: artifacts,
	})
	if err != nil {
		return &PersistenceError{Op: "AlertStore.Update", Err: err}
	}
	return nil
}
