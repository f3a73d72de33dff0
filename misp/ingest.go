package misp

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/misp-sync/connector/platform"
)

// EventOutcome is the per-event result §4.5 requires ("reported as
// Success(alert) or Failure(err)").
type EventOutcome struct {
	Event MispEventSummary
	Alert *platform.Alert
	Err   error
}

// InstanceOutcome collects one instance's per-event outcomes (§4.5: "a
// single event's failure never aborts the instance's batch, and an
// instance-level failure never aborts other instances").
type InstanceOutcome struct {
	Instance string
	Events   []EventOutcome
	Err      error
}

// IngestionPipeline is the ingestion core (§4.5).
type IngestionPipeline struct {
	registry *InstanceRegistry
	alerts   platform.AlertStore
	cases    platform.CaseStore
	log      *logrus.Entry
}

// NewIngestionPipeline builds the ingestion core over registry, persisting
// through alerts/cases.
func NewIngestionPipeline(registry *InstanceRegistry, alerts platform.AlertStore, cases platform.CaseStore, log *logrus.Entry) *IngestionPipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &IngestionPipeline{registry: registry, alerts: alerts, cases: cases, log: log}
}

// Synchronize runs one non-full ingestion tick over every configured
// instance, in parallel, unordered (§4.5, §5).
func (p *IngestionPipeline) Synchronize(ctx context.Context) []InstanceOutcome {
	return p.run(ctx, false)
}

// FullSynchronize forces the watermark absent for every instance,
// disabling delta filtering (§4.5).
func (p *IngestionPipeline) FullSynchronize(ctx context.Context) []InstanceOutcome {
	return p.run(ctx, true)
}

func (p *IngestionPipeline) run(ctx context.Context, full bool) []InstanceOutcome {
	instances := p.registry.All()
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })

	outcomes := make([]InstanceOutcome, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			// Each instance's failures are captured into its own
			// InstanceOutcome rather than returned here, so one instance
			// never cancels the others (§5: "instance-level failures ...
			// never propagate up the stream").
			outcomes[i] = p.syncInstance(gctx, inst, full)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (p *IngestionPipeline) syncInstance(ctx context.Context, inst InstanceConfig, full bool) InstanceOutcome {
	log := p.log.WithField("instance", inst.Name)
	client := NewClient(inst, log)
	transformer := NewAttributeTransformer(inst)

	var watermark *int64
	if !full {
		w, err := p.watermark(ctx, inst.Name)
		if err != nil {
			log.WithError(err).Error("failed to compute watermark, dropping this tick's batch")
			return InstanceOutcome{Instance: inst.Name, Err: err}
		}
		watermark = w
	}

	sinceSec := int64(0)
	if watermark != nil {
		sinceSec = *watermark
	}
	summaries, err := client.GetIndexSince(ctx, sinceSec)
	if err != nil {
		log.WithError(err).Error("index fetch failed, instance batch dropped")
		return InstanceOutcome{Instance: inst.Name, Err: err}
	}

	outcomes := make([]EventOutcome, 0, len(summaries))
	for _, summary := range summaries {
		outcome := p.syncEvent(ctx, inst, client, transformer, summary, watermark, full)
		outcomes = append(outcomes, outcome)
	}
	return InstanceOutcome{Instance: inst.Name, Events: outcomes}
}

// watermark implements §4.5: "the maximum lastSyncDate across existing
// alerts with (type=misp, source=instance.name). If no alerts exist, the
// watermark is epoch zero." Represented here as seconds since epoch; nil
// keeps the "full sync" meaning of "absent".
func (p *IngestionPipeline) watermark(ctx context.Context, instanceName string) (*int64, error) {
	ch, err := p.alerts.Find(ctx, platform.Query{"type": "misp", "source": instanceName}, platform.Paging{})
	if err != nil {
		return nil, &PersistenceError{Op: "AlertStore.Find", Err: err}
	}
	var max int64
	for a := range ch {
		if sec := a.LastSyncDate.Unix(); sec > max {
			max = sec
		}
	}
	return &max, nil
}

func (p *IngestionPipeline) syncEvent(ctx context.Context, inst InstanceConfig, client *Client, transformer *AttributeTransformer, summary MispEventSummary, instanceWatermark *int64, full bool) EventOutcome {
	log := p.log.WithFields(logrus.Fields{"instance": inst.Name, "event": summary.SourceRef})

	existing, err := p.alerts.Get(ctx, "misp", inst.Name, summary.SourceRef)
	if err != nil {
		log.WithError(err).Error("alert lookup failed")
		return EventOutcome{Event: summary, Err: &PersistenceError{Op: "AlertStore.Get", Err: err}}
	}

	// §4.5 step 3: since is the alert's lastSyncDate if a watermark was in
	// use and the alert exists, else absent.
	var since *int64
	if instanceWatermark != nil && existing != nil {
		sec := existing.LastSyncDate.Unix()
		since = &sec
	}

	attrs, err := client.GetAttributes(ctx, summary.SourceRef, since)
	if err != nil {
		log.WithError(err).Error("attribute fetch failed")
		return EventOutcome{Event: summary, Err: err}
	}

	var descriptors []ArtifactDescriptor
	var latest int64
	for _, attr := range attrs {
		if attr.Deleted {
			continue
		}
		ds := transformer.Transform(attr, since)
		descriptors = append(descriptors, ds...)
		if t := attr.Date().Unix(); t > latest {
			latest = t
		}
	}
	newArtifacts := make([]platform.Artifact, 0, len(descriptors))
	for _, d := range descriptors {
		newArtifacts = append(newArtifacts, d.ToPlatformArtifact())
	}

	// §4.5 step 3 fetches only attributes newer than `since`; when that is
	// the alert's own watermark (a genuine delta, not a full resync) the
	// freshly computed artifacts are the *new* ones only, so the alert's
	// artifact array accumulates rather than losing what a prior tick
	// already recorded (S2: a second attribute on the same event yields
	// two artifacts total, not one).
	artifacts := newArtifacts
	if existing != nil && since != nil && !full {
		artifacts = append(append([]platform.Artifact{}, existing.Artifacts...), newArtifacts...)
	}

	alert, err := p.decideAndApply(ctx, inst, summary, existing, artifacts, newArtifacts, latest, full)
	if err != nil {
		log.WithError(err).Error("apply failed")
		return EventOutcome{Event: summary, Err: err}
	}
	return EventOutcome{Event: summary, Alert: alert}
}

// decideAndApply implements §4.5 step 4. artifacts is the alert's full,
// post-merge artifact array (what the alert is overwritten with); newArtifacts
// is just this tick's delta, which is all that gets appended to a promoted
// case (§4.5 step 4: "append the new artifacts to the case").
func (p *IngestionPipeline) decideAndApply(ctx context.Context, inst InstanceConfig, summary MispEventSummary, existing *platform.Alert, artifacts []platform.Artifact, newArtifacts []platform.Artifact, latest int64, full bool) (*platform.Alert, error) {
	// §8 invariant 1 (delta monotonicity): lastSyncDate never regresses.
	// latest is 0 when this tick fetched no new attributes for the event
	// (e.g. a no-op poll of an already-synced event); keep the prior
	// watermark instead of resetting it to the epoch.
	now := time.Unix(latest, 0).UTC()
	if existing != nil && now.Before(existing.LastSyncDate) {
		now = existing.LastSyncDate
	}

	if existing == nil {
		fields := platform.AlertFields{
			Type:         "misp",
			Source:       inst.Name,
			SourceRef:    summary.SourceRef,
			LastSyncDate: &now,
			Status:       platform.AlertStatusNew,
			CaseTemplate: inst.CaseTemplate,
			Artifacts:    artifacts,
			Title:        summary.Info,
			Tags:         summary.Tags,
			ThreatLevel:  summary.ThreatLevel,
		}
		created, err := p.alerts.Create(ctx, fields)
		if err != nil {
			return nil, &PersistenceError{Op: "AlertStore.Create", Err: err}
		}
		return created, nil
	}

	if !existing.Follow && !full {
		return existing, nil
	}

	status := existing.Status
	if full {
		// full-sync: leave status unchanged.
	} else if existing.Status != platform.AlertStatusNew {
		status = platform.AlertStatusUpdated
	}

	fields := platform.AlertFields{
		Type:         existing.Type,
		Source:       existing.Source,
		SourceRef:    existing.SourceRef,
		LastSyncDate: &now,
		Status:       status,
		CaseTemplate: existing.CaseTemplate,
		Artifacts:    artifacts,
	}
	updated, err := p.alerts.Update(ctx, existing.ID, fields)
	if err != nil {
		return nil, &PersistenceError{Op: "AlertStore.Update", Err: err}
	}

	if existing.CaseID != "" {
		caze, err := p.cases.Get(ctx, existing.CaseID)
		if err != nil {
			return nil, &PersistenceError{Op: "CaseStore.Get", Err: err}
		}
		caseFields := platform.CaseFields{ArtifactsToAppend: newArtifacts}
		if !full {
			s := string(status)
			caseFields.Status = &s
		}
		if _, err := p.cases.Update(ctx, caze, caseFields); err != nil {
			return nil, &PersistenceError{Op: "CaseStore.Update", Err: err}
		}
	}

	return updated, nil
}
