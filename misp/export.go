package misp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/misp-sync/connector/platform"
)

// ExportedAttribute is a staging record during export (§3, §4.6).
type ExportedAttribute struct {
	Artifact platform.Artifact
	Category string
	Type     string
	Comment  string
	// dedupKey is (category, type, value) per §4.6 step 3/§8 invariant 7;
	// value is the inline data for text artifacts, or the attachment's
	// name for file artifacts.
	dedupKey    string
	originalIdx int
}

// ExportPipeline is the case→event export reconciliation engine (§4.6).
type ExportPipeline struct {
	registry  *InstanceRegistry
	alerts    platform.AlertStore
	artifacts platform.ArtifactStore
	log       *logrus.Entry
}

// NewExportPipeline builds the export engine.
func NewExportPipeline(registry *InstanceRegistry, alerts platform.AlertStore, artifacts platform.ArtifactStore, log *logrus.Entry) *ExportPipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ExportPipeline{registry: registry, alerts: alerts, artifacts: artifacts, log: log}
}

// Export implements §4.6's export(instance, case). ConfigError here is
// fatal to the call (§7: "ConfigError on export is fatal to that call").
func (p *ExportPipeline) Export(ctx context.Context, instanceName string, caze *platform.Case) (*platform.Alert, error) {
	inst, err := p.registry.Get(instanceName)
	if err != nil {
		return nil, err
	}
	log := p.log.WithFields(logrus.Fields{"instance": inst.Name, "case": caze.ID})
	client := NewClient(inst, log)

	preExistingEventID, err := p.findPreExistingEventID(ctx, inst.Name, caze.ID)
	if err != nil {
		return nil, err
	}

	candidates, err := p.buildCandidates(ctx, caze)
	if err != nil {
		return nil, err
	}
	deduped := deduplicate(candidates)

	var eventID string
	alreadyExported := map[string]bool{}
	if preExistingEventID == "" {
		eventID, alreadyExported, err = p.createEvent(ctx, client, caze, deduped)
		if err != nil {
			return nil, err
		}
	} else {
		eventID = preExistingEventID
		alreadyExported, err = p.fetchAlreadyExported(ctx, client, eventID)
		if err != nil {
			return nil, err
		}
	}

	for _, ea := range deduped {
		if alreadyExported[ea.dedupKey] {
			continue
		}
		if err := p.upload(ctx, client, eventID, ea); err != nil {
			log.WithError(err).Warn("attribute export failed")
		}
	}

	return p.reconcileAlert(ctx, inst, caze, eventID, deduped)
}

// findPreExistingEventID implements §4.6 step 1: "Check whether an alert
// already associates this case to the instance
// (type=misp ∧ case=caze.id ∧ source=instance.name)".
func (p *ExportPipeline) findPreExistingEventID(ctx context.Context, instanceName, caseID string) (string, error) {
	ch, err := p.alerts.Find(ctx, platform.Query{"type": "misp", "source": instanceName, "case": caseID}, platform.Paging{})
	if err != nil {
		return "", &PersistenceError{Op: "AlertStore.Find", Err: err}
	}
	for a := range ch {
		return a.SourceRef, nil
	}
	return "", nil
}

// buildCandidates enumerates case artifacts and builds one ExportedAttribute
// each via TaxonomyMap (§4.6 step 2). Mixed data/attachment artifacts are
// an invariant violation.
func (p *ExportPipeline) buildCandidates(ctx context.Context, caze *platform.Case) ([]ExportedAttribute, error) {
	ch, err := p.artifacts.Find(ctx, platform.Query{"case": caze.ID}, platform.Paging{})
	if err != nil {
		return nil, &PersistenceError{Op: "ArtifactStore.Find", Err: err}
	}

	var out []ExportedAttribute
	idx := 0
	for a := range ch {
		hasData := a.Data != nil
		hasAttachment := a.Attachment != nil
		if hasData == hasAttachment {
			return nil, &ConfigError{Instance: "export", Reason: fmt.Sprintf("artifact %s must carry exactly one of data or attachment", a.DataType)}
		}

		ea := ExportedAttribute{Artifact: a, originalIdx: idx, Comment: a.Message}
		if hasData {
			ea.Category, ea.Type = ToMispCategoryType(a.DataType, *a.Data)
			ea.dedupKey = fmt.Sprintf("%s\x00%s\x00%s", ea.Category, ea.Type, *a.Data)
		} else {
			ea.Category, ea.Type = ToMispCategoryType(a.DataType, a.Attachment.Name)
			ea.dedupKey = fmt.Sprintf("%s\x00%s\x00%s", ea.Category, ea.Type, a.Attachment.Name)
		}
		out = append(out, ea)
		idx++
	}
	return out, nil
}

// deduplicate implements §4.6 step 3 and §9's resolved open question:
// "keep the last occurrence of each triple" — i.e. the highest original
// index wins, order of first appearance in the result is preserved for
// event-creation ordering.
func deduplicate(candidates []ExportedAttribute) []ExportedAttribute {
	bestByKey := make(map[string]ExportedAttribute, len(candidates))
	order := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if existing, ok := bestByKey[c.dedupKey]; !ok {
			bestByKey[c.dedupKey] = c
			order = append(order, c.dedupKey)
		} else if c.originalIdx >= existing.originalIdx {
			bestByKey[c.dedupKey] = c
		}
	}
	out := make([]ExportedAttribute, 0, len(order))
	for _, key := range order {
		out = append(out, bestByKey[key])
	}
	return out
}

// createEvent implements §4.6 step 4's "absent" branch.
func (p *ExportPipeline) createEvent(ctx context.Context, client *Client, caze *platform.Case, deduped []ExportedAttribute) (string, map[string]bool, error) {
	var inlineAttrs []map[string]interface{}
	var inlineOrder []ExportedAttribute
	for _, ea := range deduped {
		if ea.Artifact.Data == nil {
			continue
		}
		inlineAttrs = append(inlineAttrs, map[string]interface{}{
			"category": ea.Category,
			"type":     ea.Type,
			"value":    *ea.Artifact.Data,
			"comment":  ea.Comment,
		})
		inlineOrder = append(inlineOrder, ea)
	}

	payload := map[string]interface{}{
		"Event": map[string]interface{}{
			"distribution":    0,
			"threat_level_id": caze.Severity,
			"analysis":        0,
			"info":            caze.Title,
			"date":            caze.StartDate.Format("06-01-02"),
			"published":       false,
			"Attribute":       inlineAttrs,
		},
	}

	eventID, rejected, err := client.CreateEvent(ctx, payload)
	if err != nil {
		return "", nil, err
	}

	alreadyExported := map[string]bool{}
	for i, ea := range inlineOrder {
		if _, isRejected := rejected[i]; isRejected {
			continue
		}
		alreadyExported[ea.dedupKey] = true
	}
	return eventID, alreadyExported, nil
}

// fetchAlreadyExported implements §4.6 step 4's "present" branch. Each
// attribute already on the remote event is keyed by its (category, type,
// value) triple, the same key buildCandidates gives a candidate, so a
// candidate counts as already exported only when a remote attribute matches
// it on all three; a remote attribute with the same value under a different
// category or type does not count.
func (p *ExportPipeline) fetchAlreadyExported(ctx context.Context, client *Client, eventID string) (map[string]bool, error) {
	attrs, err := client.GetAttributes(ctx, eventID, nil)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, a := range attrs {
		category := a.Category
		out[fmt.Sprintf("%s\x00%s\x00%s", category, a.Type, a.Value)] = true
	}
	return out, nil
}

// upload implements §4.6 step 5.
func (p *ExportPipeline) upload(ctx context.Context, client *Client, eventID string, ea ExportedAttribute) error {
	if ea.Artifact.Attachment != nil {
		return p.uploadFile(ctx, client, eventID, ea)
	}
	attr := map[string]interface{}{
		"category": ea.Category,
		"type":     ea.Type,
		"value":    *ea.Artifact.Data,
		"comment":  ea.Comment,
	}
	if err := client.AddAttribute(ctx, eventID, attr); err != nil {
		return exportErrorFrom(client, ea, err)
	}
	return nil
}

func (p *ExportPipeline) uploadFile(ctx context.Context, client *Client, eventID string, ea ExportedAttribute) error {
	f, err := os.Open(ea.Artifact.Attachment.Path)
	if err != nil {
		return &ExportError{Instance: client.instance.Name, DataType: ea.Artifact.DataType, Message: err.Error()}
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return &ExportError{Instance: client.instance.Name, DataType: ea.Artifact.DataType, Message: err.Error()}
	}

	var numericEventID int
	fmt.Sscanf(eventID, "%d", &numericEventID)
	if err := client.UploadSample(ctx, numericEventID, ea.Comment, ea.Artifact.Attachment.Name, data); err != nil {
		return exportErrorFrom(client, ea, err)
	}
	return nil
}

// exportErrorFrom assembles the best-effort message §4.6 step 5 describes:
// "<message> <error>" if both present, else either alone, else a fallback
// including status and body.
func exportErrorFrom(client *Client, ea ExportedAttribute, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		var body struct{ Message, Error string }
		_ = json.Unmarshal([]byte(fe.Body), &body)
		msg := strings.TrimSpace(body.Message + " " + body.Error)
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d: %s", fe.StatusCode, fe.Body)
		}
		return &ExportError{Instance: client.instance.Name, DataType: ea.Artifact.DataType, Message: msg}
	}
	return &ExportError{Instance: client.instance.Name, DataType: ea.Artifact.DataType, Message: err.Error()}
}

// reconcileAlert implements §4.6 step 6.
func (p *ExportPipeline) reconcileAlert(ctx context.Context, inst InstanceConfig, caze *platform.Case, eventID string, deduped []ExportedAttribute) (*platform.Alert, error) {
	artifacts := make([]platform.Artifact, 0, len(deduped))
	for _, ea := range deduped {
		artifacts = append(artifacts, ea.Artifact)
	}

	zero := time.Unix(0, 0).UTC()
	existing, err := p.alerts.Get(ctx, "misp", inst.Name, eventID)
	if err != nil {
		return nil, &PersistenceError{Op: "AlertStore.Get", Err: err}
	}
	follow := false
	if existing == nil {
		created, err := p.alerts.Create(ctx, platform.AlertFields{
			Type:         "misp",
			Source:       inst.Name,
			SourceRef:    eventID,
			LastSyncDate: &zero,
			Status:       platform.AlertStatusImported,
			Follow:       &follow,
			CaseTemplate: inst.CaseTemplate,
			Artifacts:    artifacts,
			Title:        caze.Title,
		})
		if err != nil {
			return nil, &PersistenceError{Op: "AlertStore.Create", Err: err}
		}
		return created, nil
	}

	updated, err := p.alerts.Update(ctx, existing.ID, platform.AlertFields{
		Type:         "misp",
		Source:       inst.Name,
		SourceRef:    eventID,
		LastSyncDate: &zero,
		Status:       platform.AlertStatusImported,
		Follow:       &follow,
		Artifacts:    artifacts,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "AlertStore.Update", Err: err}
	}
	return updated, nil
}
