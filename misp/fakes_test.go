package misp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/misp-sync/connector/platform"
)

// fakeAlertStore is an in-memory platform.AlertStore for tests, grounded in
// the same "fake the collaborator, assert against state" style testify is
// used for across the pack.
type fakeAlertStore struct {
	mu     sync.Mutex
	alerts map[string]*platform.Alert
	seq    int
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{alerts: map[string]*platform.Alert{}}
}

func (s *fakeAlertStore) Get(ctx context.Context, typ, source, sourceRef string) (*platform.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Type == typ && a.Source == source && a.SourceRef == sourceRef {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeAlertStore) Find(ctx context.Context, q platform.Query, paging platform.Paging) (<-chan platform.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan platform.Alert, len(s.alerts))
	for _, a := range s.alerts {
		if q["type"] != nil && a.Type != q["type"] {
			continue
		}
		if q["source"] != nil && a.Source != q["source"] {
			continue
		}
		if q["case"] != nil && a.CaseID != q["case"] {
			continue
		}
		ch <- *a
	}
	close(ch)
	return ch, nil
}

func (s *fakeAlertStore) Stats(ctx context.Context, q platform.Query, aggs []platform.Aggregation) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *fakeAlertStore) Create(ctx context.Context, fields platform.AlertFields) (*platform.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	a := &platform.Alert{
		ID:           fmt.Sprintf("alert-%d", s.seq),
		Type:         fields.Type,
		Source:       fields.Source,
		SourceRef:    fields.SourceRef,
		Status:       fields.Status,
		CaseTemplate: fields.CaseTemplate,
		Artifacts:    fields.Artifacts,
		Title:        fields.Title,
		Tags:         fields.Tags,
		ThreatLevel:  fields.ThreatLevel,
	}
	if fields.LastSyncDate != nil {
		a.LastSyncDate = *fields.LastSyncDate
	}
	if fields.Follow != nil {
		a.Follow = *fields.Follow
	} else {
		a.Follow = true
	}
	s.alerts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (s *fakeAlertStore) Update(ctx context.Context, id string, fields platform.AlertFields) (*platform.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("no such alert %s", id)
	}
	if fields.LastSyncDate != nil {
		a.LastSyncDate = *fields.LastSyncDate
	}
	if fields.Status != "" {
		a.Status = fields.Status
	}
	if fields.Follow != nil {
		a.Follow = *fields.Follow
	}
	if fields.Artifacts != nil {
		a.Artifacts = fields.Artifacts
	}
	cp := *a
	return &cp, nil
}

// fakeCaseStore is an in-memory platform.CaseStore for tests.
type fakeCaseStore struct {
	mu    sync.Mutex
	cases map[string]*platform.Case
}

func newFakeCaseStore(cases ...*platform.Case) *fakeCaseStore {
	m := map[string]*platform.Case{}
	for _, c := range cases {
		m[c.ID] = c
	}
	return &fakeCaseStore{cases: m}
}

func (s *fakeCaseStore) Get(ctx context.Context, id string) (*platform.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("no such case %s", id)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCaseStore) Update(ctx context.Context, caze *platform.Case, fields platform.CaseFields) (*platform.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caze.ID]
	if !ok {
		return nil, fmt.Errorf("no such case %s", caze.ID)
	}
	return c, nil
}

// fakeArtifactStore is an in-memory platform.ArtifactStore for tests.
type fakeArtifactStore struct {
	byCase map[string][]platform.Artifact
}

func newFakeArtifactStore(byCase map[string][]platform.Artifact) *fakeArtifactStore {
	return &fakeArtifactStore{byCase: byCase}
}

func (s *fakeArtifactStore) Find(ctx context.Context, q platform.Query, paging platform.Paging) (<-chan platform.Artifact, error) {
	caseID, _ := q["case"].(string)
	arts := s.byCase[caseID]
	ch := make(chan platform.Artifact, len(arts))
	for _, a := range arts {
		ch <- a
	}
	close(ch)
	return ch, nil
}

func (s *fakeArtifactStore) Create(ctx context.Context, caze *platform.Case, artifacts []platform.Artifact) ([]platform.Artifact, error) {
	s.byCase[caze.ID] = append(s.byCase[caze.ID], artifacts...)
	return artifacts, nil
}

// fakeTempStore is a directory-backed platform.TempStore for tests.
type fakeTempStore struct {
	dir string
}

func newFakeTempStore(dir string) *fakeTempStore {
	return &fakeTempStore{dir: dir}
}

func (t *fakeTempStore) NewTemporaryFile(ctx context.Context, prefix, name string) (string, error) {
	return filepath.Join(t.dir, prefix+"-"+name), nil
}

func (t *fakeTempStore) ReleaseAll(ctx context.Context) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.Remove(filepath.Join(t.dir, e.Name()))
	}
}

// fakeReadinessGate is a platform.ReadinessGate stub for tests.
type fakeReadinessGate struct{ ready bool }

func (g fakeReadinessGate) Ready(ctx context.Context) bool { return g.ready }

// fakeEventBus is a synchronous, in-process platform.EventBus for tests.
type fakeEventBus struct {
	mu       sync.Mutex
	handlers map[string][]func(ctx context.Context, evt platform.Event)
}

func newFakeEventBus() *fakeEventBus {
	return &fakeEventBus{handlers: map[string][]func(ctx context.Context, evt platform.Event){}}
}

func (b *fakeEventBus) Subscribe(kind string, handler func(ctx context.Context, evt platform.Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
	return nil
}

func (b *fakeEventBus) Publish(ctx context.Context, evt platform.Event) {
	b.mu.Lock()
	handlers := append([]func(ctx context.Context, evt platform.Event){}, b.handlers[evt.Kind()]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, evt)
	}
}
