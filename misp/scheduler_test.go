package misp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/misp-sync/connector/misp"
)

func TestSchedulerTicksAndReleasesTempStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"response": []map[string]interface{}{}})
	}))
	t.Cleanup(srv.Close)

	inst := misp.NewInstanceConfig("demo", srv.URL, "key", "", nil, srv.Client())
	registry := misp.NewInstanceRegistry([]misp.InstanceConfig{inst})
	pipeline := misp.NewIngestionPipeline(registry, newFakeAlertStore(), newFakeCaseStore(), nil)

	dir := t.TempDir()
	temp := newFakeTempStore(dir)
	readiness := fakeReadinessGate{ready: true}

	sched := misp.NewScheduler(pipeline, 20*time.Millisecond, readiness, temp, nil)
	sched.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	sched.Stop()

	// Stop must return promptly once called; a second call is a no-op and
	// must not hang or panic.
	sched.Stop()
}

func TestSchedulerSkipsTickWhenNotReady(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"response": []map[string]interface{}{}})
	}))
	t.Cleanup(srv.Close)

	inst := misp.NewInstanceConfig("demo", srv.URL, "key", "", nil, srv.Client())
	registry := misp.NewInstanceRegistry([]misp.InstanceConfig{inst})
	pipeline := misp.NewIngestionPipeline(registry, newFakeAlertStore(), newFakeCaseStore(), nil)

	sched := misp.NewScheduler(pipeline, 15*time.Millisecond, fakeReadinessGate{ready: false}, nil, nil)
	sched.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	sched.Stop()

	require.False(t, hit, "a not-ready platform must never receive a synchronization request")
}
