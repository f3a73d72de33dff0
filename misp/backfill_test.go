package misp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/misp-sync/connector/misp"
	"github.com/misp-sync/connector/platform"
)

func TestAlertBackfillWorkerRepopulatesEmptyArtifacts(t *testing.T) {
	// §8 scenario S6.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"response": map[string]interface{}{"Attribute": []map[string]interface{}{
			{"id": "1", "type": "ip-dst", "value": "3.3.3.3", "timestamp": "1704067200"},
		}}})
	}))
	t.Cleanup(srv.Close)

	inst := misp.NewInstanceConfig("demo", srv.URL, "key", "", nil, srv.Client())
	registry := misp.NewInstanceRegistry([]misp.InstanceConfig{inst})
	alerts := newFakeAlertStore()

	_, err := alerts.Create(context.Background(), platform.AlertFields{Type: "misp", Source: "demo", SourceRef: "1"})
	require.NoError(t, err)
	populatedValue := "already-there"
	populated, err := alerts.Create(context.Background(), platform.AlertFields{
		Type: "misp", Source: "demo", SourceRef: "2",
		Artifacts: []platform.Artifact{{DataType: "domain", Data: &populatedValue}},
	})
	require.NoError(t, err)

	refresher := misp.NewArtifactRefresher(registry, alerts, nil)
	worker := misp.NewAlertBackfillWorker(alerts, refresher, nil)

	worker.Run(context.Background())

	got, err := alerts.Get(context.Background(), "misp", "demo", "1")
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1, "the empty alert must be backfilled")
	require.Equal(t, "ip", got.Artifacts[0].DataType)

	stillPopulated, err := alerts.Get(context.Background(), "misp", "demo", "2")
	require.NoError(t, err)
	require.Len(t, stillPopulated.Artifacts, 1)
	require.Equal(t, populated.Artifacts[0].DataType, stillPopulated.Artifacts[0].DataType, "an already-populated alert is left untouched")
}

func TestAlertBackfillWorkerSubscribesToEventBus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"response": map[string]interface{}{"Attribute": []map[string]interface{}{}}})
	}))
	t.Cleanup(srv.Close)

	inst := misp.NewInstanceConfig("demo", srv.URL, "key", "", nil, srv.Client())
	registry := misp.NewInstanceRegistry([]misp.InstanceConfig{inst})
	alerts := newFakeAlertStore()
	_, err := alerts.Create(context.Background(), platform.AlertFields{Type: "misp", Source: "demo", SourceRef: "1"})
	require.NoError(t, err)

	refresher := misp.NewArtifactRefresher(registry, alerts, nil)
	worker := misp.NewAlertBackfillWorker(alerts, refresher, nil)
	bus := newFakeEventBus()
	require.NoError(t, worker.Subscribe(bus))

	bus.Publish(context.Background(), platform.UpdateMispAlertArtifact{})

	got, err := alerts.Get(context.Background(), "misp", "demo", "1")
	require.NoError(t, err)
	require.Empty(t, got.Artifacts)
}
