package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"genesis/internal/agents"
	"genesis/internal/bus"
	"genesis/internal/genesiscfg"
	"genesis/internal/sandbox"
	"genesis/internal/sim"
	"genesis/internal/store"
	"genesis/internal/traits"
	"genesis/traitapi"
)

const wandererSource = `package trait

import (
	"context"
	"math"

	"genesis/traitapi"
)

type WandererTrait struct {
	heading float64
}

func (t *WandererTrait) Execute(ctx context.Context, entity *traitapi.Entity) error {
	t.heading += 0.5
	entity.Move(3*math.Cos(t.heading), 3*math.Sin(t.heading))
	return nil
}

func New() func(context.Context, *traitapi.Entity) error {
	t := &WandererTrait{}
	return t.Execute
}
`

// recordingTriggers captures manual-trigger publishes.
type recordingTriggers struct {
	triggers []bus.EvolutionTrigger
}

func (r *recordingTriggers) PublishTrigger(ev bus.EvolutionTrigger) error {
	r.triggers = append(r.triggers, ev)
	return nil
}

// quietBus satisfies agents.EventBus without a broker.
type quietBus struct{}

func (quietBus) PublishTrigger(bus.EvolutionTrigger) error          { return nil }
func (quietBus) PublishPlan(bus.EvolutionPlan) error                { return nil }
func (quietBus) PublishMutationReady(bus.MutationReady) error       { return nil }
func (quietBus) PublishMutationApplied(bus.MutationApplied) error   { return nil }
func (quietBus) PublishMutationFailed(bus.MutationFailed) error     { return nil }
func (quietBus) PublishMutationRollback(bus.MutationRollback) error { return nil }
func (quietBus) PublishFeed(string, string, string, map[string]any) {}

func serverUnderTest(t *testing.T) (*Server, *recordingTriggers, *traits.Registry) {
	t.Helper()
	cfg := genesiscfg.Default()
	cfg.MutationsDir = t.TempDir()

	log := zap.NewNop()
	registry := traits.NewRegistry(cfg.MaxTraitVersionsKept)
	engine := sim.NewEngine(cfg, log, sim.Deps{Registry: registry})
	gatekeeper := agents.NewGatekeeper(cfg, log, quietBus{}, sandbox.NewValidator(nil), nil)
	triggers := &recordingTriggers{}

	s := NewServer(":0", Options{
		Log:        log,
		Engine:     engine,
		Registry:   registry,
		Hub:        NewHub(log),
		Triggers:   triggers,
		Gatekeeper: gatekeeper,
	})
	return s, triggers, registry
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealthz(t *testing.T) {
	s, _, _ := serverUnderTest(t)
	rec, body := doJSON(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestWorldEndpoint(t *testing.T) {
	s, _, _ := serverUnderTest(t)
	rec, body := doJSON(t, s, http.MethodGet, "/api/world", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "stats")
	assert.EqualValues(t, 0, body["ws_clients"])
}

func TestTraitListAndSource(t *testing.T) {
	s, _, registry := serverUnderTest(t)

	rec, body := doJSON(t, s, http.MethodGet, "/api/traits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["traits"])

	registry.Register("WandererTrait", func() traitapi.TraitFunc { return nil }, "trait_wanderer_v1.go")
	registry.RegisterSource("WandererTrait", wandererSource)

	rec, body = doJSON(t, s, http.MethodGet, "/api/traits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["traits"].([]any)
	require.Len(t, list, 1)
	entry := list[0].(map[string]any)
	assert.Equal(t, "wanderer", entry["name"])
	assert.Equal(t, true, entry["has_source"])

	rec, body = doJSON(t, s, http.MethodGet, "/api/traits/wanderer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wandererSource, body["source"])

	rec, _ = doJSON(t, s, http.MethodGet, "/api/traits/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualTrigger(t *testing.T) {
	s, triggers, _ := serverUnderTest(t)

	rec, body := doJSON(t, s, http.MethodPost, "/api/evolution/trigger",
		`{"problem_type": "stagnation", "severity": 0.8}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "critical", body["severity"])

	require.Len(t, triggers.triggers, 1)
	assert.Equal(t, "stagnation", triggers.triggers[0].ProblemType)
	assert.Equal(t, "manual", triggers.triggers[0].SuggestedArea)
}

func TestManualTriggerSeverityMapping(t *testing.T) {
	cases := map[string]string{"0.1": "low", "0.3": "medium", "0.6": "high", "0.9": "critical"}
	for severity, want := range cases {
		s, triggers, _ := serverUnderTest(t)
		rec, _ := doJSON(t, s, http.MethodPost, "/api/evolution/trigger",
			`{"problem_type": "stagnation", "severity": `+severity+`}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, triggers.triggers, 1)
		assert.Equal(t, want, triggers.triggers[0].Severity)
	}
}

func TestManualTriggerRejectsBadRequests(t *testing.T) {
	s, _, _ := serverUnderTest(t)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/evolution/trigger", `{"severity": 0.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, s, http.MethodPost, "/api/evolution/trigger",
		`{"problem_type": "stagnation", "severity": 1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCycleEndpointWithoutManager(t *testing.T) {
	s, _, _ := serverUnderTest(t)
	rec, body := doJSON(t, s, http.MethodGet, "/api/evolution/cycle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["active"])
}

func TestProposeEndpoint(t *testing.T) {
	s, _, registry := serverUnderTest(t)

	rec, body := doJSON(t, s, http.MethodPost, "/api/mutations/propose",
		`{"agent_id": "agent1", "task_id": "t1", "trait_name": "wanderer",
		  "goal": "roam the world", "source": `+mustJSON(wandererSource)+`}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, body["mutation_id"])

	// Admission does not touch the registry; activation is the patcher's job.
	_, ok := registry.Get("wanderer")
	assert.False(t, ok)
}

func TestProposeRejectsBadTraitName(t *testing.T) {
	s, _, _ := serverUnderTest(t)
	rec, _ := doJSON(t, s, http.MethodPost, "/api/mutations/propose",
		`{"agent_id": "agent1", "task_id": "t1", "trait_name": "Not-Valid",
		  "goal": "roam", "source": `+mustJSON(wandererSource)+`}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProposeRejectsInvalidSource(t *testing.T) {
	s, _, _ := serverUnderTest(t)
	rec, body := doJSON(t, s, http.MethodPost, "/api/mutations/propose",
		`{"agent_id": "agent1", "task_id": "t1", "trait_name": "wanderer",
		  "goal": "roam", "source": "package trait\nimport \"os\"\n"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body, "validation")
}

func TestMutationLookupWithoutStore(t *testing.T) {
	s, _, _ := serverUnderTest(t)
	rec, _ := doJSON(t, s, http.MethodGet, "/api/mutations/abc", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMutationLookupIncludesSource(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "genesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.SaveMutation(ctx, &store.MutationRecord{
		MutationID: "m1", CycleID: "cycle1", TraitName: "wanderer",
		Version: 1, CodeHash: "h1", Status: store.StatusQueued,
	}))
	require.NoError(t, st.SaveMutationSource(ctx, "m1", wandererSource))

	cfg := genesiscfg.Default()
	log := zap.NewNop()
	registry := traits.NewRegistry(cfg.MaxTraitVersionsKept)
	s := NewServer(":0", Options{
		Log:      log,
		Engine:   sim.NewEngine(cfg, log, sim.Deps{Registry: registry}),
		Registry: registry,
		Hub:      NewHub(log),
		Triggers: &recordingTriggers{},
		Store:    st,
	})

	rec, body := doJSON(t, s, http.MethodGet, "/api/mutations/m1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wandererSource, body["source"])
	mutation := body["mutation"].(map[string]any)
	assert.Equal(t, "wanderer", mutation["TraitName"])

	rec, _ = doJSON(t, s, http.MethodGet, "/api/mutations/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func mustJSON(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(data)
}
