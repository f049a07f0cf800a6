package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/genesiscfg"
	"genesis/internal/llm"
	"genesis/internal/sandbox"
	"genesis/internal/store"
)

func coderConfig(t *testing.T) *genesiscfg.Config {
	t.Helper()
	cfg := genesiscfg.Default()
	cfg.MutationsDir = t.TempDir()
	return cfg
}

func foragerPlan() bus.EvolutionPlan {
	return bus.EvolutionPlan{
		PlanID:      "plan1",
		TriggerID:   "trig1",
		CycleID:     "cycle1",
		ActionType:  "new_trait",
		Description: "seek food when hungry",
		TargetClass: "ForagerTrait",
	}
}

func TestCoderWritesValidatedTrait(t *testing.T) {
	cfg := coderConfig(t)
	b := &fakeBus{}
	client := &llm.MockClient{
		CompleteWithSystemFunc: func(ctx context.Context, system, user string) (string, error) {
			assert.Contains(t, user, "ForagerTrait")
			return "```go\n" + goodTraitSource + "```", nil
		},
	}
	c := NewCoder(cfg, zap.NewNop(), b, client, sandbox.NewValidator(nil), nil, nil)

	c.HandlePlan(context.Background(), foragerPlan())

	require.Len(t, b.ready, 1)
	ready := b.ready[0]
	assert.Equal(t, "forager", ready.TraitName)
	assert.Equal(t, 1, ready.Version)
	assert.Equal(t, "cycle1", ready.CycleID)
	assert.NotEmpty(t, ready.MutationID)
	assert.NotEmpty(t, ready.CodeHash)
	assert.Equal(t, filepath.Join(cfg.MutationsDir, "trait_forager_v1.go"), ready.FilePath)

	written, err := os.ReadFile(ready.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(written), "type ForagerTrait struct")
}

func TestCoderRetriesOnceWithGuidance(t *testing.T) {
	cfg := coderConfig(t)
	b := &fakeBus{}
	calls := 0
	client := &llm.MockClient{
		CompleteWithSystemFunc: func(ctx context.Context, system, user string) (string, error) {
			calls++
			if calls == 1 {
				return "package trait\n\nfunc broken( {", nil
			}
			assert.Contains(t, user, "SYNTAX_ERROR")
			return goodTraitSource, nil
		},
	}
	c := NewCoder(cfg, zap.NewNop(), b, client, sandbox.NewValidator(nil), nil, nil)

	c.HandlePlan(context.Background(), foragerPlan())

	assert.Equal(t, 2, calls)
	require.Len(t, b.ready, 1)
}

func TestCoderGivesUpAfterSecondFailure(t *testing.T) {
	cfg := coderConfig(t)
	b := &fakeBus{}
	calls := 0
	client := &llm.MockClient{
		CompleteWithSystemFunc: func(ctx context.Context, system, user string) (string, error) {
			calls++
			return "package trait\n\nfunc broken( {", nil
		},
	}
	c := NewCoder(cfg, zap.NewNop(), b, client, sandbox.NewValidator(nil), nil, nil)

	c.HandlePlan(context.Background(), foragerPlan())

	assert.Equal(t, 2, calls)
	assert.Empty(t, b.ready)
	assert.Contains(t, b.feedActions(), "failed")
}

func TestCoderVersionsAdvance(t *testing.T) {
	cfg := coderConfig(t)
	b := &fakeBus{}
	client := &llm.MockClient{
		CompleteWithSystemFunc: func(ctx context.Context, system, user string) (string, error) {
			return goodTraitSource, nil
		},
	}
	c := NewCoder(cfg, zap.NewNop(), b, client, sandbox.NewValidator(nil), nil, nil)

	c.HandlePlan(context.Background(), foragerPlan())
	c.HandlePlan(context.Background(), foragerPlan())

	require.Len(t, b.ready, 2)
	assert.Equal(t, 1, b.ready[0].Version)
	assert.Equal(t, 2, b.ready[1].Version)
	assert.NotEqual(t, b.ready[0].FilePath, b.ready[1].FilePath)
}

func TestCoderResumesVersionsAfterRestart(t *testing.T) {
	cfg := coderConfig(t)
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "genesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	// A previous process got as far as v5.
	require.NoError(t, st.SaveMutation(ctx, &store.MutationRecord{
		MutationID: "m5", CycleID: "cycle0", TraitName: "forager",
		Version: 5, CodeHash: "h5", Status: store.StatusQueued,
	}))

	b := &fakeBus{}
	client := &llm.MockClient{
		CompleteWithSystemFunc: func(ctx context.Context, system, user string) (string, error) {
			return goodTraitSource, nil
		},
	}
	c := NewCoder(cfg, zap.NewNop(), b, client, sandbox.NewValidator(nil), st, nil)

	c.HandlePlan(ctx, foragerPlan())

	require.Len(t, b.ready, 1)
	assert.Equal(t, 6, b.ready[0].Version)
	assert.Equal(t, filepath.Join(cfg.MutationsDir, "trait_forager_v6.go"), b.ready[0].FilePath)
}
