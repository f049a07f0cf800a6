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
	"genesis/internal/sandbox"
	"genesis/internal/traits"
)

func patcherUnderTest() (*Patcher, *fakeBus, *traits.Registry) {
	b := &fakeBus{}
	registry := traits.NewRegistry(3)
	p := NewPatcher(zap.NewNop(), b, sandbox.NewValidator(nil), sandbox.NewLoader(), registry, nil, nil, nil)
	return p, b, registry
}

func writeTrait(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trait_forager_v1.go")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func TestPatcherActivatesMutation(t *testing.T) {
	p, b, registry := patcherUnderTest()
	path := writeTrait(t, goodTraitSource)

	p.HandleMutationReady(context.Background(), bus.MutationReady{
		MutationID: "m1",
		CycleID:    "cycle1",
		FilePath:   path,
		TraitName:  "forager",
		Version:    1,
	})

	entry, ok := registry.Get("forager")
	require.True(t, ok)
	assert.NotNil(t, entry.Factory)
	src, ok := registry.GetSource("forager")
	require.True(t, ok)
	assert.Equal(t, goodTraitSource, src)

	require.Len(t, b.applied, 1)
	assert.Equal(t, "m1", b.applied[0].MutationID)
	assert.Equal(t, registry.Version(), b.applied[0].RegistryVersion)
	assert.Contains(t, b.feedActions(), "activated")

	// The activated factory produces working instances.
	fn := entry.Factory()
	require.NotNil(t, fn)
}

func TestPatcherRejectsInvalidSourceOnDisk(t *testing.T) {
	p, b, registry := patcherUnderTest()
	path := writeTrait(t, "package trait\n\nfunc broken( {")

	p.HandleMutationReady(context.Background(), bus.MutationReady{
		MutationID: "m1",
		FilePath:   path,
		TraitName:  "forager",
	})

	_, ok := registry.Get("forager")
	assert.False(t, ok)
	require.Len(t, b.failed, 1)
	assert.Equal(t, "validation", b.failed[0].Stage)
	assert.Empty(t, b.applied)
}

func TestPatcherMissingFile(t *testing.T) {
	p, b, _ := patcherUnderTest()

	p.HandleMutationReady(context.Background(), bus.MutationReady{
		MutationID: "m1",
		FilePath:   filepath.Join(t.TempDir(), "gone.go"),
		TraitName:  "forager",
	})

	require.Len(t, b.failed, 1)
	assert.Equal(t, "validation", b.failed[0].Stage)
}

func TestPatcherEvictsOldVersions(t *testing.T) {
	p, _, _ := patcherUnderTest()
	dir := t.TempDir()

	var paths []string
	for i := 1; i <= 4; i++ {
		path := filepath.Join(dir, "trait_forager_v"+string(rune('0'+i))+".go")
		require.NoError(t, os.WriteFile(path, []byte(goodTraitSource), 0o644))
		paths = append(paths, path)
		p.HandleMutationReady(context.Background(), bus.MutationReady{
			MutationID: "m" + string(rune('0'+i)),
			FilePath:   path,
			TraitName:  "forager",
			Version:    i,
		})
	}

	// Retention bound is 3: the first file is deleted from disk.
	_, err := os.Stat(paths[0])
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(paths[3])
	assert.NoError(t, err)
}

func TestPatcherRollbackRemovesFamilyAndFiles(t *testing.T) {
	p, b, registry := patcherUnderTest()
	path := writeTrait(t, goodTraitSource)

	p.HandleMutationReady(context.Background(), bus.MutationReady{
		MutationID: "m1",
		FilePath:   path,
		TraitName:  "forager",
		Version:    1,
	})
	require.Len(t, b.applied, 1)
	versionAfterApply := registry.Version()

	p.HandleRollback(context.Background(), bus.MutationRollback{
		MutationID:   "m1",
		TraitName:    "forager",
		Reason:       "population regression past rollback threshold",
		FitnessDelta: -0.3,
	})

	_, ok := registry.Get("forager")
	assert.False(t, ok)
	assert.Greater(t, registry.Version(), versionAfterApply)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, b.feedActions(), "rolled_back")
}

func TestPatcherLeavesCycleLockForExternalMutations(t *testing.T) {
	m := cycleManagerUnderTest(t)
	ctx := context.Background()

	acquired, err := m.Start(ctx, starvationTrigger())
	require.NoError(t, err)
	require.True(t, acquired)

	b := &fakeBus{}
	registry := traits.NewRegistry(3)
	p := NewPatcher(zap.NewNop(), b, sandbox.NewValidator(nil), sandbox.NewLoader(), registry, nil, m, nil)

	// A gatekeeper-admitted proposal lands while the internal cycle runs.
	p.HandleMutationReady(ctx, bus.MutationReady{
		MutationID: "m-ext",
		CycleID:    externalCyclePrefix + "agent1",
		FilePath:   writeTrait(t, goodTraitSource),
		TraitName:  "forager",
		Version:    1,
	})
	require.Len(t, b.applied, 1)

	// The internal cycle still holds the lock, untouched.
	second := starvationTrigger()
	second.TriggerID = "trig2"
	acquired, err = m.Start(ctx, second)
	require.NoError(t, err)
	assert.False(t, acquired, "external mutation must not release the cycle lock")

	rec, err := m.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StagePlanning, rec.Stage)

	// A failing external mutation must not fail the cycle either.
	p.HandleMutationReady(ctx, bus.MutationReady{
		MutationID: "m-ext2",
		CycleID:    externalCyclePrefix + "agent1",
		FilePath:   filepath.Join(t.TempDir(), "gone.go"),
		TraitName:  "hunter",
	})
	rec, err = m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, StagePlanning, rec.Stage)
}

func TestPatcherRollbackUnknownTrait(t *testing.T) {
	p, b, _ := patcherUnderTest()
	p.HandleRollback(context.Background(), bus.MutationRollback{TraitName: "ghost"})
	assert.Empty(t, b.feedActions())
}
