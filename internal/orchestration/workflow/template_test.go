package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_LoadsBuiltins(t *testing.T) {
	reg, err := NewRegistry("")
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 3)
	// Sorted by name.
	require.Equal(t, "bugfix", list[0].Name)
	require.Equal(t, "feature", list[1].Name)
	require.Equal(t, "research", list[2].Name)

	feature, ok := reg.Get("feature")
	require.True(t, ok)
	require.Equal(t, SourceBuiltIn, feature.Source)
	require.Len(t, feature.Phases, 3)
	require.NotEmpty(t, feature.Phases[0].ExpectedDeliverables)

	_, ok = reg.Get("no-such-plan")
	require.False(t, ok)
}

func TestRegistry_UserTemplatesShadowBuiltins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.yaml"), []byte(`
name: feature
description: Shortened plan.
phases:
  - name: Everything
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.yaml"), []byte(`
name: deploy
phases:
  - name: Stage
  - name: Release
`), 0o600))

	reg, err := NewRegistry(dir)
	require.NoError(t, err)
	require.Len(t, reg.List(), 4)

	feature, ok := reg.Get("feature")
	require.True(t, ok)
	require.Equal(t, SourceUser, feature.Source)
	require.Len(t, feature.Phases, 1)

	deploy, ok := reg.Get("deploy")
	require.True(t, ok)
	require.Equal(t, SourceUser, deploy.Source)
}

func TestRegistry_SkipsInvalidUserTemplates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(`{not yaml`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yaml"), []byte(`
name: empty
phases: []
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a template"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yml"), []byte(`
name: good
phases:
  - name: Only
`), 0o600))

	reg, err := NewRegistry(dir)
	require.NoError(t, err)

	_, ok := reg.Get("empty")
	require.False(t, ok)
	_, ok = reg.Get("good")
	require.True(t, ok)
}

func TestRegistry_MissingUserDirIsFine(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Len(t, reg.List(), 3)
}

func TestTemplate_Validate(t *testing.T) {
	require.Error(t, Template{Name: "", Phases: []PhaseTemplate{{Name: "A"}}}.Validate())
	require.Error(t, Template{Name: "x"}.Validate())
	require.Error(t, Template{Name: "x", Phases: []PhaseTemplate{{Name: "  "}}}.Validate())
	require.NoError(t, Template{Name: "x", Phases: []PhaseTemplate{{Name: "A"}}}.Validate())
}

func TestSource_String(t *testing.T) {
	require.Equal(t, "built-in", SourceBuiltIn.String())
	require.Equal(t, "user", SourceUser.String())
	require.Equal(t, "unknown", Source(99).String())
}
