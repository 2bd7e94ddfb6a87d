package catalog

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fortisil/popeye/internal/filter"
	"github.com/fortisil/popeye/internal/resolver"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Store
	plan  artifact.ArtifactEntry
	plan2 artifact.ArtifactEntry
	arch  artifact.ArtifactEntry
	qa    artifact.ArtifactEntry
}

// newFixture writes four artifacts one minute apart.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := start
	s, err := store.Open(t.TempDir(), store.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	require.NoError(t, err)

	ctx := t.Context()
	f := &fixture{store: s}
	f.plan, err = s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "# Master plan\n\nBuild it.\n", phase.Intake)
	require.NoError(t, err)
	f.plan2, err = s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "# Master plan (revised)\n", phase.ConsensusMasterPlan)
	require.NoError(t, err)
	f.arch, err = s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "\n\n## Architecture\n", phase.Architecture,
		store.WithProducer("architect"), store.WithDependsOn(f.plan2.Ref()))
	require.NoError(t, err)
	f.qa, err = s.CreateAndStoreJSON(ctx, artifact.TypeQAReport, map[string]any{"passed": true, "results": []string{}}, phase.QAValidation,
		store.WithProducer("qa"))
	require.NoError(t, err)
	return f
}

func TestListTable(t *testing.T) {
	f := newFixture(t)
	l := NewLister(f.store, nil)
	l.now = func() time.Time { return start.Add(2 * time.Hour) }

	var buf bytes.Buffer
	require.NoError(t, l.List(OutputFormatDefault, nil, &buf))
	out := buf.String()

	assert.Contains(t, out, "ID         VER")
	assert.Contains(t, out, f.plan.Ref().ShortID())
	assert.Contains(t, out, "Master plan (revised)")
	assert.Contains(t, out, "Architecture")
	assert.Contains(t, out, "passed=true")
	assert.Contains(t, out, "architect")
	assert.Contains(t, out, "1h ago")
	assert.Contains(t, out, "4 artifacts found")

	lines := strings.Split(out, "\n")
	assert.Contains(t, lines[2], f.plan.Ref().ShortID(), "oldest first")
	assert.Contains(t, lines[3], "v2")
}

func TestListFiltersAndJSONL(t *testing.T) {
	f := newFixture(t)
	l := NewLister(f.store, nil)

	var buf bytes.Buffer
	require.NoError(t, l.List(OutputFormatJSONL, &filter.Criteria{TypeGlob: "master_*", Latest: true}, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var got artifact.ArtifactEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, f.plan2, got)

	buf.Reset()
	require.NoError(t, l.List(OutputFormatDefault, &filter.Criteria{Producer: "nobody"}, &buf))
	assert.Equal(t, "No artifacts found\n", buf.String())

	assert.Error(t, l.List("xml", nil, &buf))
}

func TestListSurvivesTamperedContent(t *testing.T) {
	f := newFixture(t)
	path := f.store.AbsPath(f.arch.Ref())
	require.NoError(t, os.Chmod(path, 0o644))
	require.NoError(t, os.WriteFile(path, []byte("edited by hand"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, NewLister(f.store, nil).List(OutputFormatDefault, nil, &buf))
	assert.Contains(t, buf.String(), "<unreadable>")
	assert.Contains(t, buf.String(), "4 artifacts found")
}

func TestGetArtifact(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	require.NoError(t, GetArtifact(f.store, f.plan2.ArtifactID[:8], false, &buf))
	var d Detail
	require.NoError(t, json.Unmarshal(buf.Bytes(), &d))
	assert.Equal(t, f.plan2.ArtifactID, d.ArtifactID)
	assert.Empty(t, d.DependsOn)
	require.Len(t, d.Dependents, 1)
	assert.Equal(t, f.arch.ArtifactID, d.Dependents[0].ArtifactID)

	buf.Reset()
	require.NoError(t, GetArtifact(f.store, f.arch.ArtifactID, true, &buf))
	assert.Equal(t, "\n\n## Architecture\n", buf.String())

	err := GetArtifact(f.store, "ffffffff", false, &buf)
	assert.True(t, resolver.IsNotFoundError(err))
}

func TestContentPreview(t *testing.T) {
	tests := []struct {
		name    string
		ct      artifact.ContentType
		content string
		want    string
	}{
		{name: "heading", ct: artifact.ContentMarkdown, content: "# Title\nbody", want: "Title"},
		{name: "blank lines skipped", ct: artifact.ContentMarkdown, content: "\n  \nfirst words\n", want: "first words"},
		{name: "empty", ct: artifact.ContentMarkdown, content: "", want: "-"},
		{name: "long line", ct: artifact.ContentMarkdown, content: strings.Repeat("x", 50), want: strings.Repeat("x", 37) + "..."},
		{name: "json status", ct: artifact.ContentJSON, content: `{"cr_id":"CR-1","status":"approved"}`, want: "status=approved"},
		{name: "json other", ct: artifact.ContentJSON, content: `{"a":1,"b":2}`, want: "{2 keys}"},
		{name: "json invalid", ct: artifact.ContentJSON, content: `[1,2]`, want: "-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, summarize(tt.ct, []byte(tt.content)))
		})
	}
}

func TestFormatAge(t *testing.T) {
	now := start
	assert.Equal(t, "-", formatAge(time.Time{}, now))
	assert.Equal(t, "30s ago", formatAge(now.Add(-30*time.Second), now))
	assert.Equal(t, "5m ago", formatAge(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", formatAge(now.Add(-3*time.Hour), now))
	assert.Equal(t, "2d ago", formatAge(now.Add(-49*time.Hour), now))
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "-", formatVersion(1))
	assert.Equal(t, "v3", formatVersion(3))
}
