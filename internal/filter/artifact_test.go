package filter

import (
	"testing"
	"time"

	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/assert"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func entry(id string, t artifact.Type, p phase.Phase, by, group string, version int, at time.Time) artifact.ArtifactEntry {
	return artifact.ArtifactEntry{
		ArtifactID: id,
		Type:       t,
		Phase:      p,
		ProducedBy: by,
		GroupID:    group,
		Version:    version,
		Timestamp:  at,
	}
}

func TestMatches(t *testing.T) {
	e := entry("a", artifact.TypeRolePlan, phase.RolePlanning, "backend", "role_plan:backend", 1, base)

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{name: "no criteria", criteria: Criteria{}, want: true},
		{name: "since before", criteria: Criteria{Since: base.Add(-time.Minute)}, want: true},
		{name: "since after", criteria: Criteria{Since: base.Add(time.Minute)}, want: false},
		{name: "until after", criteria: Criteria{Until: base.Add(time.Minute)}, want: true},
		{name: "until before", criteria: Criteria{Until: base.Add(-time.Minute)}, want: false},
		{name: "exact type", criteria: Criteria{TypeGlob: "role_plan"}, want: true},
		{name: "type glob", criteria: Criteria{TypeGlob: "role_*"}, want: true},
		{name: "type mismatch", criteria: Criteria{TypeGlob: "master_*"}, want: false},
		{name: "bad glob never matches", criteria: Criteria{TypeGlob: "[role"}, want: false},
		{name: "producer", criteria: Criteria{Producer: "backend"}, want: true},
		{name: "producer mismatch", criteria: Criteria{Producer: "qa"}, want: false},
		{name: "phase", criteria: Criteria{Phase: phase.RolePlanning}, want: true},
		{name: "phase mismatch", criteria: Criteria{Phase: phase.Intake}, want: false},
		{
			name:     "all combined",
			criteria: Criteria{Since: base.Add(-time.Hour), Until: base.Add(time.Hour), TypeGlob: "*plan", Producer: "backend", Phase: phase.RolePlanning},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(e))
		})
	}
}

func TestApplyLatest(t *testing.T) {
	entries := []artifact.ArtifactEntry{
		entry("p1", artifact.TypeMasterPlan, phase.Intake, "", "master_plan", 1, base),
		entry("q1", artifact.TypeQAReport, phase.QAValidation, "qa", "qa_report", 1, base),
		entry("p2", artifact.TypeMasterPlan, phase.ConsensusMasterPlan, "", "master_plan", 2, base.Add(time.Minute)),
	}

	all := (&Criteria{}).Apply(entries)
	assert.Len(t, all, 3)

	latest := (&Criteria{Latest: true}).Apply(entries)
	ids := make([]string, len(latest))
	for i, e := range latest {
		ids[i] = e.ArtifactID
	}
	assert.Equal(t, []string{"q1", "p2"}, ids)

	plans := (&Criteria{Latest: true, Phase: phase.Intake}).Apply(entries)
	assert.Empty(t, plans, "the latest master plan was produced by consensus")
}

func TestHasFilters(t *testing.T) {
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{TypeGlob: "*"}).HasFilters())
	assert.True(t, (&Criteria{Since: base}).HasFilters())
	assert.True(t, (&Criteria{Latest: true}).HasFilters())
	assert.True(t, (&Criteria{Phase: phase.Audit}).HasFilters())
}
