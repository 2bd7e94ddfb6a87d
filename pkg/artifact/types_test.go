package artifact

import (
	"testing"
	"time"

	"github.com/fortisil/popeye/pkg/phase"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func validEntry() ArtifactEntry {
	return ArtifactEntry{
		ArtifactID:  uuid.New().String(),
		Path:        "intake/master_plan-v1.md",
		SHA256:      Hash([]byte("# Plan")),
		Version:     1,
		Type:        TypeMasterPlan,
		Phase:       phase.Intake,
		Timestamp:   time.Now().UTC(),
		ContentType: ContentMarkdown,
		GroupID:     "master_plan",
		Immutable:   true,
	}
}

func TestArtifactEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *ArtifactEntry)
		wantErr string
	}{
		{name: "valid entry", mutate: func(e *ArtifactEntry) {}},
		{
			name:    "invalid id",
			mutate:  func(e *ArtifactEntry) { e.ArtifactID = "not-a-uuid" },
			wantErr: "invalid artifact ID",
		},
		{
			name:    "zero version",
			mutate:  func(e *ArtifactEntry) { e.Version = 0 },
			wantErr: "invalid version",
		},
		{
			name:    "version 1 with previous id",
			mutate:  func(e *ArtifactEntry) { e.PreviousID = uuid.New().String() },
			wantErr: "cannot have a previous_id",
		},
		{
			name:    "version 2 without previous id",
			mutate:  func(e *ArtifactEntry) { e.Version = 2 },
			wantErr: "requires a valid previous_id",
		},
		{
			name: "version 2 with previous id",
			mutate: func(e *ArtifactEntry) {
				e.Version = 2
				e.PreviousID = uuid.New().String()
			},
		},
		{
			name:    "unknown type",
			mutate:  func(e *ArtifactEntry) { e.Type = "diagram" },
			wantErr: "invalid type",
		},
		{
			name:    "bad digest",
			mutate:  func(e *ArtifactEntry) { e.SHA256 = "abc" },
			wantErr: "invalid sha256",
		},
		{
			name:    "empty group",
			mutate:  func(e *ArtifactEntry) { e.GroupID = "" },
			wantErr: "group_id cannot be empty",
		},
		{
			name:    "mutable entry",
			mutate:  func(e *ArtifactEntry) { e.Immutable = false },
			wantErr: "must be immutable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEntry()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRef(t *testing.T) {
	e := validEntry()
	ref := e.Ref()
	assert.Equal(t, e.ArtifactID, ref.ArtifactID)
	assert.Equal(t, e.SHA256, ref.SHA256)
	assert.Equal(t, e.Version, ref.Version)
	assert.Equal(t, e.Type, ref.Type)
	assert.Equal(t, e.Path, ref.Path)
	assert.Contains(t, ref.String(), "master_plan@v1")
}

func TestAllTypesValidate(t *testing.T) {
	for _, typ := range AllTypes() {
		assert.NoError(t, typ.Validate(), "type %s", typ)
	}
}

func TestHash(t *testing.T) {
	h := Hash([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h)
	assert.True(t, IsDigest(h))
	assert.False(t, IsDigest("zz"))
}

func TestContentTypeExtension(t *testing.T) {
	assert.Equal(t, ".json", ContentJSON.Extension())
	assert.Equal(t, ".md", ContentMarkdown.Extension())
}
