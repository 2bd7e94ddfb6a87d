// Package artifact provides the type-safe definitions for every deliverable the
// popeye pipeline produces.
//
// # Overview
//
// An artifact is an immutable, versioned, content-hashed unit of pipeline
// output: a master plan, a consensus record, an audit report and so on. Every
// artifact lives on disk at its recorded path and is described by an
// ArtifactEntry carrying its sha256 digest and version.
//
// # Versions and groups
//
// Artifacts are never edited. A correction is a new entry in the same group
// with version+1 whose PreviousID points at the entry it replaces. The group id
// threads every version of one logical artifact (for example all revisions of
// the master plan) so lineage queries are a single lookup.
//
// # References and edges
//
// ArtifactRef is the weak pointer one entity uses to name another without
// owning it. DependencyEdge connects two refs and forms a directed graph used
// for impact analysis; depends_on edges must stay acyclic.
//
// # Usage Example
//
//	entry := artifact.ArtifactEntry{
//		ArtifactID:  uuid.New().String(),
//		Type:        artifact.TypeMasterPlan,
//		Version:     1,
//		GroupID:     "master_plan",
//		Phase:       phase.Intake,
//		ContentType: artifact.ContentMarkdown,
//		SHA256:      artifact.Hash(content),
//		Immutable:   true,
//	}
//	if err := entry.Validate(); err != nil {
//		log.Fatal(err)
//	}
//	ref := entry.Ref()
package artifact
