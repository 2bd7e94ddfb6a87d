package snapshot

import (
	"reflect"
	"sort"
)

// SnapshotDiff describes how a project tree changed between two snapshots.
type SnapshotDiff struct {
	FilesAdded     []string `json:"files_added"`
	FilesRemoved   []string `json:"files_removed"`
	ConfigsChanged []string `json:"configs_changed"`
	LinesDelta     int      `json:"lines_delta"`
	HasDrift       bool     `json:"has_drift"`
}

// Diff compares a (older) with b (newer). Line count changes alone never
// count as drift. A nil snapshot is treated as an empty tree.
func Diff(a, b *RepoSnapshot) SnapshotDiff {
	if a == nil {
		a = &RepoSnapshot{}
	}
	if b == nil {
		b = &RepoSnapshot{}
	}

	d := SnapshotDiff{
		FilesAdded:     minus(b.Files, a.Files),
		FilesRemoved:   minus(a.Files, b.Files),
		ConfigsChanged: changedConfigs(a.ConfigHashes, b.ConfigHashes),
		LinesDelta:     b.TotalLines - a.TotalLines,
	}

	d.HasDrift = len(d.FilesAdded) > 0 ||
		len(d.FilesRemoved) > 0 ||
		len(d.ConfigsChanged) > 0 ||
		!sameStrings(a.LanguagesDetected, b.LanguagesDetected) ||
		!sameStrings(a.EnvFiles, b.EnvFiles) ||
		!sameStrings(a.PortsEntrypoints, b.PortsEntrypoints) ||
		!sameScripts(a.Scripts, b.Scripts) ||
		a.MigrationsPresent != b.MigrationsPresent

	return d
}

// minus returns the sorted elements of x that are not in y.
func minus(x, y []string) []string {
	in := make(map[string]bool, len(y))
	for _, v := range y {
		in[v] = true
	}
	out := []string{}
	for _, v := range x {
		if !in[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func changedConfigs(a, b map[string]string) []string {
	out := []string{}
	for p, h := range a {
		if b[p] != h {
			out = append(out, p)
		}
	}
	for p := range b {
		if _, ok := a[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameScripts(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
