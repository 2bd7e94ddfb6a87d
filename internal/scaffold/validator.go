package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fortisil/popeye/internal/config"
	"github.com/fortisil/popeye/internal/pipeline"
)

// CheckExisting returns an error if root already has a popeye.yml or a
// CONSTITUTION.md.
func CheckExisting(root string) error {
	var existing []string
	for _, name := range []string{config.FileName, pipeline.ConstitutionFile} {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			existing = append(existing, name)
		}
	}

	if len(existing) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("project already initialized\n\nFound existing")
	if len(existing) == 1 {
		fmt.Fprintf(&b, ": %s\n", existing[0])
	} else {
		b.WriteString(" files:\n")
		for _, f := range existing {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	b.WriteString("\nUse 'popeye init --force' to reinitialize (this will overwrite existing configuration)")
	return fmt.Errorf("%s", b.String())
}
