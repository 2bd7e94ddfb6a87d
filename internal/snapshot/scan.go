package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

var languageByExt = map[string]string{
	".go":   "Go",
	".ts":   "TypeScript",
	".tsx":  "TypeScript",
	".js":   "JavaScript",
	".jsx":  "JavaScript",
	".mjs":  "JavaScript",
	".py":   "Python",
	".rs":   "Rust",
	".java": "Java",
	".kt":   "Kotlin",
	".rb":   "Ruby",
	".php":  "PHP",
	".cs":   "C#",
	".c":    "C",
	".h":    "C",
	".cpp":  "C++",
	".sql":  "SQL",
	".sh":   "Shell",
	".css":  "CSS",
	".scss": "CSS",
	".html": "HTML",
}

var configNames = map[string]bool{
	"go.mod":              true,
	"package.json":        true,
	"tsconfig.json":       true,
	"pyproject.toml":      true,
	"requirements.txt":    true,
	"setup.py":            true,
	"Cargo.toml":          true,
	"pom.xml":             true,
	"build.gradle":        true,
	"Gemfile":             true,
	"Dockerfile":          true,
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"Makefile":            true,
	"vite.config.ts":      true,
	"vite.config.js":      true,
	"popeye.yml":          true,
}

var entrypointNames = map[string]bool{
	"main.go":   true,
	"main.py":   true,
	"app.py":    true,
	"manage.py": true,
	"index.js":  true,
	"index.ts":  true,
	"server.js": true,
	"server.ts": true,
	"main.rs":   true,
}

var (
	makeTarget = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9_.-]*)\s*:([^=]|$)`)
	exposeLine = regexp.MustCompile(`(?i)^\s*EXPOSE\s+(.+)$`)
)

type scanner struct {
	root        string
	maxBytes    int64
	files       []string
	dirCounts   map[string]int
	configs     map[string]string
	languages   map[string]bool
	scripts     map[string]string
	envFiles    []string
	migrations  bool
	entrypoints map[string]bool
	totalLines  int
}

func newScanner(root string, maxBytes int64) *scanner {
	return &scanner{
		root:        root,
		maxBytes:    maxBytes,
		dirCounts:   make(map[string]int),
		configs:     make(map[string]string),
		languages:   make(map[string]bool),
		scripts:     make(map[string]string),
		entrypoints: make(map[string]bool),
	}
}

func (s *scanner) visitDir(rel, name string) {
	if name == "migrations" || name == "migrate" {
		s.migrations = true
	}
	// cmd/<tool> directories are Go entrypoints
	if dir, base := path.Split(rel); dir == "cmd/" {
		s.entrypoints["cmd/"+base] = true
	}
}

func (s *scanner) visitFile(rel, abs string) error {
	s.files = append(s.files, rel)

	top := "."
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		top = rel[:i]
	}
	s.dirCounts[top]++

	name := path.Base(rel)
	if lang, ok := languageByExt[strings.ToLower(path.Ext(name))]; ok {
		s.languages[lang] = true
	}
	if strings.HasPrefix(name, ".env") {
		s.envFiles = append(s.envFiles, rel)
	}
	if entrypointNames[name] {
		s.entrypoints[rel] = true
	}

	info, err := os.Stat(abs)
	if err != nil {
		return err
	}

	isConfig := s.isConfig(rel, name)
	if !isConfig && info.Size() > s.maxBytes {
		return nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	if !isBinary(data) {
		s.totalLines += bytes.Count(data, []byte{'\n'})
		if len(data) > 0 && data[len(data)-1] != '\n' {
			s.totalLines++
		}
	}

	if isConfig {
		sum := sha256.Sum256(data)
		s.configs[rel] = hex.EncodeToString(sum[:])
		if rel == "package.json" {
			s.readPackageScripts(data)
		}
		if rel == "Makefile" {
			s.readMakeTargets(data)
		}
		if rel == "pyproject.toml" {
			s.readPyprojectScripts(data)
		}
		if name == "Dockerfile" {
			s.readExposedPorts(rel, data)
		}
	}
	return nil
}

// isConfig matches known config names anywhere and any yaml/toml/ini at the root.
func (s *scanner) isConfig(rel, name string) bool {
	if configNames[name] {
		return true
	}
	if strings.Contains(rel, "/") {
		return false
	}
	switch path.Ext(name) {
	case ".yml", ".yaml", ".toml", ".ini":
		return true
	}
	return false
}

func (s *scanner) readPackageScripts(data []byte) {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return
	}
	for name, cmd := range pkg.Scripts {
		s.scripts["npm:"+name] = cmd
	}
}

// readPyprojectScripts picks up PEP 621 and Poetry console scripts.
func (s *scanner) readPyprojectScripts(data []byte) {
	var py struct {
		Project struct {
			Scripts map[string]string `toml:"scripts"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Scripts map[string]string `toml:"scripts"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if _, err := toml.Decode(string(data), &py); err != nil {
		return
	}
	for name, target := range py.Tool.Poetry.Scripts {
		s.scripts["py:"+name] = target
	}
	for name, target := range py.Project.Scripts {
		s.scripts["py:"+name] = target
	}
}

func (s *scanner) readMakeTargets(data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		m := makeTarget.FindStringSubmatch(sc.Text())
		if m == nil || strings.HasPrefix(m[1], ".") {
			continue
		}
		s.scripts["make:"+m[1]] = "make " + m[1]
	}
}

func (s *scanner) readExposedPorts(rel string, data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if m := exposeLine.FindStringSubmatch(sc.Text()); m != nil {
			for _, port := range strings.Fields(m[1]) {
				s.entrypoints["port "+port+" ("+rel+")"] = true
			}
		}
	}
}

func (s *scanner) result() *RepoSnapshot {
	sort.Strings(s.files)
	sort.Strings(s.envFiles)

	summary := make([]DirSummary, 0, len(s.dirCounts))
	for dir, n := range s.dirCounts {
		summary = append(summary, DirSummary{Dir: dir, Files: n})
	}
	sort.Slice(summary, func(i, j int) bool { return summary[i].Dir < summary[j].Dir })

	configs := make([]string, 0, len(s.configs))
	for p := range s.configs {
		configs = append(configs, p)
	}
	sort.Strings(configs)

	return &RepoSnapshot{
		TreeSummary:       summary,
		ConfigFiles:       configs,
		LanguagesDetected: sortedKeys(s.languages),
		Scripts:           s.scripts,
		EnvFiles:          nonNil(s.envFiles),
		MigrationsPresent: s.migrations,
		PortsEntrypoints:  sortedKeys(s.entrypoints),
		TotalFiles:        len(s.files),
		TotalLines:        s.totalLines,
		Files:             nonNil(s.files),
		ConfigHashes:      s.configs,
	}
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
