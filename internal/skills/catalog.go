// Package skills maintains the node-side skill catalog: bundles under
// {home}/skills/{id}/ described by a skill.yaml manifest. Workers fetch
// bundles as zips and install them on demand; the catalog itself never runs
// skill code.
package skills

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Runtimes a manifest may declare.
const (
	RuntimePython = "python"
	RuntimeNode   = "node"
	RuntimeBinary = "binary"
)

// ManifestFile is the per-skill descriptor name.
const ManifestFile = "skill.yaml"

// Manifest is the parsed skill.yaml.
type Manifest struct {
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Runtime     string   `yaml:"runtime" json:"runtime"`
	Entrypoint  string   `yaml:"entrypoint" json:"entrypoint"`
	Install     []string `yaml:"install" json:"install,omitempty"`
	DepFiles    []string `yaml:"depFiles" json:"depFiles,omitempty"`
	EnvSecrets  []string `yaml:"envSecrets" json:"envSecrets,omitempty"`
	DeniedArgs  []string `yaml:"deniedArgs" json:"deniedArgs,omitempty"`
	TimeoutMS   int64    `yaml:"timeoutMs" json:"timeoutMs,omitempty"`
}

// DependencyFiles returns the manifest's dep files, defaulting by runtime so
// install fingerprints cover the conventional lockfiles.
func (m Manifest) DependencyFiles() []string {
	if len(m.DepFiles) > 0 {
		return m.DepFiles
	}
	switch m.Runtime {
	case RuntimePython:
		return []string{"requirements.txt"}
	case RuntimeNode:
		return []string{"package.json"}
	default:
		return nil
	}
}

func (m Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: manifest has no name", domain.ErrSchemaInvalid)
	}
	switch m.Runtime {
	case RuntimePython, RuntimeNode, RuntimeBinary:
	default:
		return fmt.Errorf("%w: unknown runtime %q", domain.ErrSchemaInvalid, m.Runtime)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("%w: manifest has no entrypoint", domain.ErrSchemaInvalid)
	}
	return nil
}

// Skill is one catalog row. ID is the bundle directory base name.
type Skill struct {
	ID       string   `json:"id"`
	Dir      string   `json:"-"`
	Manifest Manifest `json:"manifest"`
}

// Catalog scans and serves skill bundles.
type Catalog struct {
	dir    string
	rdb    *redis.Client
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]Skill
}

func NewCatalog(dir string, rdb *redis.Client, logger *slog.Logger) *Catalog {
	return &Catalog{dir: dir, rdb: rdb, logger: logger, skills: map[string]Skill{}}
}

// Scan re-reads the skills directory. Bundles with a missing or invalid
// manifest are skipped with a warning, never fatal: one broken skill must not
// take the catalog down.
func (c *Catalog) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.skills = map[string]Skill{}
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("op=skills.Scan: %w", err)
	}

	found := make(map[string]Skill)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		dir := filepath.Join(c.dir, e.Name())
		m, err := ReadManifest(filepath.Join(dir, ManifestFile))
		if err != nil {
			c.logger.Warn("skipping skill bundle", slog.String("skill_id", e.Name()), slog.Any("error", err))
			continue
		}
		found[e.Name()] = Skill{ID: e.Name(), Dir: dir, Manifest: m}
	}

	c.mu.Lock()
	c.skills = found
	c.mu.Unlock()
	c.logger.Info("skill catalog scanned", slog.Int("count", len(found)))
	return nil
}

// Rescan is Scan plus a skills-reload broadcast so workers drop their bundle
// caches and prompt caches rebuild.
func (c *Catalog) Rescan(ctx context.Context) error {
	if err := c.Scan(ctx); err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, domain.ChanSkillsReload, "catalog").Err(); err != nil {
		return fmt.Errorf("op=skills.Rescan: publish: %w", err)
	}
	return nil
}

// List returns the catalog sorted by id.
func (c *Catalog) List() []Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Skill, 0, len(c.skills))
	for _, s := range c.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one skill by id.
func (c *Catalog) Get(id string) (Skill, error) {
	if !ValidID(id) {
		return Skill{}, fmt.Errorf("op=skills.Get: %w: bad skill id %q", domain.ErrInvalidArgument, id)
	}
	c.mu.RLock()
	s, ok := c.skills[id]
	c.mu.RUnlock()
	if !ok {
		return Skill{}, fmt.Errorf("op=skills.Get: %w: skill %q", domain.ErrNotFound, id)
	}
	return s, nil
}

// ToolDef renders the worker-dispatched run_skill tool with the current
// catalog baked into its schema, so the advertised enum tracks reloads.
func (c *Catalog) ToolDef() (domain.ToolDef, bool) {
	skills := c.List()
	if len(skills) == 0 {
		return domain.ToolDef{}, false
	}
	ids := make([]string, 0, len(skills))
	var desc strings.Builder
	desc.WriteString("Run an installed skill on a worker. Available skills: ")
	for i, s := range skills {
		ids = append(ids, fmt.Sprintf("%q", s.ID))
		if i > 0 {
			desc.WriteString("; ")
		}
		fmt.Fprintf(&desc, "%s (%s)", s.ID, strings.TrimSpace(s.Manifest.Description))
	}
	params := fmt.Sprintf(`{"type":"object","properties":{
"skillId":{"type":"string","enum":[%s]},
"args":{"type":"array","items":{"type":"string"},"description":"Command-line arguments"},
"stdin":{"type":"string","description":"Data piped to the skill's stdin"}
},"required":["skillId"]}`, strings.Join(ids, ","))
	return domain.ToolDef{
		Name:        "run_skill",
		Description: desc.String(),
		Parameters:  []byte(params),
	}, true
}

// PromptBlock renders the catalog for system-prompt assembly.
func (c *Catalog) PromptBlock() string {
	skills := c.List()
	if len(skills) == 0 {
		return "No skills are installed."
	}
	var b strings.Builder
	b.WriteString("Installed skills:\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s v%s (%s): %s\n", s.ID, s.Manifest.Version, s.Manifest.Runtime, s.Manifest.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// WriteZip streams the skill bundle as a zip archive. Entry names are
// forward-slash relative paths; symlinks and other irregular files are
// skipped so the archive can never point outside itself.
func (c *Catalog) WriteZip(w io.Writer, id string) error {
	s, err := c.Get(id)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	walkErr := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.Dir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		return fmt.Errorf("op=skills.WriteZip: %s: %w", id, walkErr)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("op=skills.WriteZip: %s: %w", id, err)
	}
	return nil
}

// ReadManifest parses and validates one skill.yaml. Workers reuse it on
// freshly unpacked bundles.
func ReadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ValidID accepts directory-safe skill ids: letters, digits, dot, dash,
// underscore, no leading dot.
func ValidID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
