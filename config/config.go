// Package config loads deployment configuration. Configuration parsing
// is named an external collaborator in spec §1 ("supplies a Config
// value") — the engine only needs the resulting value — but per the
// ambient-stack expansion in SPEC_FULL.md this package still exists,
// built the way the teacher's bootstrap package builds its config: YAML
// via gopkg.in/yaml.v3, one or more sites read from a config file.
//
// The original spec §6 documents an INI-flavored wire format
// (`key[]`-repeated lists, `[section]` blocks). This loader carries the
// same semantics — ordered job lists, pattern lists, one independent
// Site per section — expressed as YAML, the format the teacher already
// parses with (see DESIGN.md for this Open Question resolution).
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Host is the remote endpoint for one Site: scheme, credentials,
// address, and remote base path, as carried in a remoteUrl.
type Host struct {
	Scheme   string `yaml:"scheme"`
	User     string `yaml:"user"`
	Password string `yaml:"password"` // "STDIN" triggers a hidden terminal prompt
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`

	PassiveMode bool `yaml:"passiveMode"`
}

// StdinPassword is the sentinel password value spec §6 defines.
const StdinPassword = "STDIN"

// UsesStdinPassword reports whether the operator must be prompted.
func (h Host) UsesStdinPassword() bool {
	return h.Password == StdinPassword
}

// Site is one `[section]` block: an independent deployment target with
// its own filters, hooks, and permissions (spec §3 Config).
type Site struct {
	Name string `yaml:"name"`
	Host Host   `yaml:"host"`

	LocalRoot string `yaml:"local"`

	TestMode    bool `yaml:"test"`
	AllowDelete *bool `yaml:"allowDelete"` // nil means default true

	IgnorePatterns  []string `yaml:"ignore"`
	IncludePatterns []string `yaml:"include"`
	PreprocessMasks []string `yaml:"preprocess"`

	BeforeJobs       []string `yaml:"before"`
	AfterUploadJobs  []string `yaml:"afterUpload"`
	AfterJobs        []string `yaml:"after"`
	PurgePaths       []string `yaml:"purge"`

	ManifestName string `yaml:"deploymentFile"`

	FilePermissions string `yaml:"filePermissions"` // octal string, e.g. "0644"
	DirPermissions  string `yaml:"dirPermissions"`

	TempDir string `yaml:"tempDir"`

	UploadWorkers int `yaml:"uploadWorkers"`
}

// AllowsDelete resolves the default-true semantics of AllowDelete.
func (s Site) AllowsDelete() bool {
	return s.AllowDelete == nil || *s.AllowDelete
}

// EffectiveManifestName resolves the default `.htdeployment` name.
func (s Site) EffectiveManifestName() string {
	if s.ManifestName == "" {
		return ".htdeployment"
	}
	return s.ManifestName
}

// EffectiveUploadWorkers resolves the default bounded worker count of
// 10 (spec §4.7 Phase 5).
func (s Site) EffectiveUploadWorkers() int {
	if s.UploadWorkers <= 0 {
		return 10
	}
	return s.UploadWorkers
}

// Document is the whole config file: an ordered list of sites,
// processed sequentially (spec §6 "Multiple [section] blocks describe
// independent sites processed sequentially").
type Document struct {
	Sites []Site `yaml:"sites"`
}

// Load reads and parses one config file.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, errors.Wrapf(err, "reading config %s", path)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, errors.Wrapf(err, "config file %s is corrupted", path)
	}

	for i, s := range doc.Sites {
		if s.LocalRoot == "" {
			return Document{}, errors.Errorf("site %q (index %d) in %s has no local root", s.Name, i, path)
		}
	}
	return doc, nil
}

// LoadAll reads zero or more config files in order and concatenates
// their sites, matching the CLI surface's "zero or more config file
// paths" positional arguments (spec §6).
func LoadAll(paths []string) (Document, error) {
	var all Document
	for _, p := range paths {
		doc, err := Load(p)
		if err != nil {
			return Document{}, err
		}
		all.Sites = append(all.Sites, doc.Sites...)
	}
	return all, nil
}

// RemoteURL reconstructs the remoteUrl spec §6 describes, with
// credentials in the userinfo segment.
func (h Host) RemoteURL() *url.URL {
	u := &url.URL{
		Scheme: h.Scheme,
		Host:   h.Address,
	}
	if h.Port != 0 {
		u.Host = fmt.Sprintf("%s:%d", h.Address, h.Port)
	}
	if h.User != "" {
		u.User = url.UserPassword(h.User, h.Password)
	}
	u.Path = h.Path
	return u
}
