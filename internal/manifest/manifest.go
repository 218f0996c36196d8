package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/gmsandbox/internal/host"
)

// Format is the encoding of a manifest file
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// DefaultDrain bounds how long a run waits for the loop to go idle
const DefaultDrain = 30 * time.Second

// Manifest describes one sandbox run: a page, the scripts loaded into it and
// what happens to them afterwards
type Manifest struct {
	Page    Page        `yaml:"page" toml:"page"`
	Scripts []Script    `yaml:"scripts" toml:"scripts"`
	Events  []Event     `yaml:"events,omitempty" toml:"events,omitempty"`
	Menu    []MenuClick `yaml:"menu,omitempty" toml:"menu,omitempty"`
	// Drain is a Go duration string; DefaultDrain when empty
	Drain string `yaml:"drain,omitempty" toml:"drain,omitempty"`

	// dir resolves relative paths; empty for manifests decoded from memory
	dir string
}

// Page configures the host page
type Page struct {
	URL         string `yaml:"url" toml:"url"`
	Title       string `yaml:"title,omitempty" toml:"title,omitempty"`
	UserAgent   string `yaml:"user_agent,omitempty" toml:"user_agent,omitempty"`
	VirtualTime bool   `yaml:"virtual_time" toml:"virtual_time"`
	// HTML is the initial document. Document names a file holding it instead.
	HTML     string `yaml:"html,omitempty" toml:"html,omitempty"`
	Document string `yaml:"document,omitempty" toml:"document,omitempty"`
}

// Script is one userscript to load. Exactly one of Path and Code is set.
type Script struct {
	Path      string         `yaml:"path,omitempty" toml:"path,omitempty"`
	Code      string         `yaml:"code,omitempty" toml:"code,omitempty"`
	Values    map[string]any `yaml:"values,omitempty" toml:"values,omitempty"`
	Resources []Resource     `yaml:"resources,omitempty" toml:"resources,omitempty"`
	// Requires supply @require sources keyed by URL
	Requires []Resource `yaml:"requires,omitempty" toml:"requires,omitempty"`
}

// Resource is local content for a @resource or @require. Text wins over Path;
// with neither set the content is fetched from URL.
type Resource struct {
	Name        string `yaml:"name,omitempty" toml:"name,omitempty"`
	URL         string `yaml:"url,omitempty" toml:"url,omitempty"`
	Path        string `yaml:"path,omitempty" toml:"path,omitempty"`
	Text        string `yaml:"text,omitempty" toml:"text,omitempty"`
	ContentType string `yaml:"content_type,omitempty" toml:"content_type,omitempty"`
}

// Event is a page event dispatched after every script has run
type Event struct {
	Type   string `yaml:"type" toml:"type"`
	Detail any    `yaml:"detail,omitempty" toml:"detail,omitempty"`
}

// MenuClick selects a registered menu command by script name and command
// name or key
type MenuClick struct {
	Script  string `yaml:"script" toml:"script"`
	Command string `yaml:"command" toml:"command"`
}

// FormatOf picks the format from a file extension. Anything that is not
// .toml is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads and validates the manifest at path
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Decode(data, FormatOf(path))
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Decode parses and validates manifest content
func Decode(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields
func (m *Manifest) Validate() error {
	if len(m.Scripts) == 0 {
		return fmt.Errorf("scripts is required")
	}
	if m.Page.HTML != "" && m.Page.Document != "" {
		return fmt.Errorf("page: at most one of html and document is allowed")
	}
	for i, s := range m.Scripts {
		if (s.Path == "") == (s.Code == "") {
			return fmt.Errorf("scripts[%d]: exactly one of path and code is required", i)
		}
		for j, r := range s.Resources {
			if r.Name == "" {
				return fmt.Errorf("scripts[%d].resources[%d]: name is required", i, j)
			}
			if r.URL == "" && r.Path == "" && r.Text == "" {
				return fmt.Errorf("scripts[%d].resources[%d]: one of url, path and text is required", i, j)
			}
		}
		for j, r := range s.Requires {
			if r.URL == "" {
				return fmt.Errorf("scripts[%d].requires[%d]: url is required", i, j)
			}
		}
	}
	for i, e := range m.Events {
		if e.Type == "" {
			return fmt.Errorf("events[%d]: type is required", i)
		}
	}
	for i, c := range m.Menu {
		if c.Script == "" || c.Command == "" {
			return fmt.Errorf("menu[%d]: script and command are required", i)
		}
	}
	if _, err := m.DrainTimeout(); err != nil {
		return err
	}
	return nil
}

// DrainTimeout returns the parsed drain bound
func (m *Manifest) DrainTimeout() (time.Duration, error) {
	if m.Drain == "" {
		return DefaultDrain, nil
	}
	d, err := time.ParseDuration(m.Drain)
	if err != nil {
		return 0, fmt.Errorf("invalid drain %q: %w", m.Drain, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("drain must be positive, got %s", d)
	}
	return d, nil
}

// PageConfig builds the host page configuration
func (m *Manifest) PageConfig() (host.Config, error) {
	cfg := host.DefaultConfig()
	if m.Page.URL != "" {
		cfg.URL = m.Page.URL
	}
	cfg.Title = m.Page.Title
	if m.Page.UserAgent != "" {
		cfg.UserAgent = m.Page.UserAgent
	}
	cfg.VirtualTime = m.Page.VirtualTime
	cfg.HTML = m.Page.HTML
	if m.Page.Document != "" {
		data, err := os.ReadFile(m.resolve(m.Page.Document))
		if err != nil {
			return cfg, fmt.Errorf("failed to read page document: %w", err)
		}
		cfg.HTML = string(data)
	}
	return cfg, nil
}

// resolve makes a manifest-relative path usable
func (m *Manifest) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || m.dir == "" {
		return path
	}
	return filepath.Join(m.dir, path)
}
