package types

import (
	"time"

	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
)

// ScriptType distinguishes page scripts from scripts without a page
type ScriptType string

const (
	ScriptTypeNormal     ScriptType = "normal"
	ScriptTypeBackground ScriptType = "background"
	ScriptTypeCrontab    ScriptType = "crontab"
)

// GrantNone is the grant sentinel that selects bound mode
const GrantNone = "none"

// RunAt values from the metadata block
const (
	RunAtDocumentStart = "document-start"
	RunAtDocumentBody  = "document-body"
	RunAtDocumentEnd   = "document-end"
	RunAtDocumentIdle  = "document-idle"
)

// ResourceDecl is one @resource line
type ResourceDecl struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// Script is an installed userscript
type Script struct {
	ID          id.ScriptID    `json:"uuid" yaml:"uuid"`
	Name        string         `json:"name" yaml:"name"`
	Namespace   string         `json:"namespace" yaml:"namespace"`
	Version     string         `json:"version" yaml:"version"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Author      string         `json:"author,omitempty" yaml:"author"`
	Type        ScriptType     `json:"type" yaml:"type"`
	Grants      []string       `json:"grant" yaml:"grant"`
	Connects    []string       `json:"connect,omitempty" yaml:"connect"`
	Resources   []ResourceDecl `json:"resource,omitempty" yaml:"resource"`
	Requires    []string       `json:"require,omitempty" yaml:"require"`
	Matches     []string       `json:"match,omitempty" yaml:"match"`
	RunAt       string         `json:"runAt,omitempty" yaml:"run_at"`
	EarlyStart  bool           `json:"earlyStart,omitempty" yaml:"early_start"`
	Crontab     string         `json:"crontab,omitempty" yaml:"crontab"`
	NoFrames    bool           `json:"noframes,omitempty" yaml:"noframes"`
	Code        string         `json:"-" yaml:"code"`

	// Metadata holds every header key as parsed, including unknown ones
	Metadata  map[string][]string `json:"metadata,omitempty" yaml:"-"`
	MetaStr   string              `json:"-" yaml:"-"`
	UpdatedAt time.Time           `json:"updatetime" yaml:"-"`
}

// IsBackground reports whether the script runs without a page
func (s *Script) IsBackground() bool {
	return s.Type == ScriptTypeBackground || s.Type == ScriptTypeCrontab
}

// BoundMode reports whether the script declared the "none" grant
func (s *Script) BoundMode() bool {
	for _, g := range s.Grants {
		if g == GrantNone {
			return true
		}
	}
	return false
}

// HasGrant reports whether name appears in the grant list
func (s *Script) HasGrant(name string) bool {
	for _, g := range s.Grants {
		if g == name {
			return true
		}
	}
	return false
}

// GrantSet returns the grant list with duplicates removed, first occurrence kept
func (s *Script) GrantSet() []string {
	seen := make(map[string]struct{}, len(s.Grants))
	out := make([]string, 0, len(s.Grants))
	for _, g := range s.Grants {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// UserAgentData mirrors navigator.userAgentData
type UserAgentData struct {
	Brands   []Brand `json:"brands"`
	Mobile   bool    `json:"mobile"`
	Platform string  `json:"platform"`
}

// Brand is one userAgentData brand entry
type Brand struct {
	Brand   string `json:"brand"`
	Version string `json:"version"`
}

// Environment holds page facts exposed through GM_info. Early-start scripts see a
// placeholder until the host corrects it.
type Environment struct {
	IsIncognito   bool          `json:"isIncognito"`
	SandboxMode   string        `json:"sandboxMode"`
	UserAgentData UserAgentData `json:"userAgentData"`
	TabID         int           `json:"tabId"`
	FrameID       int           `json:"frameId"`
	Placeholder   bool          `json:"-"`
}

// PlaceholderEnvironment is what early-start scripts observe before correction
func PlaceholderEnvironment() Environment {
	return Environment{
		SandboxMode: "raw",
		UserAgentData: UserAgentData{
			Brands: []Brand{},
		},
		TabID:       -1,
		FrameID:     -1,
		Placeholder: true,
	}
}

// ValueChange is one key mutation. Deleted is set when Value is absent.
type ValueChange struct {
	Key     string
	Value   []byte // JSON
	Deleted bool
}

// ValueUpdate is a change record fanned out by the value store
type ValueUpdate struct {
	ScriptID id.ScriptID
	// Sender is the run flag of the context that made the change
	Sender  id.RunFlag
	Changes []ValueChange
	// OldValues holds the JSON previously stored for each changed key, nil when absent
	OldValues map[string][]byte
}
