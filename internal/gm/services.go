package gm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/gmsandbox/internal/permission"
	"github.com/GriffinCanCode/gmsandbox/internal/resource"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/store"
	"github.com/GriffinCanCode/gmsandbox/internal/transport"
)

// Services are the collaborators capabilities reach out to. Store is required;
// every other nil field falls back to a default that accepts and discards.
type Services struct {
	Store      store.Store
	Transport  transport.Transport
	Verifier   permission.Verifier
	Resources  resource.Provider
	Menus      MenuSink
	Notifier   Notifier
	Tabs       TabOpener
	Clipboard  Clipboard
	Downloader Downloader
}

func (s Services) withDefaults() Services {
	if s.Verifier == nil {
		s.Verifier = permission.AllowAll
	}
	if s.Transport == nil {
		s.Transport = noTransport{}
	}
	if s.Resources == nil {
		s.Resources = resource.NewMemory()
	}
	if s.Menus == nil {
		s.Menus = Discard
	}
	if s.Notifier == nil {
		s.Notifier = Discard
	}
	if s.Tabs == nil {
		s.Tabs = Discard
	}
	if s.Clipboard == nil {
		s.Clipboard = Discard
	}
	if s.Downloader == nil {
		s.Downloader = Discard
	}
	return s
}

// ============================================================================
// Collaborator contracts
// ============================================================================

// MenuSink shows registered menu commands to the user
type MenuSink interface {
	RegisterMenu(scriptID id.ScriptID, cmd MenuCommand)
	UnregisterMenu(scriptID id.ScriptID, key MenuKey)
}

// Notification is a desktop notification request
type Notification struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Text    string        `json:"text"`
	Image   string        `json:"image,omitempty"`
	Tag     string        `json:"tag,omitempty"`
	Silent  bool          `json:"silent,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Notifier displays notifications. Clicks and closes come back through
// Context.EmitEvent as "notificationClick" and "notificationClose".
type Notifier interface {
	Notify(ctx context.Context, scriptID id.ScriptID, n Notification) error
	UpdateNotification(ctx context.Context, scriptID id.ScriptID, n Notification) error
	CloseNotification(ctx context.Context, scriptID id.ScriptID, notificationID string) error
}

// TabOptions are the GM_openInTab options
type TabOptions struct {
	Active    bool `json:"active"`
	Insert    bool `json:"insert"`
	SetParent bool `json:"setParent"`
	Incognito bool `json:"incognito"`
}

// TabOpener opens tabs. A closed tab comes back through Context.EmitEvent as
// "tabClose".
type TabOpener interface {
	OpenTab(ctx context.Context, scriptID id.ScriptID, tabID, url string, opts TabOptions) error
	CloseTab(ctx context.Context, scriptID id.ScriptID, tabID string) error
}

// Clipboard receives GM_setClipboard writes
type Clipboard interface {
	SetClipboard(ctx context.Context, scriptID id.ScriptID, data, mimeType string) error
}

// Downloader stores a downloaded payload and returns where it went
type Downloader interface {
	Save(ctx context.Context, scriptID id.ScriptID, name string, data []byte) (string, error)
}

// ============================================================================
// Defaults
// ============================================================================

type discard struct{}

// Discard accepts every collaborator call and does nothing
var Discard = discard{}

func (discard) RegisterMenu(id.ScriptID, MenuCommand) {}
func (discard) UnregisterMenu(id.ScriptID, MenuKey)   {}
func (discard) Notify(context.Context, id.ScriptID, Notification) error {
	return nil
}
func (discard) UpdateNotification(context.Context, id.ScriptID, Notification) error {
	return nil
}
func (discard) CloseNotification(context.Context, id.ScriptID, string) error { return nil }
func (discard) OpenTab(context.Context, id.ScriptID, string, string, TabOptions) error {
	return nil
}
func (discard) CloseTab(context.Context, id.ScriptID, string) error { return nil }
func (discard) SetClipboard(context.Context, id.ScriptID, string, string) error {
	return nil
}
func (discard) Save(_ context.Context, _ id.ScriptID, name string, _ []byte) (string, error) {
	return name, nil
}

type noTransport struct{}

func (noTransport) Do(context.Context, transport.Tag, *transport.Request) (*transport.Response, error) {
	return nil, transport.ErrClosed
}

func (noTransport) Stream(context.Context, transport.Tag, *transport.Request, transport.StreamHandler) error {
	return transport.ErrClosed
}

func (noTransport) Close() error { return nil }

// Recorder keeps every collaborator call in memory. It backs the CLI and tests.
type Recorder struct {
	mu            sync.Mutex
	menus         map[id.ScriptID][]MenuCommand
	Notifications []Notification
	Closed        []string
	Tabs          []string
	Clips         []string
	Saved         map[string][]byte
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{
		menus: make(map[id.ScriptID][]MenuCommand),
		Saved: make(map[string][]byte),
	}
}

// Menus returns the commands currently registered for a script
func (r *Recorder) Menus(scriptID id.ScriptID) []MenuCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MenuCommand(nil), r.menus[scriptID]...)
}

// RegisterMenu implements MenuSink. A known key is replaced in place.
func (r *Recorder) RegisterMenu(scriptID id.ScriptID, cmd MenuCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.menus[scriptID]
	for i := range list {
		if list[i].Key == cmd.Key {
			list[i] = cmd
			return
		}
	}
	r.menus[scriptID] = append(list, cmd)
}

// UnregisterMenu implements MenuSink
func (r *Recorder) UnregisterMenu(scriptID id.ScriptID, key MenuKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.menus[scriptID]
	for i := range list {
		if list[i].Key == key {
			r.menus[scriptID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Notify implements Notifier
func (r *Recorder) Notify(_ context.Context, _ id.ScriptID, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notifications = append(r.Notifications, n)
	return nil
}

// UpdateNotification implements Notifier
func (r *Recorder) UpdateNotification(_ context.Context, _ id.ScriptID, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Notifications {
		if r.Notifications[i].ID == n.ID {
			r.Notifications[i] = n
			return nil
		}
	}
	return fmt.Errorf("notification %s not found", n.ID)
}

// CloseNotification implements Notifier
func (r *Recorder) CloseNotification(_ context.Context, _ id.ScriptID, notificationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = append(r.Closed, notificationID)
	return nil
}

// OpenTab implements TabOpener
func (r *Recorder) OpenTab(_ context.Context, _ id.ScriptID, _ string, url string, _ TabOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tabs = append(r.Tabs, url)
	return nil
}

// CloseTab implements TabOpener
func (r *Recorder) CloseTab(context.Context, id.ScriptID, string) error { return nil }

// SetClipboard implements Clipboard
func (r *Recorder) SetClipboard(_ context.Context, _ id.ScriptID, data, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Clips = append(r.Clips, data)
	return nil
}

// Save implements Downloader
func (r *Recorder) Save(_ context.Context, _ id.ScriptID, name string, data []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Saved[name] = append([]byte(nil), data...)
	return name, nil
}

// Snapshot returns copies of the recorded calls
func (r *Recorder) Snapshot() (notifications []Notification, tabs, clips []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.Notifications...),
		append([]string(nil), r.Tabs...),
		append([]string(nil), r.Clips...)
}

// DirDownloader writes downloads below a directory, one subdirectory per script
type DirDownloader struct {
	Dir string
}

// Save implements Downloader
func (d DirDownloader) Save(ctx context.Context, scriptID id.ScriptID, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." {
		return "", fmt.Errorf("invalid download name")
	}
	dir := filepath.Join(d.Dir, string(scriptID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	return path, nil
}
