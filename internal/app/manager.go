package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/gm"
	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/metablock"
	"github.com/GriffinCanCode/gmsandbox/internal/runner"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/snapshot"
)

var (
	// ErrUnknownScript is returned when no loaded script has the given name
	ErrUnknownScript = errors.New("unknown script")
	// ErrUnknownCommand is returned when a script has no such menu command
	ErrUnknownCommand = errors.New("unknown menu command")
)

// Options configure a Manager
type Options struct {
	Page     *host.Page
	Services gm.Services
	// Environment is what scripts see once the page is ready. Early-start
	// scripts see a placeholder until Ready.
	Environment types.Environment
	Config      config.SandboxConfig
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
}

// Status is a point-in-time view of one script
type Status struct {
	ID      string
	Name    string
	RunFlag string
	Mode    string
	State   runner.State
	Result  string
	Error   string
	Menus   []gm.MenuCommand
}

// Manager orchestrates the scripts loaded into one page. Every method except
// Status must be called on the page loop goroutine.
type Manager struct {
	opts      Options
	snapshots *snapshot.Builder
	logger    *logging.Logger

	runners []*runner.Runner
	byName  map[string]*runner.Runner
	skipped []string
	ready   bool

	mu     sync.RWMutex
	status []Status
}

// NewManager creates a manager for a page
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Manager{
		opts:      opts,
		snapshots: snapshot.NewBuilder(opts.Page, nil, opts.Logger, opts.Metrics),
		logger:    opts.Logger.Named("app"),
		byName:    make(map[string]*runner.Runner),
	}
}

// Spawn builds a runner for script. Scripts whose @match patterns exclude the
// page are skipped and return (nil, nil).
func (m *Manager) Spawn(ctx context.Context, script *types.Script) (*runner.Runner, error) {
	if _, dup := m.byName[script.Name]; dup {
		return nil, fmt.Errorf("script %q is already loaded", script.Name)
	}
	if !script.IsBackground() && !metablock.MatchURL(script.Matches, m.opts.Page.URL()) {
		m.skipped = append(m.skipped, script.Name)
		m.logger.Info("script does not match page",
			zap.String("script", script.Name),
			zap.String("url", m.opts.Page.URL()))
		return nil, nil
	}

	env := m.opts.Environment
	if script.EarlyStart && !m.ready {
		env = types.PlaceholderEnvironment()
	}
	r, err := runner.New(runner.Deps{
		Page:        m.opts.Page,
		Snapshots:   m.snapshots,
		Services:    m.opts.Services,
		Environment: env,
		Config:      m.opts.Config,
		Logger:      m.opts.Logger,
		Metrics:     m.opts.Metrics,
	}, script)
	if err != nil {
		return nil, err
	}
	if err := r.Build(ctx); err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", script.Name, err)
	}

	m.runners = append(m.runners, r)
	m.byName[script.Name] = r
	m.refresh()
	return r, nil
}

// Start executes every built runner in run-at order. A script's failure is
// recorded on its runner and does not stop the others.
func (m *Manager) Start() {
	ordered := append([]*runner.Runner(nil), m.runners...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return runAtRank(ordered[i].Script()) < runAtRank(ordered[j].Script())
	})
	for _, r := range ordered {
		if r.State() != runner.ContextBuilt {
			continue
		}
		if _, err := r.Exec(); err != nil {
			var retry *runner.RetryError
			if errors.As(err, &retry) {
				continue
			}
			m.logger.Warn("script failed", zap.String("script", r.Script().Name), zap.Error(err))
		}
	}
	m.refresh()
}

// Ready corrects the environment of early-start scripts. It returns how many
// scripts were corrected.
func (m *Manager) Ready() int {
	m.ready = true
	n := 0
	for _, r := range m.runners {
		if r.Correct(m.opts.Environment) {
			n++
		}
	}
	return n
}

// Dispatch fires a page event
func (m *Manager) Dispatch(typ string, detail any) (bool, error) {
	ok, err := m.opts.Page.Dispatch(typ, detail)
	m.refresh()
	return ok, err
}

// ClickMenu fires the menu command of a script. command matches the
// command's name or its key.
func (m *Manager) ClickMenu(scriptName, command string) error {
	r, ok := m.byName[scriptName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScript, scriptName)
	}
	if r.Context() == nil {
		return fmt.Errorf("%w: %s has no menu", ErrUnknownCommand, scriptName)
	}
	for _, cmd := range r.Context().Menus() {
		if cmd.Name == command || cmd.Key.Value == command {
			if r.EmitEvent(gm.EventMenuClick, cmd.Key.EventID(), nil) {
				m.refresh()
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s in %s", ErrUnknownCommand, command, scriptName)
}

// Drain runs the page loop until it is idle or ctx ends
func (m *Manager) Drain(ctx context.Context) error {
	err := m.opts.Page.Loop().Drain(ctx)
	m.refresh()
	return err
}

// Stop stops every runner
func (m *Manager) Stop() {
	for _, r := range m.runners {
		r.Stop()
	}
	m.refresh()
}

// Runner returns the runner of a loaded script
func (m *Manager) Runner(name string) (*runner.Runner, bool) {
	r, ok := m.byName[name]
	return r, ok
}

// Skipped lists the scripts whose @match excluded the page
func (m *Manager) Skipped() []string {
	return append([]string(nil), m.skipped...)
}

// Status returns the last recorded view of every runner in load order. It is
// safe to call from any goroutine.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Status(nil), m.status...)
}

func (m *Manager) refresh() {
	status := make([]Status, 0, len(m.runners))
	for _, r := range m.runners {
		st := Status{
			ID:      r.Script().ID.String(),
			Name:    r.Script().Name,
			RunFlag: r.RunFlag().String(),
			Mode:    mode(r.Script()),
			State:   r.State(),
			Result:  resultString(r.Result()),
		}
		if err := r.Err(); err != nil {
			st.Error = err.Error()
		}
		if r.Context() != nil {
			st.Menus = r.Context().Menus()
		}
		status = append(status, st)
	}
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

func mode(s *types.Script) string {
	if s.BoundMode() {
		return "bound"
	}
	return "sandboxed"
}

func resultString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// runAtRank orders document-start before body, end and idle. Early-start
// scripts go first.
func runAtRank(s *types.Script) int {
	if s.EarlyStart {
		return 0
	}
	switch s.RunAt {
	case types.RunAtDocumentStart:
		return 1
	case types.RunAtDocumentBody:
		return 2
	case types.RunAtDocumentEnd:
		return 3
	default:
		return 4
	}
}
