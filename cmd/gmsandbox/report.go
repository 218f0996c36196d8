package main

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/gmsandbox/internal/app"
	"github.com/GriffinCanCode/gmsandbox/internal/gm"
	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/runner"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/store"
)

type report struct {
	Page          string            `json:"page"`
	Scripts       []scriptReport    `json:"scripts"`
	Skipped       []string          `json:"skipped,omitempty"`
	Console       []consoleLine     `json:"console,omitempty"`
	Notifications []gm.Notification `json:"notifications,omitempty"`
	Tabs          []string          `json:"tabs,omitempty"`
	Clipboard     []string          `json:"clipboard,omitempty"`
}

type scriptReport struct {
	Name   string         `json:"name"`
	ID     string         `json:"id"`
	Mode   string         `json:"mode"`
	State  string         `json:"state"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Menus  []string       `json:"menus,omitempty"`
	Values map[string]any `json:"values,omitempty"`

	failed bool
}

type consoleLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func buildReport(mgr *app.Manager, page *host.Page, st *store.Memory, rec *gm.Recorder) *report {
	rep := &report{Page: page.URL(), Skipped: mgr.Skipped()}
	for _, s := range mgr.Status() {
		sr := scriptReport{
			Name:   s.Name,
			ID:     s.ID,
			Mode:   s.Mode,
			State:  s.State.String(),
			Result: s.Result,
			Error:  s.Error,
			failed: s.State == runner.Failed,
		}
		for _, cmd := range s.Menus {
			sr.Menus = append(sr.Menus, cmd.Name)
		}
		if values, _, err := st.Decode(id.ScriptID(s.ID)); err == nil && len(values) > 0 {
			sr.Values = values
		}
		rep.Scripts = append(rep.Scripts, sr)
	}
	for _, e := range page.Console() {
		rep.Console = append(rep.Console, consoleLine{Level: e.Level, Message: e.Message})
	}
	rep.Notifications, rep.Tabs, rep.Clipboard = rec.Snapshot()
	return rep
}

func (r *report) failed() bool {
	for _, s := range r.Scripts {
		if s.failed {
			return true
		}
	}
	return false
}

func (r *report) write(out io.Writer, format string) error {
	if format == "json" {
		return writeJSON(out, r)
	}

	fmt.Fprintf(out, "page %s\n", r.Page)
	for _, s := range r.Scripts {
		fmt.Fprintf(out, "script %s [%s] %s\n", s.Name, s.Mode, s.State)
		if s.Result != "" {
			fmt.Fprintf(out, "  result: %s\n", s.Result)
		}
		if s.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", s.Error)
		}
		for _, m := range s.Menus {
			fmt.Fprintf(out, "  menu: %s\n", m)
		}
		if len(s.Values) > 0 {
			data, err := sonic.ConfigStd.Marshal(s.Values)
			if err != nil {
				return fmt.Errorf("failed to encode values of %s: %w", s.Name, err)
			}
			fmt.Fprintf(out, "  values: %s\n", data)
		}
	}
	for _, name := range r.Skipped {
		fmt.Fprintf(out, "skipped %s: page not matched\n", name)
	}
	for _, c := range r.Console {
		fmt.Fprintf(out, "console [%s] %s\n", c.Level, c.Message)
	}
	for _, n := range r.Notifications {
		fmt.Fprintf(out, "notification %s: %s: %s\n", n.ID, n.Title, n.Text)
	}
	for _, t := range r.Tabs {
		fmt.Fprintf(out, "tab %s\n", t)
	}
	for _, c := range r.Clipboard {
		fmt.Fprintf(out, "clipboard %s\n", c)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}
