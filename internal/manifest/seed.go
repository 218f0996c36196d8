package manifest

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/metablock"
	"github.com/GriffinCanCode/gmsandbox/internal/resource"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/store"
	"github.com/GriffinCanCode/gmsandbox/internal/transport"
)

// Loaded is a parsed script together with its manifest entry
type Loaded struct {
	Script *types.Script
	Spec   Script
}

// LoadScripts reads every script in manifest order and parses its metadata
func (m *Manifest) LoadScripts(parser *metablock.Parser) ([]Loaded, error) {
	if parser == nil {
		parser = metablock.NewParser()
	}
	out := make([]Loaded, 0, len(m.Scripts))
	seen := make(map[id.ScriptID]string, len(m.Scripts))
	for i, spec := range m.Scripts {
		code := spec.Code
		if spec.Path != "" {
			data, err := os.ReadFile(m.resolve(spec.Path))
			if err != nil {
				return nil, fmt.Errorf("scripts[%d]: failed to read %s: %w", i, spec.Path, err)
			}
			code = string(data)
		}
		script, err := parser.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("scripts[%d]: %w", i, err)
		}
		if prev, ok := seen[script.ID]; ok {
			return nil, fmt.Errorf("scripts[%d]: %q duplicates %q", i, script.Name, prev)
		}
		seen[script.ID] = script.Name
		out = append(out, Loaded{Script: script, Spec: spec})
	}
	return out, nil
}

// Seeder installs manifest values and resources into the in-memory
// collaborators. Content a script declares but the manifest does not supply is
// fetched through Transport; with no Transport it is an error.
type Seeder struct {
	Store     *store.Memory
	Resources *resource.Memory
	Transport transport.Transport
	Logger    *logging.Logger
}

// Seed registers every loaded script with its values, resources and requires
func (s *Seeder) Seed(ctx context.Context, m *Manifest, loaded []Loaded) error {
	if s.Logger == nil {
		s.Logger = logging.Nop()
	}
	for _, l := range loaded {
		if err := s.Store.Seed(l.Script.ID, l.Spec.Values); err != nil {
			return fmt.Errorf("script %s: %w", l.Script.Name, err)
		}
		if err := s.seedResources(ctx, m, l); err != nil {
			return fmt.Errorf("script %s: %w", l.Script.Name, err)
		}
		if err := s.seedRequires(ctx, m, l); err != nil {
			return fmt.Errorf("script %s: %w", l.Script.Name, err)
		}
	}
	return nil
}

func (s *Seeder) seedResources(ctx context.Context, m *Manifest, l Loaded) error {
	provided := make(map[string]bool, len(l.Spec.Resources))
	for _, r := range l.Spec.Resources {
		if err := s.add(ctx, m, l.Script.ID, r.Name, r); err != nil {
			return err
		}
		provided[r.Name] = true
	}
	for _, decl := range l.Script.Resources {
		if provided[decl.Name] {
			continue
		}
		if err := s.add(ctx, m, l.Script.ID, decl.Name, Resource{Name: decl.Name, URL: decl.URL}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Seeder) seedRequires(ctx context.Context, m *Manifest, l Loaded) error {
	provided := make(map[string]bool, len(l.Spec.Requires))
	for _, r := range l.Spec.Requires {
		if err := s.add(ctx, m, l.Script.ID, r.URL, r); err != nil {
			return err
		}
		provided[r.URL] = true
	}
	for _, url := range l.Script.Requires {
		if provided[url] {
			continue
		}
		if err := s.add(ctx, m, l.Script.ID, url, Resource{URL: url}); err != nil {
			return err
		}
	}
	return nil
}

// add stores r under name, taking content from Text, Path or URL in that order.
// A hash pinned in the URL fragment is checked whatever the source.
func (s *Seeder) add(ctx context.Context, m *Manifest, scriptID id.ScriptID, name string, r Resource) error {
	var (
		data        []byte
		contentType = r.ContentType
	)
	switch {
	case r.Text != "":
		data = []byte(r.Text)
	case r.Path != "":
		path := m.resolve(r.Path)
		if contentType == "" {
			res, err := s.Resources.AddFile(scriptID, name, r.URL, path)
			if err != nil {
				return err
			}
			return verify(name, r.URL, res.Data)
		}
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("failed to read resource %s: %w", name, err)
		}
	default:
		var (
			fetched string
			err     error
		)
		if data, fetched, err = s.fetch(ctx, scriptID, r.URL); err != nil {
			return fmt.Errorf("resource %s: %w", name, err)
		}
		if contentType == "" {
			contentType = fetched
		}
	}
	if err := verify(name, r.URL, data); err != nil {
		return err
	}
	s.Resources.Add(scriptID, name, r.URL, contentType, data)
	return nil
}

func verify(name, url string, data []byte) error {
	if err := resource.Verify(url, data); err != nil {
		return fmt.Errorf("resource %s: %w", name, err)
	}
	return nil
}

func (s *Seeder) fetch(ctx context.Context, scriptID id.ScriptID, url string) ([]byte, string, error) {
	if s.Transport == nil {
		return nil, "", fmt.Errorf("%s is not supplied and no transport is configured", url)
	}
	resp, err := s.Transport.Do(ctx, transport.Tag{ScriptID: scriptID}, &transport.Request{
		Method: http.MethodGet,
		URL:    url,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.Status >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("failed to fetch %s: server responded %d", url, resp.Status)
	}
	s.Logger.Debug("fetched script dependency",
		zap.String("script", scriptID.String()),
		zap.String("url", url),
		zap.Int("bytes", len(resp.Body)))
	return resp.Body, resp.Headers.Get("Content-Type"), nil
}
