package resource

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"

	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
)

// Resource is a pre-fetched @resource or @require payload
type Resource struct {
	Name        string
	URL         string
	ContentType string
	Data        []byte
}

// Provider looks up pre-fetched resources synchronously
type Provider interface {
	Resource(scriptID id.ScriptID, name string) (*Resource, bool)
}

// Text decodes the payload to UTF-8. The charset comes from the content type
// when declared, otherwise it is detected.
func (r *Resource) Text() string {
	if len(r.Data) == 0 {
		return ""
	}
	label := declaredCharset(r.ContentType)
	if label == "" {
		if utf8.Valid(r.Data) {
			return string(r.Data)
		}
		label = DetectCharset(r.Data)
	}
	if label == "utf-8" || label == "utf8" {
		return string(r.Data)
	}
	reader, err := charset.NewReaderLabel(label, bytes.NewReader(r.Data))
	if err != nil {
		return string(r.Data)
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return string(r.Data)
	}
	return string(decoded)
}

// DataURL returns the payload as a base64 data URI
func (r *Resource) DataURL() string {
	mime := r.ContentType
	if mime == "" {
		mime = mimetype.Detect(r.Data).String()
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(r.Data)
}

// DetectCharset guesses the charset of data, defaulting to utf-8
func DetectCharset(data []byte) string {
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}

func declaredCharset(contentType string) string {
	for _, part := range strings.Split(contentType, ";") {
		part = strings.TrimSpace(part)
		if k, v, ok := strings.Cut(part, "="); ok && strings.EqualFold(strings.TrimSpace(k), "charset") {
			return strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))
		}
	}
	return ""
}

// Memory is an in-process Provider keyed by script and resource name. Required
// scripts are stored under their URL.
type Memory struct {
	mu        sync.RWMutex
	resources map[id.ScriptID]map[string]*Resource
}

// NewMemory creates an empty provider
func NewMemory() *Memory {
	return &Memory{resources: make(map[id.ScriptID]map[string]*Resource)}
}

// Add stores data under name. An empty contentType is detected from the bytes.
func (m *Memory) Add(scriptID id.ScriptID, name, url, contentType string, data []byte) *Resource {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	r := &Resource{
		Name:        name,
		URL:         url,
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resources[scriptID] == nil {
		m.resources[scriptID] = make(map[string]*Resource)
	}
	m.resources[scriptID][name] = r
	return r
}

// AddFile reads path and stores it under name
func (m *Memory) AddFile(scriptID id.ScriptID, name, url, path string) (*Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", name, err)
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect resource type %s: %w", name, err)
	}
	return m.Add(scriptID, name, url, mtype.String(), data), nil
}

// Resource implements Provider
func (m *Memory) Resource(scriptID id.ScriptID, name string) (*Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[scriptID][name]
	return r, ok
}
