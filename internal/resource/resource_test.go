package resource

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAddAndLookup(t *testing.T) {
	m := NewMemory()
	r := m.Add("s1", "css", "https://cdn.test/a.css", "text/css", []byte("body{}"))
	assert.Equal(t, "text/css", r.ContentType)

	got, ok := m.Resource("s1", "css")
	require.True(t, ok)
	assert.Same(t, r, got)

	_, ok = m.Resource("s1", "missing")
	assert.False(t, ok)
	_, ok = m.Resource("s2", "css")
	assert.False(t, ok)
}

func TestContentTypeDetected(t *testing.T) {
	m := NewMemory()
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	r := m.Add("s1", "logo", "", "", png)
	assert.Equal(t, "image/png", r.ContentType)
	assert.True(t, strings.HasPrefix(r.DataURL(), "data:image/png;base64,"))
}

func TestDataURL(t *testing.T) {
	r := &Resource{ContentType: "text/plain", Data: []byte("hi")}
	assert.Equal(t, "data:text/plain;base64,aGk=", r.DataURL())
}

func TestTextDecoding(t *testing.T) {
	tests := []struct {
		name string
		r    Resource
		want string
	}{
		{"utf-8 passthrough", Resource{Data: []byte("héllo")}, "héllo"},
		{"declared latin1", Resource{ContentType: "text/plain; charset=ISO-8859-1", Data: []byte{'c', 'a', 'f', 0xe9}}, "café"},
		{"declared utf-8", Resource{ContentType: `text/plain; charset="utf-8"`, Data: []byte("ok")}, "ok"},
		{"empty", Resource{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Text())
		})
	}
}

func TestAddFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.js")
	require.NoError(t, os.WriteFile(path, []byte("var lib = 1;\n"), 0o644))

	m := NewMemory()
	r, err := m.AddFile("s1", "https://cdn.test/lib.js", "https://cdn.test/lib.js", path)
	require.NoError(t, err)
	assert.Equal(t, "var lib = 1;\n", r.Text())
	assert.NotEmpty(t, r.ContentType)

	_, err = m.AddFile("s1", "x", "", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestDetectCharsetDefaults(t *testing.T) {
	assert.NotEmpty(t, DetectCharset([]byte("plain ascii text that is long enough to detect")))
}
