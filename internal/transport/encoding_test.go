package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const encodedText = "the quick brown fox jumps over the lazy dog"

func encodedServer(t *testing.T) *httptest.Server {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstdBody := enc.EncodeAll([]byte(encodedText), nil)
	require.NoError(t, enc.Close())

	var deflateBody bytes.Buffer
	zw := zlib.NewWriter(&deflateBody)
	_, err = zw.Write([]byte(encodedText))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/zstd":
			w.Header().Set("Content-Encoding", "zstd")
			w.Write(zstdBody)
		case "/deflate":
			w.Header().Set("Content-Encoding", "deflate")
			w.Write(deflateBody.Bytes())
		case "/broken":
			w.Header().Set("Content-Encoding", "zstd")
			w.Write([]byte("not zstd"))
		default:
			w.Write([]byte(encodedText))
		}
	}))
}

func TestHTTPDecodesBody(t *testing.T) {
	srv := encodedServer(t)
	defer srv.Close()
	tr := NewHTTP(testConfig(), nil)

	for _, path := range []string{"/zstd", "/deflate", "/plain"} {
		t.Run(strings.TrimPrefix(path, "/"), func(t *testing.T) {
			resp, err := tr.Do(context.Background(), testTag, &Request{
				URL:     srv.URL + path,
				Headers: map[string]string{"Accept-Encoding": "zstd, deflate"},
			})
			require.NoError(t, err)
			assert.Equal(t, encodedText, string(resp.Body))
			assert.Empty(t, resp.Headers.Get("Content-Encoding"))
		})
	}

	_, err := tr.Do(context.Background(), testTag, &Request{URL: srv.URL + "/broken"})
	assert.Error(t, err)
}

func TestHTTPStreamDecodesBody(t *testing.T) {
	srv := encodedServer(t)
	defer srv.Close()
	tr := NewHTTP(testConfig(), nil)

	var got bytes.Buffer
	var total int64
	err := tr.Stream(context.Background(), testTag, &Request{URL: srv.URL + "/zstd"}, StreamHandler{
		OnChunk: func(c Chunk) error {
			got.Write(c.Data)
			total = c.Total
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, encodedText, got.String())
	assert.EqualValues(t, -1, total)
}
