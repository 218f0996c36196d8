package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/resilience"
)

var testTag = Tag{ScriptID: "script-1", RunFlag: "run-1"}

func testConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}
}

func TestHTTPDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/redirect":
			http.Redirect(w, r, "/final", http.StatusFound)
		case "/final":
			w.Header().Set("X-Seen", r.Header.Get("X-Custom"))
			fmt.Fprint(w, "done")
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			user, pass, _ := r.BasicAuth()
			w.Header().Set("X-Cookie", r.Header.Get("Cookie"))
			fmt.Fprintf(w, "%s %s %s:%s", r.Method, body, user, pass)
		}
	}))
	defer srv.Close()

	tr := NewHTTP(testConfig(), nil)
	ctx := context.Background()

	resp, err := tr.Do(ctx, testTag, &Request{URL: srv.URL + "/redirect", Headers: map[string]string{"X-Custom": "yes"}})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.StatusText)
	assert.Equal(t, "done", string(resp.Body))
	assert.Equal(t, srv.URL+"/final", resp.FinalURL)
	assert.Equal(t, "yes", resp.Headers.Get("X-Seen"))

	resp, err = tr.Do(ctx, testTag, &Request{
		Method:    http.MethodPost,
		URL:       srv.URL + "/echo",
		Body:      []byte("payload"),
		User:      "u",
		Password:  "p",
		Anonymous: true,
		Headers:   map[string]string{"Cookie": "a=b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "POST payload u:p", string(resp.Body))
	assert.Empty(t, resp.Headers.Get("X-Cookie"))
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "recovered")
	}))
	defer srv.Close()

	tr := NewHTTP(testConfig(), nil)
	resp, err := tr.Do(context.Background(), testTag, &Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "recovered", string(resp.Body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPPassesThroughFinalServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "down")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 0
	tr := NewHTTP(cfg, nil)
	resp, err := tr.Do(context.Background(), testTag, &Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Equal(t, "down", string(resp.Body))

	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, resilience.StateClosed, tr.Breakers()[host])
}

func TestHTTPStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/plain")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "part%d;", i)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	tr := NewHTTP(testConfig(), nil)
	var got strings.Builder
	var status int
	var lastLoaded int64
	err := tr.Stream(context.Background(), testTag, &Request{URL: srv.URL}, StreamHandler{
		OnResponse: func(r *Response) {
			assert.Zero(t, got.Len(), "headers arrive before chunks")
			status = r.Status
		},
		OnChunk: func(c Chunk) error {
			got.Write(c.Data)
			assert.Greater(t, c.Loaded, lastLoaded)
			lastLoaded = c.Loaded
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "part0;part1;part2;", got.String())
	assert.Equal(t, int64(len("part0;part1;part2;")), lastLoaded)
}

func TestHTTPStreamAbortFromHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data")
	}))
	defer srv.Close()

	tr := NewHTTP(testConfig(), nil)
	stop := fmt.Errorf("stop")
	err := tr.Stream(context.Background(), testTag, &Request{URL: srv.URL}, StreamHandler{
		OnChunk: func(Chunk) error { return stop },
	})
	assert.ErrorIs(t, err, stop)
}

func TestHTTPErrors(t *testing.T) {
	tr := NewHTTP(testConfig(), nil)

	_, err := tr.Do(context.Background(), testTag, &Request{URL: "not a url"})
	assert.Error(t, err)

	require.NoError(t, tr.Close())
	_, err = tr.Do(context.Background(), testTag, &Request{URL: "http://example.test/"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPRateLimitPerScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	tr := NewHTTP(cfg, nil)

	_, err := tr.Do(context.Background(), testTag, &Request{URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Do(ctx, testTag, &Request{URL: srv.URL})
	assert.ErrorContains(t, err, "rate limit")

	// another script has its own budget
	_, err = tr.Do(context.Background(), Tag{ScriptID: "script-2"}, &Request{URL: srv.URL})
	assert.NoError(t, err)
}

func TestHTTPConfigFrom(t *testing.T) {
	cfg := HTTPConfigFrom(config.Default().Transport)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "gmsandbox/1.0", cfg.UserAgent)
}
