package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodeStream undoes a Content-Encoding the HTTP stack leaves in place. gzip
// is inflated by net/http and resty already. On success the encoding headers
// are dropped, since the body no longer matches them.
func decodeStream(h http.Header, body io.ReadCloser) (io.ReadCloser, bool, error) {
	var (
		r   io.ReadCloser
		err error
	)
	switch strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding"))) {
	case "zstd":
		var d *zstd.Decoder
		if d, err = zstd.NewReader(body); err == nil {
			r = d.IOReadCloser()
		}
	case "deflate":
		r, err = zlib.NewReader(body)
	default:
		return body, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode %s body: %w", h.Get("Content-Encoding"), err)
	}
	h.Del("Content-Encoding")
	h.Del("Content-Length")
	return &decodedBody{ReadCloser: r, raw: body}, true, nil
}

func decodeBody(h http.Header, body []byte) ([]byte, error) {
	r, decoded, err := decodeStream(h, io.NopCloser(bytes.NewReader(body)))
	if err != nil || !decoded {
		return body, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	return out, nil
}

// decodedBody closes the decoder and the raw body beneath it
type decodedBody struct {
	io.ReadCloser
	raw io.Closer
}

func (d *decodedBody) Close() error {
	d.ReadCloser.Close()
	return d.raw.Close()
}
