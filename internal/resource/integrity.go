package resource

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// ErrIntegrity is returned when content does not match the hash pinned in its URL
var ErrIntegrity = errors.New("integrity check failed")

var hashes = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// Integrity is a hash pinned by a @require or @resource URL fragment,
// e.g. "#sha256=..." or "#md5=...,sha256=...".
type Integrity struct {
	Algorithm string
	// Digest holds the raw bytes; the fragment may carry hex or base64
	Digest []byte
}

// ParseIntegrity reads every recognised hash from the fragment of url. Unknown
// algorithms and undecodable digests are ignored.
func ParseIntegrity(url string) []Integrity {
	i := strings.IndexByte(url, '#')
	if i < 0 {
		return nil
	}
	var out []Integrity
	for _, part := range strings.FieldsFunc(url[i+1:], func(r rune) bool { return r == ',' || r == ';' }) {
		alg, value, ok := cutAlgorithm(part, "=")
		if !ok {
			// SRI form
			alg, value, ok = cutAlgorithm(part, "-")
		}
		if !ok {
			continue
		}
		if digest, ok := decodeDigest(alg, strings.TrimSpace(value)); ok {
			out = append(out, Integrity{Algorithm: alg, Digest: digest})
		}
	}
	return out
}

func cutAlgorithm(part, sep string) (string, string, bool) {
	alg, value, ok := strings.Cut(part, sep)
	alg = strings.ToLower(strings.TrimSpace(alg))
	if !ok || hashes[alg] == nil {
		return "", "", false
	}
	return alg, value, true
}

func decodeDigest(alg, value string) ([]byte, bool) {
	size := hashes[alg]().Size()
	if b, err := hex.DecodeString(value); err == nil && len(b) == size {
		return b, true
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil && len(b) == size {
		return b, true
	}
	return nil, false
}

// Verify checks data against every hash pinned in url. URLs without a
// recognised hash always pass.
func Verify(url string, data []byte) error {
	for _, in := range ParseIntegrity(url) {
		h := hashes[in.Algorithm]()
		h.Write(data)
		if sum := h.Sum(nil); string(sum) != string(in.Digest) {
			return fmt.Errorf("%w: %s of %s is %s", ErrIntegrity, in.Algorithm, stripFragment(url), hex.EncodeToString(sum))
		}
	}
	return nil
}

func stripFragment(url string) string {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[:i]
	}
	return url
}
