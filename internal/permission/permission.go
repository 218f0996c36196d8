package permission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
)

// ErrDenied is returned when a request is not covered by the script's metadata
var ErrDenied = errors.New("permission denied")

// Request describes one privileged operation
type Request struct {
	Script *types.Script
	// Capabilities lists the grant names that authorize the operation; any one suffices
	Capabilities []string
	// URL is the target of a network operation, empty otherwise
	URL string
	// PageURL is the location of the page the script runs in
	PageURL string
}

// Verifier decides whether a request may proceed
type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(ctx context.Context, req Request) error

// Verify implements Verifier
func (f VerifierFunc) Verify(ctx context.Context, req Request) error { return f(ctx, req) }

// AllowAll accepts every request
var AllowAll Verifier = VerifierFunc(func(context.Context, Request) error { return nil })

// ConnectVerifier checks grant membership and, for network requests, the @connect
// list. A target on the page's own host is always allowed; "*" allows any host; a
// plain domain also covers its subdomains; other entries are host globs.
type ConnectVerifier struct {
	logger *logging.Logger
}

// NewConnectVerifier creates a ConnectVerifier
func NewConnectVerifier(logger *logging.Logger) *ConnectVerifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ConnectVerifier{logger: logger.Named("permission")}
}

// Verify implements Verifier
func (v *ConnectVerifier) Verify(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Script == nil {
		return fmt.Errorf("%w: no script", ErrDenied)
	}
	if len(req.Capabilities) > 0 && !granted(req.Script, req.Capabilities) {
		v.logger.Debug("capability not granted",
			zap.String("script", req.Script.Name),
			zap.Strings("capabilities", req.Capabilities))
		return fmt.Errorf("%w: %s not granted", ErrDenied, req.Capabilities[0])
	}
	if req.URL == "" {
		return nil
	}

	target, err := url.Parse(req.URL)
	if err != nil || target.Hostname() == "" {
		return fmt.Errorf("%w: invalid url %q", ErrDenied, req.URL)
	}
	host := strings.ToLower(target.Hostname())

	if page, err := url.Parse(req.PageURL); err == nil && strings.EqualFold(page.Hostname(), host) {
		return nil
	}
	for _, pattern := range req.Script.Connects {
		if MatchConnect(pattern, host) {
			return nil
		}
	}
	v.logger.Debug("connect denied",
		zap.String("script", req.Script.Name),
		zap.String("host", host))
	return fmt.Errorf("%w: %s is not in @connect", ErrDenied, host)
}

// MatchConnect reports whether a @connect entry covers host
func MatchConnect(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(host)
	switch {
	case pattern == "":
		return false
	case pattern == "*":
		return true
	case pattern == host:
		return true
	case !strings.ContainsAny(pattern, "*?[{"):
		return strings.HasSuffix(host, "."+pattern)
	}
	ok, err := doublestar.Match(pattern, host)
	return err == nil && ok
}

func granted(script *types.Script, names []string) bool {
	for _, name := range names {
		if script.HasGrant(name) {
			return true
		}
	}
	return false
}
