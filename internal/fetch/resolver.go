package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	logx "mediabot/pkg/logx"
)

var (
	ErrInvalidLocator = errors.New("invalid locator")
	ErrHostNotAllowed = errors.New("host not allowed")
	ErrTooManyHops    = errors.New("too many redirects")
	ErrUnreachable    = errors.New("locator unreachable")
)

const (
	defaultMaxRedirects   = 5
	defaultMaxURLLength   = 2048
	defaultResolveTimeout = 10 * time.Second
)

type ResolverConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	MaxURLLength int
	// AllowedHosts restricts locators to these hosts and their subdomains.
	// Empty allows any host.
	AllowedHosts []string
	// AllowPrivate lets links reach loopback, private and link-local
	// addresses. Off, the resolver refuses to connect to them.
	AllowPrivate bool
}

// Resolver turns a user-submitted link into its canonical post-redirect
// form.
type Resolver struct {
	cfg    ResolverConfig
	client *http.Client
	log    logx.Logger
}

func NewResolver(cfg ResolverConfig, log logx.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultResolveTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = defaultMaxURLLength
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{cfg: cfg, log: log}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.AllowPrivate {
		// A proxy would hide the real destination from the dial check.
		tr.Proxy = nil
		tr.DialContext = (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
			Control:   publicOnly,
		}).DialContext
	}
	r.client = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > r.cfg.MaxRedirects {
				return ErrTooManyHops
			}
			return r.check(req.URL)
		},
	}
	return r
}

// Resolve validates raw, follows redirects and returns the canonical
// locator of the final hop.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	u, err := r.Parse(raw)
	if err != nil {
		return "", err
	}

	final, err := r.follow(ctx, http.MethodHead, u)
	if errors.Is(err, errMethodRejected) {
		final, err = r.follow(ctx, http.MethodGet, u)
	}
	if err != nil {
		return "", err
	}
	return Canonical(final), nil
}

// Parse validates raw without touching the network.
func (r *Resolver) Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidLocator)
	}
	if len(raw) > r.cfg.MaxURLLength {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrInvalidLocator, r.cfg.MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if err := r.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Resolver) check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrInvalidLocator, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidLocator)
	}
	if len(r.cfg.AllowedHosts) == 0 {
		return nil
	}
	for _, h := range r.cfg.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if host == h || strings.HasSuffix(host, "."+h) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

// publicOnly runs before every connect, after DNS resolution, so names
// that resolve to internal addresses are refused too.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, address)
	}
	if !publicAddr(ip) {
		return fmt.Errorf("%w: %s is not a public address", ErrHostNotAllowed, ip)
	}
	return nil
}

var sharedSpace = netip.MustParsePrefix("100.64.0.0/10")

func publicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid(),
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast(),
		sharedSpace.Contains(ip):
		return false
	}
	return true
}

var errMethodRejected = errors.New("method rejected")

func (r *Resolver) follow(ctx context.Context, method string, u *url.URL) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; mediabot)")
	resp, err := r.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrTooManyHops), errors.Is(err, ErrHostNotAllowed), errors.Is(err, ErrInvalidLocator):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		r.log.Debug("resolve failed", logx.String("url", u.String()), logx.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	_ = resp.Body.Close()

	if method == http.MethodHead && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		return nil, errMethodRejected
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	// Other statuses (403 from bot walls, 429, 5xx) still identify the
	// resource; the extractor decides whether it is fetchable.
	return resp.Request.URL, nil
}

// Canonical drops the fragment, lowercases scheme and host and strips
// default ports.
func Canonical(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	host := strings.ToLower(c.Hostname())
	port := c.Port()
	if (c.Scheme == "http" && port == "80") || (c.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	c.Host = host
	c.User = nil
	return c.String()
}
