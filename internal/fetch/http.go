package fetch

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"previewd/internal/failure"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	dialTimeout        = 10 * time.Second
)

// HTTPSource fetches http and https URLs. Hosts outside the allow-list may
// only resolve to public unicast addresses; redirects are dialed the same way.
type HTTPSource struct {
	client       *http.Client
	allowedHosts map[string]struct{}
}

// NewHTTPSource builds a source with the given timeout. When allowedHosts is
// non-empty, only those hosts may be fetched, and they may also be internal.
func NewHTTPSource(timeout time.Duration, allowedHosts []string) *HTTPSource {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	hosts := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	s := &HTTPSource{allowedHosts: hosts}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// a proxy would hide the dialed address from the guard
	transport.Proxy = nil
	transport.DialContext = s.dialContext
	s.client = &http.Client{Timeout: timeout, Transport: transport}
	return s
}

func (s *HTTPSource) allowed(host string) bool {
	_, ok := s.allowedHosts[strings.ToLower(host)]
	return ok
}

func (s *HTTPSource) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	if !s.allowed(host) {
		dialer.Control = publicOnly
	}
	return dialer.DialContext(ctx, network, addr)
}

// publicOnly runs after name resolution and refuses internal addresses.
func publicOnly(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return failure.New(failure.KindNetwork, "address %s is not allowed", address)
	}
	if !isPublic(ap.Addr()) {
		return failure.New(failure.KindNetwork, "address %s is not allowed", ap.Addr())
	}
	return nil
}

func isPublic(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid(),
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	// carrier-grade NAT, 100.64.0.0/10
	if ip.Is4() && cgnat.Contains(ip) {
		return false
	}
	return true
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

func (s *HTTPSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if len(s.allowedHosts) > 0 && !s.allowed(u.Hostname()) {
		return nil, failure.New(failure.KindNetwork, "host %q is not allowed", u.Hostname())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "previewd/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, failure.New(failure.KindNetwork, "fetch url: %s", resp.Status)
	}
	if resp.ContentLength > MaxFileBytes {
		resp.Body.Close()
		return nil, failure.New(failure.KindFileTooLarge, "content length %d exceeds %d bytes", resp.ContentLength, MaxFileBytes)
	}
	return resp.Body, nil
}
