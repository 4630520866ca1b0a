// Package attachment validates and fetches message attachments. It is the
// only place in the gateway where caller-supplied URLs are resolved, so all
// SSRF defenses live here.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors for the attachment package.
var (
	ErrInvalidURL    = errors.New("invalid attachment URL")
	ErrBlockedURL    = errors.New("attachment URL resolves to a blocked address")
	ErrInvalidBase64 = errors.New("invalid base64 attachment data")
	ErrTooLarge      = errors.New("attachment exceeds the maximum allowed size")
)

// DefaultMaxSize is the default decoded attachment size cap.
const DefaultMaxSize = 25 * 1024 * 1024

// dnsTimeout bounds hostname resolution during URL validation.
const dnsTimeout = 5 * time.Second

var base64Body = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// dataURIPrefix matches an optional "data:<mime>;base64," prefix.
var dataURIPrefix = regexp.MustCompile(`^data:([a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+)?;base64,`)

// blockedHostnames are rejected before any DNS lookup happens.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"127.0.0.1":                true,
	"0.0.0.0":                  true,
	"::1":                      true,
	"[::1]":                    true,
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"100.100.100.200":          true,
}

// Validator checks attachment URLs against the SSRF policy. The resolver is
// injectable so tests can run without real DNS.
type Validator struct {
	resolver interface {
		LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	}
}

// NewValidator creates a Validator backed by the default DNS resolver.
func NewValidator() *Validator {
	return &Validator{resolver: net.DefaultResolver}
}

// ValidateURL applies the SSRF defense chain in order: parse, protocol
// check, hostname blocklist, private IP literals, metadata endpoints, and
// finally a DNS resolution check. A DNS lookup failure is not fatal; the
// provider will report unreachability at send time.
func (v *Validator) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: protocol %q is not allowed", ErrInvalidURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if blockedHostnames[host] || strings.HasSuffix(host, ".localhost") || strings.HasPrefix(host, "127.") {
		return fmt.Errorf("%w: host %q", ErrBlockedURL, host)
	}
	if host == "metadata.google.internal" || host == "169.254.169.254" || host == "100.100.100.200" {
		return fmt.Errorf("%w: cloud metadata endpoint %q", ErrBlockedURL, host)
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: IP %s", ErrBlockedURL, ip)
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	addrs, err := v.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		// Transient DNS failures must not cause message loss; the fetch or the
		// provider will surface unreachability.
		return nil
	}
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return fmt.Errorf("%w: %q resolves to %s", ErrBlockedURL, host, addr.IP)
		}
	}
	return nil
}

// DialContext resolves the target host through the validator's resolver,
// rejects blocked addresses, and dials one of the vetted IPs directly. Used
// as an http.Transport dial function it pins every connection, including
// redirect hops, to an address checked at connect time, so a record that
// changes between validation and dial cannot reach a blocked range.
func (v *Validator) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	var ips []net.IP
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		ips = []net.IP{ip}
	} else {
		lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
		defer cancel()
		addrs, err := v.resolver.LookupIPAddr(lookupCtx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", host, err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %q resolves to %s", ErrBlockedURL, host, ip)
		}
	}

	d := &net.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no addresses for %q", ErrInvalidURL, host)
	}
	return nil, lastErr
}

// isBlockedIP reports whether ip falls into a private, loopback, link-local,
// or metadata range.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	// Alibaba cloud metadata address sits in public space.
	if ip.Equal(net.ParseIP("100.100.100.200")) {
		return true
	}
	return false
}

// DecodeBase64 strips an optional data-URI prefix, validates the base64 body,
// enforces the decoded size cap, and returns the raw bytes together with any
// MIME type declared in the prefix.
func DecodeBase64(data string, maxSize int64) (raw []byte, dataURIMime string, err error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	body := data
	if m := dataURIPrefix.FindStringSubmatch(data); m != nil {
		dataURIMime = m[1]
		body = data[len(m[0]):]
	}

	if body == "" || !base64Body.MatchString(body) {
		return nil, "", ErrInvalidBase64
	}

	// Size check before decoding so oversized payloads are rejected cheaply.
	decodedSize := int64(len(body))*3/4 - int64(strings.Count(body, "="))
	if decodedSize > maxSize {
		return nil, "", fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, decodedSize, maxSize)
	}

	raw, err = base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, "", ErrInvalidBase64
	}
	if int64(len(raw)) > maxSize {
		return nil, "", fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(raw), maxSize)
	}
	return raw, dataURIMime, nil
}
