// SPDX-License-Identifier: MIT

// Package netutil guards outbound connections made on behalf of user
// input: download URLs and SSH tunnel destinations.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrSchemeNotAllowed indicates the URL scheme is outside the policy.
	ErrSchemeNotAllowed = errors.New("url scheme not allowed")
	// ErrBlockedAddress indicates the URL points at a loopback,
	// link-local, or private address not covered by the allowlist.
	ErrBlockedAddress = errors.New("address not allowed")
)

// Policy restricts where user-supplied URLs may point. The zero value
// denies every scheme.
type Policy struct {
	Schemes      []string
	AllowPrivate bool     // permit loopback and RFC 1918 targets
	AllowHosts   []string // hosts exempt from the private-address block
}

// DefaultPolicy permits http(s) fetches from public addresses only.
func DefaultPolicy() Policy {
	return Policy{Schemes: []string{"https", "http"}}
}

// NormalizeHost lowercases a bare host and converts international
// names to their ASCII form. IP literals are canonicalized. Ports,
// paths, userinfo, and zone identifiers are rejected.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", errors.New("host is empty")
	}
	if strings.ContainsAny(host, "/@?#%") {
		return "", fmt.Errorf("not a bare host: %s", raw)
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host must not include port: %s", raw)
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// ValidateURL checks a user-supplied URL against the policy and
// returns it with the host normalized. Hostnames are resolved so DNS
// names pointing at internal addresses are caught too.
func ValidateURL(ctx context.Context, raw string, policy Policy) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !schemeAllowed(policy.Schemes, scheme) {
		return "", fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}
	if u.User != nil {
		return "", errors.New("userinfo not allowed")
	}
	if u.Host == "" {
		return "", errors.New("missing url host")
	}
	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return "", err
	}
	if !policy.AllowPrivate && !hostExempt(policy.AllowHosts, host) {
		ips, err := resolveIPs(ctx, host)
		if err != nil {
			return "", err
		}
		for _, ip := range ips {
			if blockedIP(ip) {
				return "", fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, ip)
			}
		}
	}
	u.Host = joinHostPort(host, u.Port())
	return u.String(), nil
}

var sshUserPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// SplitSSHHost validates a "user@host" tunnel destination and returns
// both parts with the host normalized. The host is later handed to an
// ssh subprocess, so anything that could be read as a flag is rejected.
func SplitSSHHost(raw string) (user, host string, err error) {
	user, host, ok := strings.Cut(strings.TrimSpace(raw), "@")
	if !ok || user == "" || host == "" {
		return "", "", fmt.Errorf("ssh destination must be user@host: %q", raw)
	}
	if !sshUserPattern.MatchString(user) {
		return "", "", fmt.Errorf("invalid ssh user: %q", user)
	}
	if strings.HasPrefix(host, "-") {
		return "", "", fmt.Errorf("invalid ssh host: %q", host)
	}
	normalized, err := NormalizeHost(host)
	if err != nil {
		return "", "", err
	}
	return user, normalized, nil
}

func schemeAllowed(allowed []string, scheme string) bool {
	for _, s := range allowed {
		if strings.EqualFold(strings.TrimSpace(s), scheme) {
			return true
		}
	}
	return false
}

func hostExempt(allowed []string, host string) bool {
	for _, entry := range allowed {
		normalized, err := NormalizeHost(entry)
		if err != nil {
			continue
		}
		if normalized == host {
			return true
		}
	}
	return false
}

func resolveIPs(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve host %q: %w", host, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IP != nil {
			ips = append(ips, addr.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve host %q: no addresses", host)
	}
	return ips, nil
}

func blockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() ||
		ip.IsUnspecified() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast()
}

func joinHostPort(host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
