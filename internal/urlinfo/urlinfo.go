// Package urlinfo derives the URL attributes that rule conditions evaluate:
// host, TLD, registered domain, path extension and the literal-IP flag.
package urlinfo

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/publicsuffix"
)

// ErrUnparsed is returned by accessors that need a parsed URL when parsing failed
var ErrUnparsed = errors.New("url could not be parsed")

// Attributes are the derived, immutable properties of one URL
type Attributes struct {
	Raw              string
	Lower            string
	Parsed           bool
	ParseError       string
	Scheme           string
	Host             string
	TLD              string
	RegisteredDomain string
	Path             string
	Query            string
	Extension        string
	IsIP             bool
	IP               netip.Addr
}

// Derive parses raw into Attributes; failures are recorded, never returned
func Derive(raw string) Attributes {
	attrs := Attributes{Raw: raw, Lower: strings.ToLower(raw)}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		attrs.ParseError = err.Error()
		return attrs
	}
	attrs.Parsed = true
	attrs.Scheme = strings.ToLower(u.Scheme)
	attrs.Host = strings.ToLower(u.Hostname())
	attrs.Path = u.Path
	attrs.Query = u.RawQuery
	attrs.Extension = extension(u.Path)

	if attrs.Host == "" {
		return attrs
	}
	if addr, err := netip.ParseAddr(attrs.Host); err == nil {
		attrs.IsIP = true
		attrs.IP = addr.Unmap()
		return attrs
	}

	labels := strings.Split(strings.TrimSuffix(attrs.Host, "."), ".")
	attrs.TLD = labels[len(labels)-1]
	if domain, err := publicsuffix.EffectiveTLDPlusOne(attrs.Host); err == nil {
		attrs.RegisteredDomain = domain
	} else if len(labels) >= 2 {
		attrs.RegisteredDomain = strings.Join(labels[len(labels)-2:], ".")
	} else {
		attrs.RegisteredDomain = attrs.Host
	}
	return attrs
}

// Require returns ErrUnparsed (wrapped with the parse error) when the URL did not parse
func (a Attributes) Require() error {
	if a.Parsed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnparsed, a.ParseError)
}

// IsLocalIP reports whether the host is a literal IP in a private, loopback,
// link-local, unspecified or reserved range. Names never count as local.
func (a Attributes) IsLocalIP() bool {
	if !a.IsIP {
		return false
	}
	ip := a.IP
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fc00::/7"),
}

func extension(path string) string {
	segment := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		segment = path[i+1:]
	}
	i := strings.LastIndex(segment, ".")
	if i < 0 || i == len(segment)-1 {
		return ""
	}
	return strings.ToLower(segment[i+1:])
}

// Cache memoizes Derive per distinct URL
type Cache struct {
	lru *lru.Cache[string, Attributes]
}

// NewCache creates a cache holding up to size URLs; size 0 disables caching
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{}, nil
	}
	c, err := lru.New[string, Attributes](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create url cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

// Get returns the attributes of raw, deriving them on a miss
func (c *Cache) Get(raw string) Attributes {
	if c == nil || c.lru == nil {
		return Derive(raw)
	}
	if attrs, ok := c.lru.Get(raw); ok {
		return attrs
	}
	attrs := Derive(raw)
	c.lru.Add(raw, attrs)
	return attrs
}

// Len returns the number of cached URLs
func (c *Cache) Len() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
