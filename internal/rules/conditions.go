package rules

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"unicode"

	"github.com/walrusec/browser-timeliner/internal/model"
	"github.com/walrusec/browser-timeliner/internal/urlinfo"
)

// Condition kinds understood by the engine
const (
	KindTLDs              = "tlds"
	KindHostnameExact     = "hostname_exact"
	KindHostnameSuffixes  = "hostname_suffixes"
	KindHostnameContains  = "hostname_contains"
	KindRegisteredDomains = "registered_domains"
	KindPathPrefixes      = "path_prefixes"
	KindPathExtensions    = "path_extensions"
	KindPathContains      = "path_contains"
	KindURLContains       = "url_contains"
	KindQueryContains     = "query_contains"
	KindSchemes           = "schemes"
	KindSearchTerms       = "search_terms"
	KindRequireIP         = "require_ip"
	KindIPRanges          = "ip_ranges"
	KindContainsUnicode   = "contains_unicode"
	KindMixedScripts      = "mixed_scripts"
	KindExcludeLocal      = "exclude_local"
)

// flagKinds take a boolean instead of a value list
var flagKinds = map[string]bool{
	KindRequireIP:       true,
	KindContainsUnicode: true,
	KindMixedScripts:    true,
	KindExcludeLocal:    true,
}

// IsFlagKind reports whether kind is a boolean condition
func IsFlagKind(kind string) bool {
	return flagKinds[kind]
}

// subject is what conditions see of one visit
type subject struct {
	visit       model.Visit
	attrs       urlinfo.Attributes
	searchTerms []string
}

// condition is a compiled rule condition. eval returns whether the condition
// holds and, when it does, the value that made it hold.
type condition interface {
	kind() string
	exclusion() bool
	eval(s *subject) (bool, string, error)
}

func compileCondition(c RuleCondition) (condition, error) {
	if flagKinds[c.Kind] {
		return compileFlag(c), nil
	}

	if _, ok := fieldAccessors[c.Kind]; !ok && c.Kind != KindSearchTerms && c.Kind != KindIPRanges {
		return nil, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	values := normalizeValues(c.Kind, c.Values)
	if len(values) == 0 {
		return nil, fmt.Errorf("condition %s has no values", c.Kind)
	}

	switch c.Kind {
	case KindTLDs, KindHostnameExact, KindRegisteredDomains, KindPathExtensions, KindSchemes:
		return &textCondition{name: c.Kind, values: values, field: fieldAccessors[c.Kind], op: opEqual}, nil
	case KindHostnameSuffixes:
		return &textCondition{name: c.Kind, values: values, field: fieldAccessors[c.Kind], op: opSuffix}, nil
	case KindPathPrefixes:
		return &textCondition{name: c.Kind, values: values, field: fieldAccessors[c.Kind], op: opPrefix}, nil
	case KindHostnameContains, KindPathContains, KindURLContains, KindQueryContains:
		return &textCondition{name: c.Kind, values: values, field: fieldAccessors[c.Kind], op: opContains}, nil
	case KindSearchTerms:
		return &searchTermCondition{values: values}, nil
	case KindIPRanges:
		return compileIPRanges(values)
	}
	return nil, fmt.Errorf("unknown condition kind %q", c.Kind)
}

func normalizeValues(kind string, raw []string) []string {
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		switch kind {
		case KindTLDs, KindPathExtensions:
			v = strings.TrimPrefix(strings.ToLower(v), ".")
		case KindPathPrefixes:
			if v != "" && !strings.HasPrefix(v, "/") {
				v = "/" + v
			}
			v = strings.ToLower(v)
		case KindSchemes:
			v = strings.TrimSuffix(strings.ToLower(v), ":")
		case KindIPRanges:
		default:
			v = strings.ToLower(v)
		}
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

type fieldAccessor func(a urlinfo.Attributes) (string, error)

func hostField(a urlinfo.Attributes) (string, error) {
	if err := a.Require(); err != nil {
		return "", err
	}
	return a.Host, nil
}

var fieldAccessors = map[string]fieldAccessor{
	KindTLDs: func(a urlinfo.Attributes) (string, error) {
		if err := a.Require(); err != nil {
			return "", err
		}
		return a.TLD, nil
	},
	KindHostnameExact:    hostField,
	KindHostnameSuffixes: hostField,
	KindHostnameContains: hostField,
	KindRegisteredDomains: func(a urlinfo.Attributes) (string, error) {
		if err := a.Require(); err != nil {
			return "", err
		}
		return a.RegisteredDomain, nil
	},
	KindPathPrefixes: func(a urlinfo.Attributes) (string, error) {
		if err := a.Require(); err != nil {
			return "", err
		}
		return strings.ToLower(a.Path), nil
	},
	KindPathContains: func(a urlinfo.Attributes) (string, error) {
		if err := a.Require(); err != nil {
			return "", err
		}
		return strings.ToLower(a.Path), nil
	},
	KindPathExtensions: func(a urlinfo.Attributes) (string, error) {
		if err := a.Require(); err != nil {
			return "", err
		}
		return a.Extension, nil
	},
	KindQueryContains: func(a urlinfo.Attributes) (string, error) {
		if err := a.Require(); err != nil {
			return "", err
		}
		return strings.ToLower(a.Query), nil
	},
	KindSchemes: func(a urlinfo.Attributes) (string, error) {
		if err := a.Require(); err != nil {
			return "", err
		}
		return a.Scheme, nil
	},
	KindURLContains: func(a urlinfo.Attributes) (string, error) {
		return a.Lower, nil
	},
}

type textOp int

const (
	opEqual textOp = iota
	opPrefix
	opSuffix
	opContains
)

// textCondition compares one URL attribute against a value list
type textCondition struct {
	name   string
	values []string
	field  fieldAccessor
	op     textOp
}

func (c *textCondition) kind() string    { return c.name }
func (c *textCondition) exclusion() bool { return false }

func (c *textCondition) eval(s *subject) (bool, string, error) {
	field, err := c.field(s.attrs)
	if err != nil {
		return false, "", err
	}
	if field == "" {
		return false, "", nil
	}
	for _, v := range c.values {
		var ok bool
		switch c.op {
		case opEqual:
			ok = field == v
		case opPrefix:
			ok = strings.HasPrefix(field, v)
		case opSuffix:
			ok = strings.HasSuffix(field, v)
		case opContains:
			ok = strings.Contains(field, v)
		}
		if ok {
			return true, v, nil
		}
	}
	return false, "", nil
}

// searchTermCondition matches the search terms recorded for the visit URL
type searchTermCondition struct {
	values []string
}

func (c *searchTermCondition) kind() string    { return KindSearchTerms }
func (c *searchTermCondition) exclusion() bool { return false }

func (c *searchTermCondition) eval(s *subject) (bool, string, error) {
	for _, term := range s.searchTerms {
		lower := strings.ToLower(strings.TrimSpace(term))
		for _, v := range c.values {
			if strings.Contains(lower, v) {
				return true, term, nil
			}
		}
	}
	return false, "", nil
}

// ipRangeCondition matches literal-IP hosts inside any configured prefix.
// Names, including localhost, never match.
type ipRangeCondition struct {
	prefixes []netip.Prefix
}

func compileIPRanges(values []string) (*ipRangeCondition, error) {
	c := &ipRangeCondition{}
	for _, v := range values {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid ip range %q: %w", v, err)
			}
			c.prefixes = append(c.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ip range %q: %w", v, err)
		}
		c.prefixes = append(c.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return c, nil
}

func (c *ipRangeCondition) kind() string    { return KindIPRanges }
func (c *ipRangeCondition) exclusion() bool { return false }

func (c *ipRangeCondition) eval(s *subject) (bool, string, error) {
	if err := s.attrs.Require(); err != nil {
		return false, "", err
	}
	if !s.attrs.IsIP {
		return false, "", nil
	}
	for _, p := range c.prefixes {
		if p.Contains(s.attrs.IP) {
			return true, p.String(), nil
		}
	}
	return false, "", nil
}

// flagCondition is a boolean check. A false flag never constrains the rule.
type flagCondition struct {
	name string
	flag bool
	test func(s *subject) (bool, string, error)
}

func compileFlag(c RuleCondition) *flagCondition {
	fc := &flagCondition{name: c.Kind, flag: c.Flag}
	switch c.Kind {
	case KindRequireIP:
		fc.test = func(s *subject) (bool, string, error) {
			if err := s.attrs.Require(); err != nil {
				return false, "", err
			}
			return s.attrs.IsIP, s.attrs.Host, nil
		}
	case KindContainsUnicode:
		fc.test = func(s *subject) (bool, string, error) {
			if strings.Contains(s.attrs.Host, "xn--") {
				return true, s.attrs.Host, nil
			}
			for _, r := range s.attrs.Raw {
				if r > unicode.MaxASCII {
					return true, string(r), nil
				}
			}
			return false, "", nil
		}
	case KindMixedScripts:
		fc.test = func(s *subject) (bool, string, error) {
			if err := s.attrs.Require(); err != nil {
				return false, "", err
			}
			scripts := hostScripts(s.attrs.Host)
			if len(scripts) > 1 {
				return true, strings.Join(scripts, "+"), nil
			}
			return false, "", nil
		}
	case KindExcludeLocal:
		fc.test = func(s *subject) (bool, string, error) {
			if err := s.attrs.Require(); err != nil {
				return false, "", err
			}
			return s.attrs.IsLocalIP(), s.attrs.Host, nil
		}
	}
	return fc
}

func (c *flagCondition) kind() string    { return c.name }
func (c *flagCondition) exclusion() bool { return c.name == KindExcludeLocal }

func (c *flagCondition) eval(s *subject) (bool, string, error) {
	if !c.flag {
		// an unset exclusion never excludes; an unset requirement always holds
		return !c.exclusion(), "", nil
	}
	return c.test(s)
}

// scriptOrder fixes the order scripts are reported in
var scriptOrder = []string{"Latin", "Cyrillic", "Greek", "Armenian", "Hebrew", "Arabic", "Han", "Hiragana", "Katakana", "Hangul", "Thai", "Devanagari"}

// hostScripts returns the distinct Unicode scripts used by letters of host
func hostScripts(host string) []string {
	seen := make(map[string]bool)
	for _, r := range host {
		if !unicode.IsLetter(r) {
			continue
		}
		if r <= unicode.MaxASCII {
			seen["Latin"] = true
			continue
		}
		for name, table := range unicode.Scripts {
			if name == "Common" || name == "Inherited" {
				continue
			}
			if unicode.Is(table, r) {
				seen[name] = true
				break
			}
		}
	}

	var out []string
	for _, name := range scriptOrder {
		if seen[name] {
			out = append(out, name)
			delete(seen, name)
		}
	}
	rest := make([]string, 0, len(seen))
	for name := range seen {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	return append(out, rest...)
}
