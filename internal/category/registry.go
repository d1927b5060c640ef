// Package category defines the closed vocabulary of analytic categories shared
// by the rule engine, the anomaly detector and export collaborators.
package category

import (
	"fmt"
	"sort"
)

// Category values known to the default registry
const (
	SuspiciousTLD         = "suspicious_tld"
	ThreatIndicator       = "threat_indicator"
	GeopoliticalRiskTLD   = "geopolitical_risk_tld"
	UnicodeDomain         = "unicode_domain"
	LocalNetworkActivity  = "local_network_activity"
	DirectIPAccess        = "direct_ip_access"
	DynamicDNSFastFlux    = "dynamic_dns_fast_flux"
	URLShortener          = "url_shortener"
	AnonymizationService  = "anonymization_service"
	KnownIndicator        = "known_indicator"
	SearchEngine          = "search_engine"
	Download              = "download"
	ApplicationDownload   = "application_download"
	ArchiveDownload       = "archive_download"
	MediaDownload         = "media_download"
	SystemsIT             = "systems_it"
	Productivity          = "productivity"
	Email                 = "email"
	DisposableEmail       = "disposable_email"
	StagingPasteService   = "staging_paste_service"
	SuspiciousURL         = "suspicious_url"
	RemoteAccess          = "remote_access"
	AdTracking            = "ad_tracking"
	IPAddress             = "ip_address"
	Malware               = "malware"
	Crypto                = "crypto"
	Gambling              = "gambling"
	SocialMedia           = "social_media"
	AdultContent          = "adult_content"
	Finance               = "finance"
	CloudService          = "cloud_service"
	DeveloperTools        = "developer_tools"
	UnsafeExtension       = "unsafe_extension"
	BurstActivity         = "burst_activity"
	IndicatorCooccurrence = "indicator_cooccurrence"
	OffHoursActivity      = "off_hours_activity"
	Unknown               = "unknown"
)

var defaultNames = []string{
	SuspiciousTLD, ThreatIndicator, GeopoliticalRiskTLD, UnicodeDomain, LocalNetworkActivity,
	DirectIPAccess, DynamicDNSFastFlux, URLShortener, AnonymizationService, KnownIndicator,
	SearchEngine, Download, ApplicationDownload, ArchiveDownload, MediaDownload, SystemsIT,
	Productivity, Email, DisposableEmail, StagingPasteService, SuspiciousURL, RemoteAccess,
	AdTracking, IPAddress, Malware, Crypto, Gambling, SocialMedia, AdultContent, Finance,
	CloudService, DeveloperTools, UnsafeExtension, BurstActivity, IndicatorCooccurrence,
	OffHoursActivity, Unknown,
}

// Registry is an immutable set of category names. The zero value is empty.
type Registry struct {
	names map[string]struct{}
}

// Default returns the registry of all built-in categories
func Default() *Registry {
	return New(defaultNames...)
}

// New builds a registry from the given names; duplicates collapse
func New(names ...string) *Registry {
	r := &Registry{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		r.names[n] = struct{}{}
	}
	return r
}

// Has reports whether name is a member of the vocabulary
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.names[name]
	return ok
}

// Validate returns an error naming the unknown category, or nil
func (r *Registry) Validate(name string) error {
	if !r.Has(name) {
		return fmt.Errorf("unknown category %q", name)
	}
	return nil
}

// Names returns the vocabulary sorted alphabetically
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.names))
	for n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of categories
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Set is a subset of a registry, e.g. the high-severity categories
type Set map[string]struct{}

// NewSet validates every name against the registry and returns the subset
func (r *Registry) NewSet(names ...string) (Set, error) {
	s := make(Set, len(names))
	for _, n := range names {
		if err := r.Validate(n); err != nil {
			return nil, err
		}
		s[n] = struct{}{}
	}
	return s, nil
}

// Contains reports whether name is in the set
func (s Set) Contains(name string) bool {
	_, ok := s[name]
	return ok
}
