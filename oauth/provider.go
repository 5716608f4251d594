package oauth

import (
	"fmt"
	"slices"
	"strings"
)

// Provider identifies a third-party integration a user can connect.
type Provider string

const (
	ProviderMetaAds         Provider = "meta_ads"
	ProviderGoogleAnalytics Provider = "google_analytics"
)

// Providers lists every provider the broker knows about.
func Providers() []Provider {
	return []Provider{ProviderMetaAds, ProviderGoogleAnalytics}
}

func (p Provider) Valid() bool {
	return slices.Contains(Providers(), p)
}

func (p Provider) String() string {
	return string(p)
}

// ParseProvider normalises a provider name coming from a URL or config file.
func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported provider %q", raw)
	}
	return p, nil
}
