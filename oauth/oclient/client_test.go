package oclient

import (
	"errors"
	"testing"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

func TestRegistry(t *testing.T) {
	meta := &MockExchanger{ProviderName: oauth.ProviderMetaAds}
	google := &MockExchanger{ProviderName: oauth.ProviderGoogleAnalytics}
	r := NewRegistry(meta, google)

	got, err := r.Get(oauth.ProviderMetaAds)
	if err != nil || got != meta {
		t.Fatalf("Get(meta) = %v, %v", got, err)
	}
	if _, err := r.Get("tiktok"); !errors.Is(err, oauth.ErrConfiguration) {
		t.Errorf("unknown provider should be a configuration error, got %v", err)
	}

	providers := r.Providers()
	if len(providers) != 2 || providers[0] != oauth.ProviderGoogleAnalytics || providers[1] != oauth.ProviderMetaAds {
		t.Errorf("Providers() = %v", providers)
	}
}
