package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCProvider is the subset of an OpenID Connect discovery document the API
// needs to verify tokens.
type OIDCProvider struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// NewOIDCProvider reads <issuer>/.well-known/openid-configuration, so hosted
// identity providers work with only AUTH_ISSUER set.
func NewOIDCProvider(issuerURL string) (*OIDCProvider, error) {
	url := strings.TrimRight(issuerURL, "/") + "/.well-known/openid-configuration"

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: %s returned %d", url, resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("oidc discovery: decode: %w", err)
	}
	if p.JWKSURI == "" {
		return nil, fmt.Errorf("oidc discovery: document has no jwks_uri")
	}
	return &p, nil
}
