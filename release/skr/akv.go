package skr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/edgelesssys/go-igvm-agent/release/httpretry"
	"golang.org/x/oauth2"
)

// AKVClient releases keys held by Azure Key Vault.
type AKVClient struct {
	api      skrAPI
	endpoint *url.URL
	tokens   oauth2.TokenSource
	retryFor time.Duration
}

// NewAKV returns a new AKVClient authenticating with tokens for VaultScope.
func NewAKV(cfg Config, tokens oauth2.TokenSource) (*AKVClient, error) {
	if tokens == nil {
		return nil, errors.New("key vault client requires an AAD token source")
	}
	endpoint, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AKVClient{
		api:      &skrAPIClient{client: httpClient},
		endpoint: endpoint,
		tokens:   tokens,
		retryFor: cfg.RetryFor,
	}, nil
}

// Release reads version of key name from the vault.
// The attestation token must be present but is not forwarded: access is granted by the vault's AAD policy.
// secret is unused.
func (c *AKVClient) Release(ctx context.Context, name, version, token, _ string) ([]byte, error) {
	if err := checkKeyID(name, version); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrInvalidToken
	}

	aadToken, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("getting AAD token for key vault: %w", err)
	}
	uri := withAPIVersion(c.endpoint.JoinPath(keysPath, name, version), akvAPIVersion)

	var key []byte
	err = httpretry.Do(ctx, c.retryFor, func() error {
		var err error
		key, err = c.api.do(ctx, http.MethodGet, uri, nil, aadToken.AccessToken)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading key %s/%s: %w", name, version, err)
	}
	return key, nil
}
