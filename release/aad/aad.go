/*
Package aad provides Azure Active Directory token sources for the trust services.

Two identities are supported:
  - a service principal using the OAuth2 client credentials grant against {authority}/{tenant}/oauth2/v2.0/token
  - a managed identity served by the instance metadata service (IMDS), or a host side proxy of it
*/
package aad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultAuthority is the AAD authority used if none is configured.
	DefaultAuthority = "https://login.microsoftonline.com/"
	// DefaultIMDSEndpoint is the managed identity endpoint of Azure VMs.
	DefaultIMDSEndpoint = "http://169.254.169.254/metadata/identity/oauth2/token"
	// imdsAPIVersion is the IMDS API version to use.
	imdsAPIVersion = "2018-02-01"
)

// ServicePrincipal identifies an AAD application.
type ServicePrincipal struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Authority defaults to DefaultAuthority.
	Authority string
}

// NewClientCredentialsSource returns a token source for scope using the client credentials grant.
// Tokens are cached and refreshed when they expire.
func NewClientCredentialsSource(ctx context.Context, sp ServicePrincipal, scope string, httpClient *http.Client) (oauth2.TokenSource, error) {
	switch {
	case sp.TenantID == "":
		return nil, errors.New("invalid value for tenant ID")
	case sp.ClientID == "":
		return nil, errors.New("invalid value for client ID")
	case sp.ClientSecret == "":
		return nil, errors.New("invalid value for client secret")
	case scope == "":
		return nil, errors.New("invalid value for scope")
	}

	authority := sp.Authority
	if authority == "" {
		authority = DefaultAuthority
	}
	tokenURL, err := url.JoinPath(authority, sp.TenantID, "oauth2/v2.0/token")
	if err != nil {
		return nil, fmt.Errorf("building token URL: %w", err)
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	cfg := clientcredentials.Config{
		ClientID:     sp.ClientID,
		ClientSecret: sp.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cfg.TokenSource(ctx), nil
}

// NewManagedIdentitySource returns a token source for resource backed by a managed identity endpoint.
// If clientID is set, the token is requested for that user assigned identity.
func NewManagedIdentitySource(ctx context.Context, endpoint, resource, clientID string, httpClient *http.Client) (oauth2.TokenSource, error) {
	if resource == "" {
		return nil, errors.New("invalid value for resource")
	}
	if endpoint == "" {
		endpoint = DefaultIMDSEndpoint
	}
	uri, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing managed identity endpoint: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	src := &imdsSource{
		ctx:      ctx,
		client:   httpClient,
		endpoint: uri,
		resource: strings.TrimSuffix(resource, "/.default"),
		clientID: clientID,
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

type imdsSource struct {
	ctx      context.Context
	client   *http.Client
	endpoint *url.URL
	resource string
	clientID string
}

// Token requests a new token from the managed identity endpoint.
func (s *imdsSource) Token() (*oauth2.Token, error) {
	uri := *s.endpoint
	query := uri.Query()
	query.Set("api-version", imdsAPIVersion)
	query.Set("resource", s.resource)
	if s.clientID != "" {
		query.Set("client_id", s.clientID)
	}
	uri.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, uri.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Metadata", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("managed identity request failed with status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresOn   string `json:"expires_on"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("unmarshaling token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("managed identity response does not contain an access token")
	}

	token := &oauth2.Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
	}
	if expiresOn, err := strconv.ParseInt(tokenResp.ExpiresOn, 10, 64); err == nil {
		token.Expiry = time.Unix(expiresOn, 0)
	}
	return token, nil
}
