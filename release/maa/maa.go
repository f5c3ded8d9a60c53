/*
Package maa implements a client for Microsoft Azure Attestation (MAA).

The agent sends the hardware evidence of a report together with the request data bound into it:

	POST {endpoint}/attest/Tee/OpenEnclave?api-version=2018-09-01-preview
	{"Quote": <base64url evidence>, "EnclaveHeldData": <base64url request data>}

MAA answers with a signed JWT. The token is checked for shape and expiry before it is handed on.
If signature verification is enabled, the token is also checked against the signing keys
published at {endpoint}/certs.
*/
package maa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/edgelesssys/go-igvm-agent/release/httpretry"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"k8s.io/utils/clock"
)

const (
	// Scope is the AAD scope of tokens accepted by MAA.
	Scope = "https://attest.azure.net/.default"
	// attestPath is the path of the attestation endpoint.
	attestPath = "attest/Tee/OpenEnclave"
	// certsPath is the path of the JWKS holding MAA's token signing keys.
	certsPath = "certs"
	// apiVersion is the version of the MAA API to use.
	apiVersion = "2018-09-01-preview"
	// quoteField is the request field carrying the hardware evidence.
	quoteField = "Quote"
	// heldDataField is the request field carrying the request data.
	heldDataField = "EnclaveHeldData"
)

// ErrEmptyToken is returned if MAA answered with an empty token.
var ErrEmptyToken = errors.New("attestation service returned an empty token")

type maaAPI interface {
	postAttest(ctx context.Context, uri *url.URL, body []byte, bearer string) ([]byte, error)
}

type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// Config configures a Client.
type Config struct {
	// Endpoint is the base URL of the attestation provider.
	Endpoint string
	// TokenSource provides AAD bearer tokens. If nil, requests are sent unauthenticated.
	TokenSource oauth2.TokenSource
	// HTTPClient is used for all requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// VerifySignature enables verification of the token signature against {Endpoint}/certs.
	VerifySignature bool
	// RetryFor is the time requests are retried on transport errors and 5xx responses.
	// Zero disables retries.
	RetryFor time.Duration
}

// Client is a client for MAA.
type Client struct {
	api      maaAPI
	endpoint *url.URL
	tokens   oauth2.TokenSource
	verifier tokenVerifier
	clock    clock.PassiveClock
	retryFor time.Duration
}

// New returns a new Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	endpoint, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing attestation endpoint: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("attestation endpoint %q is not an absolute URL", cfg.Endpoint)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		api:      &maaAPIClient{client: httpClient},
		endpoint: endpoint,
		tokens:   cfg.TokenSource,
		clock:    clock.RealClock{},
		retryFor: cfg.RetryFor,
	}
	if cfg.VerifySignature {
		keySet := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, httpClient), endpoint.JoinPath(certsPath).String())
		c.verifier = oidc.NewVerifier(endpoint.String(), keySet, &oidc.Config{
			SkipClientIDCheck: true,
			Now:               c.clock.Now,
		})
	}
	return c, nil
}

// Verify sends the evidence to MAA and returns the attestation token.
func (c *Client) Verify(ctx context.Context, hardwareReport, userData string) (string, error) {
	body, err := json.Marshal(map[string]string{
		quoteField:    hardwareReport,
		heldDataField: userData,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling attestation request: %w", err)
	}

	bearer := ""
	if c.tokens != nil {
		aadToken, err := c.tokens.Token()
		if err != nil {
			return "", fmt.Errorf("getting AAD token for attestation service: %w", err)
		}
		bearer = aadToken.AccessToken
	}

	uri := c.endpoint.JoinPath(attestPath)
	query := uri.Query()
	query.Set("api-version", apiVersion)
	uri.RawQuery = query.Encode()

	var respBody []byte
	attest := func() error {
		var err error
		respBody, err = c.api.postAttest(ctx, uri, body, bearer)
		return err
	}
	if err := httpretry.Do(ctx, c.retryFor, attest); err != nil {
		return "", fmt.Errorf("requesting attestation token: %w", err)
	}

	token, err := tokenFromResponse(respBody)
	if err != nil {
		return "", err
	}
	if err := c.checkToken(ctx, token); err != nil {
		return "", err
	}
	return token, nil
}

// checkToken makes sure token is a JWT that has not expired.
// The signature is only checked if a verifier is configured.
func (c *Client) checkToken(ctx context.Context, token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("parsing attestation token: %w", err)
	}

	now := c.clock.Now()
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("reading attestation token expiry: %w", err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return fmt.Errorf("attestation token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return fmt.Errorf("reading attestation token start of validity: %w", err)
	}
	if nbf != nil && now.Before(nbf.Time) {
		return fmt.Errorf("attestation token is not valid before %s", nbf.Time.UTC().Format(time.RFC3339))
	}

	if c.verifier != nil {
		if _, err := c.verifier.Verify(ctx, token); err != nil {
			return fmt.Errorf("verifying attestation token signature: %w", err)
		}
	}
	return nil
}

// tokenFromResponse extracts the token from an MAA response.
// Depending on the API version, MAA answers with the bare JWT, a JSON string, or {"token": "..."}.
func tokenFromResponse(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	var token string
	switch {
	case len(body) == 0:
		return "", ErrEmptyToken
	case body[0] == '{':
		var resp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("unmarshaling attestation response: %w", err)
		}
		token = resp.Token
	case body[0] == '"':
		if err := json.Unmarshal(body, &token); err != nil {
			return "", fmt.Errorf("unmarshaling attestation response: %w", err)
		}
	default:
		token = string(body)
	}
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

type maaAPIClient struct {
	client *http.Client
}

// postAttest sends an attestation request and returns the body of a 200 response.
func (c *maaAPIClient) postAttest(ctx context.Context, uri *url.URL, body []byte, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return respBody, nil
	default:
		return nil, &httpretry.StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Message: string(bytes.TrimSpace(respBody))}
	}
}
