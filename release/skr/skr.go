/*
Package skr implements clients for secure key release (SKR) services.

Two backends are supported:

  - CCF: a confidential consortium framework application holding keys.
    Keys are exported with the attestation token as release environment:

    POST {base}/users/keys/{name}/{version}/export?api-version=0.0.1
    {"env": <token>, "secret_data": <secret>}

    A successful response carries the key as a JSON array of byte values in "value".

  - AKV: Azure Key Vault. Keys are read with an AAD bearer token:

    GET {vault}/keys/{name}/{version}?api-version=2016-10-01

    The response body is returned as is.
*/
package skr

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

	"github.com/edgelesssys/go-igvm-agent/release/httpretry"
)

const (
	// VaultScope is the AAD scope of tokens accepted by Azure Key Vault.
	VaultScope = "https://vault.azure.net/.default"

	// ccfAPIVersion is the version of the CCF key API to use.
	ccfAPIVersion = "0.0.1"
	// akvAPIVersion is the version of the Key Vault API to use.
	akvAPIVersion = "2016-10-01"

	usersPath  = "users"
	keysPath   = "keys"
	exportPath = "export"
	createPath = "create"

	envField        = "env"
	secretDataField = "secret_data"
	policyDataField = "policy_data"

	// maxResponseSize limits the size of responses read from a key release service.
	maxResponseSize = 1 << 20
)

var (
	// ErrInvalidKeyName is returned for an empty key name.
	ErrInvalidKeyName = errors.New("invalid value for key name")
	// ErrInvalidKeyVersion is returned for an empty key version.
	ErrInvalidKeyVersion = errors.New("invalid value for key version")
	// ErrInvalidToken is returned for an empty attestation token.
	ErrInvalidToken = errors.New("invalid value for attestation token")
	// ErrInvalidPolicy is returned for an empty or malformed key release policy.
	ErrInvalidPolicy = errors.New("invalid value for policy")
)

// Config configures an SKR client.
type Config struct {
	// Endpoint is the base URL of the service.
	Endpoint string
	// HTTPClient is used for all requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// RetryFor is the time requests are retried on transport errors and 5xx responses.
	// Zero disables retries.
	RetryFor time.Duration
}

type skrAPI interface {
	do(ctx context.Context, method string, uri *url.URL, body []byte, bearer string) ([]byte, error)
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	uri, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing key release endpoint: %w", err)
	}
	if uri.Scheme == "" || uri.Host == "" {
		return nil, fmt.Errorf("key release endpoint %q is not an absolute URL", endpoint)
	}
	return uri, nil
}

func checkKeyID(name, version string) error {
	if name == "" {
		return ErrInvalidKeyName
	}
	if version == "" {
		return ErrInvalidKeyVersion
	}
	return nil
}

func withAPIVersion(uri *url.URL, version string) *url.URL {
	query := uri.Query()
	query.Set("api-version", version)
	uri.RawQuery = query.Encode()
	return uri
}

type skrAPIClient struct {
	client *http.Client
}

// do sends a request and returns the body of a 200 response.
func (c *skrAPIClient) do(ctx context.Context, method string, uri *url.URL, body []byte, bearer string) ([]byte, error) {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpretry.StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Message: errorMessage(respBody)}
	}
	return respBody, nil
}

// errorMessage returns the error reported in a JSON response body.
// Both {"error": "text"} and {"error": {"message": "text"}} are understood.
func errorMessage(body []byte) string {
	var resp struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Error) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(resp.Error, &text); err == nil {
		return text
	}
	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Error, &detail); err == nil {
		if detail.Message != "" {
			return detail.Message
		}
		return detail.Code
	}
	return string(resp.Error)
}
