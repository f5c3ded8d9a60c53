package skr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/edgelesssys/go-igvm-agent/release/httpretry"
)

// CCFClient releases keys held by a CCF key release application.
type CCFClient struct {
	api      skrAPI
	endpoint *url.URL
	retryFor time.Duration
}

// NewCCF returns a new CCFClient.
func NewCCF(cfg Config) (*CCFClient, error) {
	endpoint, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CCFClient{
		api:      &skrAPIClient{client: httpClient},
		endpoint: endpoint,
		retryFor: cfg.RetryFor,
	}, nil
}

// Release exports version of key name, using token as release environment.
func (c *CCFClient) Release(ctx context.Context, name, version, token, secret string) ([]byte, error) {
	if err := checkKeyID(name, version); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrInvalidToken
	}

	body, err := json.Marshal(map[string]string{
		envField:        token,
		secretDataField: secret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling release request: %w", err)
	}
	uri := withAPIVersion(c.endpoint.JoinPath(usersPath, keysPath, name, version, exportPath), ccfAPIVersion)

	respBody, err := c.post(ctx, uri, body)
	if err != nil {
		return nil, fmt.Errorf("releasing key %s/%s: %w", name, version, err)
	}

	var resp struct {
		Value *[]int `json:"value"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling release response: %w", err)
	}
	if resp.Value == nil {
		return nil, responseError(respBody, "release response does not contain a key")
	}

	key := make([]byte, len(*resp.Value))
	for i, v := range *resp.Value {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("release response contains invalid byte value %d at index %d", v, i)
		}
		key[i] = byte(v)
	}
	return key, nil
}

// CreateKey creates a new version of key name, bound to the given release policy.
// policy must be a JSON document. The new key version is returned.
func (c *CCFClient) CreateKey(ctx context.Context, name string, policy []byte, secret string) (string, error) {
	if name == "" {
		return "", ErrInvalidKeyName
	}
	if len(policy) == 0 || !json.Valid(policy) {
		return "", ErrInvalidPolicy
	}

	body, err := json.Marshal(map[string]any{
		policyDataField: json.RawMessage(policy),
		secretDataField: secret,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling create request: %w", err)
	}
	uri := withAPIVersion(c.endpoint.JoinPath(usersPath, keysPath, name, createPath), ccfAPIVersion)

	respBody, err := c.post(ctx, uri, body)
	if err != nil {
		return "", fmt.Errorf("creating key %s: %w", name, err)
	}

	var resp struct {
		KeyVersion string `json:"key_version"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshaling create response: %w", err)
	}
	if resp.KeyVersion == "" {
		return "", responseError(respBody, "create response does not contain a key version")
	}
	return resp.KeyVersion, nil
}

func (c *CCFClient) post(ctx context.Context, uri *url.URL, body []byte) ([]byte, error) {
	var respBody []byte
	err := httpretry.Do(ctx, c.retryFor, func() error {
		var err error
		respBody, err = c.api.do(ctx, http.MethodPost, uri, body, "")
		return err
	})
	return respBody, err
}

// responseError returns the error reported in body, or fallback if there is none.
func responseError(body []byte, fallback string) error {
	if msg := errorMessage(body); msg != "" {
		return errors.New(msg)
	}
	return errors.New(fallback)
}
