package skr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/edgelesssys/go-igvm-agent/release/httpretry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/oauth2"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCCFRelease(t *testing.T) {
	testCases := map[string]struct {
		api     *fakeAPI
		name    string
		version string
		token   string
		wantKey []byte
		wantErr error
	}{
		"success": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{"value":[1,2,3,255]}`)}},
			name:    "key",
			version: "3",
			token:   "maa-token",
			wantKey: []byte{1, 2, 3, 255},
		},
		"empty key": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{"value":[]}`)}},
			name:    "key",
			version: "3",
			token:   "maa-token",
			wantKey: []byte{},
		},
		"no name": {
			api:     &fakeAPI{},
			version: "3",
			token:   "maa-token",
			wantErr: ErrInvalidKeyName,
		},
		"no version": {
			api:     &fakeAPI{},
			name:    "key",
			token:   "maa-token",
			wantErr: ErrInvalidKeyVersion,
		},
		"no token": {
			api:     &fakeAPI{},
			name:    "key",
			version: "3",
			wantErr: ErrInvalidToken,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			client := newTestCCF(t, tc.api)
			key, err := client.Release(context.Background(), tc.name, tc.version, tc.token, "secret_0")
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				assert.Zero(tc.api.calls)
				return
			}
			require.NoError(err)
			assert.Equal(tc.wantKey, key)

			assert.Equal(http.MethodPost, tc.api.method)
			assert.Equal("/users/keys/key/3/export", tc.api.uri.Path)
			assert.Equal(ccfAPIVersion, tc.api.uri.Query().Get("api-version"))
			assert.JSONEq(`{"env":"maa-token","secret_data":"secret_0"}`, string(tc.api.body))
		})
	}
}

func TestCCFReleaseResponseErrors(t *testing.T) {
	testCases := map[string]struct {
		api     *fakeAPI
		wantMsg string
	}{
		"status error": {
			api:     &fakeAPI{errs: []error{&httpretry.StatusError{StatusCode: http.StatusForbidden, Status: "403 Forbidden", Message: "policy mismatch"}}},
			wantMsg: "policy mismatch",
		},
		"error field": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{"error":"key not found"}`)}},
			wantMsg: "key not found",
		},
		"no value": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{}`)}},
			wantMsg: "does not contain a key",
		},
		"value out of range": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{"value":[1,256]}`)}},
			wantMsg: "invalid byte value 256",
		},
		"negative value": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{"value":[-1]}`)}},
			wantMsg: "invalid byte value -1",
		},
		"invalid json": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{"value":`)}},
			wantMsg: "unmarshaling",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			client := newTestCCF(t, tc.api)
			key, err := client.Release(context.Background(), "key", "3", "maa-token", "")
			assert.Nil(key)
			require.Error(t, err)
			assert.Contains(err.Error(), tc.wantMsg)
		})
	}
}

func TestCCFReleaseRetry(t *testing.T) {
	unavailable := &httpretry.StatusError{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}

	testCases := map[string]struct {
		api       *fakeAPI
		retryFor  time.Duration
		wantCalls int
		wantErr   bool
	}{
		"no retry by default": {
			api:       &fakeAPI{errs: []error{unavailable}, responses: [][]byte{nil, []byte(`{"value":[1]}`)}},
			wantCalls: 1,
			wantErr:   true,
		},
		"retry on 503": {
			api:       &fakeAPI{errs: []error{unavailable}, responses: [][]byte{nil, []byte(`{"value":[1]}`)}},
			retryFor:  time.Minute,
			wantCalls: 2,
		},
		"no retry on 403": {
			api:       &fakeAPI{errs: []error{&httpretry.StatusError{StatusCode: http.StatusForbidden, Status: "403 Forbidden"}}},
			retryFor:  time.Minute,
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			client := newTestCCF(t, tc.api)
			client.retryFor = tc.retryFor
			_, err := client.Release(context.Background(), "key", "3", "maa-token", "")
			if tc.wantErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
			}
			assert.Equal(tc.wantCalls, tc.api.calls)
		})
	}
}

func TestCCFCreateKey(t *testing.T) {
	testCases := map[string]struct {
		api         *fakeAPI
		name        string
		policy      string
		wantVersion string
		wantErr     bool
	}{
		"success": {
			api:         &fakeAPI{responses: [][]byte{[]byte(`{"key_version":"4"}`)}},
			name:        "key",
			policy:      `{"anyOf":[]}`,
			wantVersion: "4",
		},
		"no name": {
			api:     &fakeAPI{},
			policy:  `{}`,
			wantErr: true,
		},
		"no policy": {
			api:     &fakeAPI{},
			name:    "key",
			wantErr: true,
		},
		"policy not json": {
			api:     &fakeAPI{},
			name:    "key",
			policy:  `anyOf`,
			wantErr: true,
		},
		"no key version": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{"error":"exists"}`)}},
			name:    "key",
			policy:  `{}`,
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			client := newTestCCF(t, tc.api)
			version, err := client.CreateKey(context.Background(), tc.name, []byte(tc.policy), "secret_0")
			if tc.wantErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(tc.wantVersion, version)
			assert.Equal("/users/keys/key/create", tc.api.uri.Path)
			assert.JSONEq(`{"policy_data":{"anyOf":[]},"secret_data":"secret_0"}`, string(tc.api.body))
		})
	}
}

func TestAKVRelease(t *testing.T) {
	testCases := map[string]struct {
		api     *fakeAPI
		tokens  oauth2.TokenSource
		token   string
		wantKey []byte
		wantErr bool
	}{
		"success": {
			api:     &fakeAPI{responses: [][]byte{[]byte(`{"key":{"kid":"k"}}`)}, wantBearer: "aad-token"},
			tokens:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "aad-token"}),
			token:   "maa-token",
			wantKey: []byte(`{"key":{"kid":"k"}}`),
		},
		"no attestation token": {
			api:     &fakeAPI{},
			tokens:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "aad-token"}),
			wantErr: true,
		},
		"aad failure": {
			api:     &fakeAPI{},
			tokens:  failingTokenSource{},
			token:   "maa-token",
			wantErr: true,
		},
		"vault error": {
			api:     &fakeAPI{errs: []error{&httpretry.StatusError{StatusCode: http.StatusNotFound, Status: "404 Not Found"}}, wantBearer: "aad-token"},
			tokens:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "aad-token"}),
			token:   "maa-token",
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			client := &AKVClient{
				api:      tc.api,
				endpoint: &url.URL{Scheme: "https", Host: "vault.example"},
				tokens:   tc.tokens,
			}
			key, err := client.Release(context.Background(), "key", "abc", tc.token, "")
			if tc.wantErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(tc.wantKey, key)
			assert.Equal(http.MethodGet, tc.api.method)
			assert.Equal("/keys/key/abc", tc.api.uri.Path)
			assert.Equal(akvAPIVersion, tc.api.uri.Query().Get("api-version"))
			assert.Nil(tc.api.body)
		})
	}
}

func TestNewAKVRequiresTokenSource(t *testing.T) {
	_, err := NewAKV(Config{Endpoint: "https://vault.example"}, nil)
	assert.Error(t, err)
}

func TestSKRAPIClient(t *testing.T) {
	testCases := map[string]struct {
		status  int
		body    string
		wantMsg string
		wantErr bool
	}{
		"ok": {
			status: http.StatusOK,
			body:   `{"value":[1]}`,
		},
		"error string": {
			status:  http.StatusBadRequest,
			body:    `{"error":"bad env"}`,
			wantMsg: "bad env",
			wantErr: true,
		},
		"error object": {
			status:  http.StatusUnauthorized,
			body:    `{"error":{"code":"Unauthorized","message":"token expired"}}`,
			wantMsg: "token expired",
			wantErr: true,
		},
		"no error field": {
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal("application/json", r.Header.Get("Content-Type"))
				assert.Empty(r.Header.Get("Authorization"))
				body, err := io.ReadAll(r.Body)
				assert.NoError(err)
				assert.Equal(`{}`, string(body))
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			uri, err := url.Parse(server.URL)
			require.NoError(err)
			api := &skrAPIClient{client: server.Client()}

			resp, err := api.do(context.Background(), http.MethodPost, uri, []byte(`{}`), "")
			if tc.wantErr {
				var statusErr *httpretry.StatusError
				require.ErrorAs(err, &statusErr)
				assert.Equal(tc.status, statusErr.StatusCode)
				assert.Equal(tc.wantMsg, statusErr.Message)
				return
			}
			require.NoError(err)
			assert.Equal(tc.body, string(resp))
		})
	}
}

func TestCCFEndToEnd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/ccf/users/keys/key/3/export", r.URL.Path)
		_, _ = w.Write([]byte(`{"value":[222,173,190,239]}`))
	}))
	defer server.Close()

	client, err := NewCCF(Config{Endpoint: server.URL + "/ccf/", HTTPClient: server.Client()})
	require.NoError(err)
	key, err := client.Release(context.Background(), "key", "3", "maa-token", "")
	require.NoError(err)
	assert.Equal([]byte{0xde, 0xad, 0xbe, 0xef}, key)
}

func TestNewCCFInvalidEndpoint(t *testing.T) {
	_, err := NewCCF(Config{Endpoint: "ccf.example"})
	assert.Error(t, err)
}

func newTestCCF(t *testing.T, api skrAPI) *CCFClient {
	t.Helper()
	endpoint, err := url.Parse("https://ccf.example")
	require.NoError(t, err)
	return &CCFClient{api: api, endpoint: endpoint}
}

// fakeAPI answers the nth call with errs[n] if set, otherwise responses[n].
type fakeAPI struct {
	responses  [][]byte
	errs       []error
	wantBearer string

	calls  int
	method string
	uri    *url.URL
	body   []byte
}

func (f *fakeAPI) do(_ context.Context, method string, uri *url.URL, body []byte, bearer string) ([]byte, error) {
	n := f.calls
	f.calls++
	f.method = method
	f.uri = uri
	f.body = body
	if bearer != f.wantBearer {
		return nil, &httpretry.StatusError{StatusCode: http.StatusUnauthorized, Status: "401 Unauthorized"}
	}
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	if n < len(f.responses) {
		return f.responses[n], nil
	}
	return nil, errors.New("unexpected call")
}

type failingTokenSource struct{}

func (failingTokenSource) Token() (*oauth2.Token, error) {
	return nil, errors.New("aad unavailable")
}
