/*
# Key Release

This package exchanges encoded evidence for a released key.

A key release takes two remote calls, in order:

  - Verify the evidence with the attestation service, yielding an attestation token.

  - Present the token to the key release service, yielding the key.

A failing step aborts the release. No step is retried here; collaborators own their retry policy.
*/
package release

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/edgelesssys/go-igvm-agent/evidence"
	"github.com/edgelesssys/go-igvm-agent/report"
)

var (
	// ErrVerificationFailed is returned if the attestation service did not issue a token.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrKeyReleaseFailed is returned if the key release service did not release the key.
	ErrKeyReleaseFailed = errors.New("key release failed")
	// ErrInvalidArgument is returned for requests that are not key release requests.
	// It is the same error as report.ErrInvalidArgument.
	ErrInvalidArgument = report.ErrInvalidArgument
)

// Verifier verifies hardware evidence and issues attestation tokens.
type Verifier interface {
	Verify(ctx context.Context, hardwareReport, userData string) (string, error)
}

// KeyReleaser releases keys to holders of an attestation token.
type KeyReleaser interface {
	Release(ctx context.Context, name, version, token, secret string) ([]byte, error)
}

// KeyID identifies a key held by the key release service.
type KeyID struct {
	Name    string
	Version string
}

func (k KeyID) String() string {
	return k.Name + "/" + k.Version
}

// ParseKeyID parses a key URI of the form "{name}/{version}",
// or a URL whose path ends in "keys/{name}/{version}", optionally followed by "export".
func ParseKeyID(uri string) (KeyID, error) {
	path := uri
	if strings.Contains(uri, "://") {
		u, err := url.Parse(uri)
		if err != nil {
			return KeyID{}, fmt.Errorf("parsing key URI: %w", err)
		}
		path = u.Path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if n := len(parts); n > 0 && parts[n-1] == "export" {
		parts = parts[:n-1]
	}
	if len(parts) < 2 {
		return KeyID{}, fmt.Errorf("key URI %q does not name a key version", uri)
	}
	if len(parts) > 2 && parts[len(parts)-3] != "keys" {
		return KeyID{}, fmt.Errorf("key URI %q does not name a key version", uri)
	}

	id := KeyID{Name: parts[len(parts)-2], Version: parts[len(parts)-1]}
	if id.Name == "" || id.Version == "" {
		return KeyID{}, fmt.Errorf("key URI %q does not name a key version", uri)
	}
	return id, nil
}

// Orchestrator releases keys for verified evidence.
type Orchestrator struct {
	verifier Verifier
	releaser KeyReleaser
	key      KeyID
	secret   string
}

// New returns an Orchestrator releasing key by default.
// secret is passed to the key release service with every request.
func New(verifier Verifier, releaser KeyReleaser, key KeyID, secret string) *Orchestrator {
	return &Orchestrator{
		verifier: verifier,
		releaser: releaser,
		key:      key,
		secret:   secret,
	}
}

// DefaultKey returns the key released if a request does not name one.
func (o *Orchestrator) DefaultKey() KeyID {
	return o.key
}

// ReleaseKey releases the default key for ev.
func (o *Orchestrator) ReleaseKey(ctx context.Context, ev evidence.Evidence, requestType report.RequestType) ([]byte, error) {
	return o.ReleaseKeyID(ctx, ev, requestType, o.key)
}

// ReleaseKeyID releases key for ev.
// The key bytes are returned as released by the key release service.
func (o *Orchestrator) ReleaseKeyID(ctx context.Context, ev evidence.Evidence, requestType report.RequestType, key KeyID) ([]byte, error) {
	if requestType != report.KeyReleaseRequest {
		return nil, fmt.Errorf("%w: request type %s is not a key release", ErrInvalidArgument, requestType)
	}

	token, err := o.verifier.Verify(ctx, ev.HardwareReport, ev.UserData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty attestation token", ErrVerificationFailed)
	}

	releasedKey, err := o.releaser.Release(ctx, key.Name, key.Version, token, o.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyReleaseFailed, err)
	}
	return releasedKey, nil
}
