/*
Package secrets resolves secret references in the configuration.

A reference is one of:

	env:NAME                                   value of environment variable NAME
	file:/path/to/secret                       content of the file, without trailing newlines
	gcpsm:projects/P/secrets/S/versions/V      payload of a GCP Secret Manager secret version

Any other value is used literally.
*/
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

const (
	envPrefix   = "env:"
	filePrefix  = "file:"
	gcpsmPrefix = "gcpsm:"
)

// ErrNotFound is returned if a referenced secret does not exist.
var ErrNotFound = errors.New("secret not found")

type secretAccessor interface {
	accessSecretVersion(ctx context.Context, name string) ([]byte, error)
	Close() error
}

// Resolver resolves secret references.
// The GCP Secret Manager client is created on first use.
type Resolver struct {
	lookupEnv   func(string) (string, bool)
	readFile    func(string) ([]byte, error)
	newAccessor func(context.Context) (secretAccessor, error)

	mux      sync.Mutex
	accessor secretAccessor
}

// NewResolver returns a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		lookupEnv:   os.LookupEnv,
		readFile:    os.ReadFile,
		newAccessor: newGCPAccessor,
	}
}

// Resolve returns the secret referenced by ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimPrefix(ref, envPrefix)
		value, ok := r.lookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s: %w", name, ErrNotFound)
		}
		return value, nil

	case strings.HasPrefix(ref, filePrefix):
		path := strings.TrimPrefix(ref, filePrefix)
		content, err := r.readFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("file %s: %w", path, ErrNotFound)
		} else if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		return strings.TrimRight(string(content), "\r\n"), nil

	case strings.HasPrefix(ref, gcpsmPrefix):
		name := strings.TrimPrefix(ref, gcpsmPrefix)
		if !strings.HasPrefix(name, "projects/") || !strings.Contains(name, "/secrets/") {
			return "", fmt.Errorf("invalid secret manager resource name %q", name)
		}
		if !strings.Contains(name, "/versions/") {
			name += "/versions/latest"
		}
		accessor, err := r.getAccessor(ctx)
		if err != nil {
			return "", err
		}
		payload, err := accessor.accessSecretVersion(ctx, name)
		if err != nil {
			return "", fmt.Errorf("accessing secret %s: %w", name, err)
		}
		return string(payload), nil

	default:
		return ref, nil
	}
}

// ResolveAll resolves every reference in refs in place.
func (r *Resolver) ResolveAll(ctx context.Context, refs ...*string) error {
	for _, ref := range refs {
		if *ref == "" {
			continue
		}
		value, err := r.Resolve(ctx, *ref)
		if err != nil {
			return err
		}
		*ref = value
	}
	return nil
}

// Close releases the Secret Manager client, if one was created.
func (r *Resolver) Close() error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.accessor == nil {
		return nil
	}
	err := r.accessor.Close()
	r.accessor = nil
	return err
}

func (r *Resolver) getAccessor(ctx context.Context) (secretAccessor, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.accessor != nil {
		return r.accessor, nil
	}
	accessor, err := r.newAccessor(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating secret manager client: %w", err)
	}
	r.accessor = accessor
	return accessor, nil
}

type gcpAccessor struct {
	client *secretmanager.Client
}

func newGCPAccessor(ctx context.Context) (secretAccessor, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &gcpAccessor{client: client}, nil
}

func (g *gcpAccessor) accessSecretVersion(ctx context.Context, name string) ([]byte, error) {
	resp, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return resp.GetPayload().GetData(), nil
}

func (g *gcpAccessor) Close() error {
	return g.client.Close()
}
