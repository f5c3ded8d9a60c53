package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/edgelesssys/go-igvm-agent/agent"
	"github.com/edgelesssys/go-igvm-agent/config"
	"github.com/edgelesssys/go-igvm-agent/crypto"
	"github.com/edgelesssys/go-igvm-agent/release"
	"github.com/edgelesssys/go-igvm-agent/release/aad"
	"github.com/edgelesssys/go-igvm-agent/release/maa"
	"github.com/edgelesssys/go-igvm-agent/release/skr"
	"github.com/edgelesssys/go-igvm-agent/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

// loadConfig loads .env files and the configuration file named by the command's flags,
// resolves secret references and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	envFiles, err := cmd.Flags().GetStringSlice("env-file")
	if err != nil {
		return nil, err
	}

	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	resolver := secrets.NewResolver()
	defer resolver.Close()
	if err := resolver.ResolveAll(cmd.Context(), &cfg.AAD.ClientSecret, &cfg.SKR.Secret); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Log) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// newTokenSource returns an AAD token source for scope, or nil if no identity is configured.
func newTokenSource(ctx context.Context, cfg config.AAD, scope string, httpClient *http.Client) (oauth2.TokenSource, error) {
	switch {
	case cfg.ManagedIdentity:
		return aad.NewManagedIdentitySource(ctx, cfg.IMDSEndpoint, scope, cfg.IdentityClientID, httpClient)
	case cfg.Enabled():
		return aad.NewClientCredentialsSource(ctx, aad.ServicePrincipal{
			TenantID:     cfg.TenantID,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Authority:    cfg.Authority,
		}, scope, httpClient)
	default:
		return nil, nil
	}
}

// newKeyReleaser returns the key release client of the configured backend.
func newKeyReleaser(ctx context.Context, cfg *config.Config, httpClient *http.Client) (release.KeyReleaser, error) {
	skrCfg := skr.Config{
		Endpoint:   cfg.SKR.Endpoint,
		HTTPClient: httpClient,
		RetryFor:   cfg.SKR.RetryForDuration(),
	}
	switch cfg.SKR.Backend {
	case config.BackendAKV:
		tokens, err := newTokenSource(ctx, cfg.AAD, skr.VaultScope, httpClient)
		if err != nil {
			return nil, fmt.Errorf("creating key vault token source: %w", err)
		}
		return skr.NewAKV(skrCfg, tokens)
	default:
		return skr.NewCCF(skrCfg)
	}
}

// newAgent wires the attestation and key release services into an agent.
func newAgent(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*agent.Agent, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeoutDuration()}

	maaCfg := maa.Config{
		Endpoint:        cfg.MAA.Endpoint,
		HTTPClient:      httpClient,
		VerifySignature: cfg.MAA.VerifySignature,
		RetryFor:        cfg.MAA.RetryForDuration(),
	}
	if cfg.MAA.Authenticate {
		tokens, err := newTokenSource(ctx, cfg.AAD, maa.Scope, httpClient)
		if err != nil {
			return nil, fmt.Errorf("creating attestation token source: %w", err)
		}
		maaCfg.TokenSource = tokens
	}
	verifier, err := maa.New(ctx, maaCfg)
	if err != nil {
		return nil, fmt.Errorf("creating attestation client: %w", err)
	}

	releaser, err := newKeyReleaser(ctx, cfg, httpClient)
	if err != nil {
		return nil, fmt.Errorf("creating key release client: %w", err)
	}

	orchestrator := release.New(verifier, releaser, release.KeyID{
		Name:    cfg.SKR.KeyName,
		Version: cfg.SKR.KeyVersion,
	}, cfg.SKR.Secret)

	var opts []agent.Option
	if cfg.SKR.WrapReleasedKey {
		opts = append(opts, agent.WithTransportKeyWrapper(agent.TransportKeyWrapperFunc(crypto.WrapKey)))
	}
	return agent.New(orchestrator, log, opts...), nil
}
