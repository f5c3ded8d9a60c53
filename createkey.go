package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/edgelesssys/go-igvm-agent/config"
	"github.com/edgelesssys/go-igvm-agent/release/skr"
	"github.com/spf13/cobra"
)

func newCreateKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-key [name]",
		Short: "create a new key version in the CCF key release service",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreateKey,
	}
	cmd.Flags().String("policy", "", "path to the JSON key release policy")
	must(cmd.MarkFlagRequired("policy"))
	return cmd
}

func runCreateKey(cmd *cobra.Command, args []string) error {
	policyPath, err := cmd.Flags().GetString("policy")
	if err != nil {
		return err
	}
	policy, err := os.ReadFile(policyPath)
	if err != nil {
		return fmt.Errorf("reading policy: %w", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.SKR.Backend != config.BackendCCF {
		return fmt.Errorf("creating keys is only supported by the %s backend, configured is %s", config.BackendCCF, cfg.SKR.Backend)
	}

	client, err := skr.NewCCF(skr.Config{
		Endpoint:   cfg.SKR.Endpoint,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeoutDuration()},
		RetryFor:   cfg.SKR.RetryForDuration(),
	})
	if err != nil {
		return err
	}
	version, err := client.CreateKey(cmd.Context(), args[0], policy, cfg.SKR.Secret)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\n", args[0], version)
	return nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
