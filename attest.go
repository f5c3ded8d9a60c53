package main

import (
	"fmt"
	"os"

	"github.com/edgelesssys/go-igvm-agent/agent"
	"github.com/edgelesssys/go-igvm-agent/response"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newAttestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attest [report]",
		Short: "verify a report and release a key once, writing the response buffer",
		Args:  cobra.ExactArgs(1),
		RunE:  runAttest,
	}
	cmd.Flags().String("out", "response.bin", "file the response buffer is written to")
	cmd.Flags().String("key", "", "key to release as name/version, defaults to the configured key")
	cmd.Flags().Uint32("buffer-size", 4096, "size of the response buffer")
	return cmd
}

func runAttest(cmd *cobra.Command, args []string) error {
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	keyURI, err := cmd.Flags().GetString("key")
	if err != nil {
		return err
	}
	bufferSize, err := cmd.Flags().GetUint32("buffer-size")
	if err != nil {
		return err
	}

	rawReport, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading report: %w", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	a, err := newAgent(cmd.Context(), cfg, logrus.NewEntry(logger))
	if err != nil {
		return err
	}

	buf := make([]byte, bufferSize)
	res := a.Handle(cmd.Context(), agent.Request{
		VMID:   uuid.New(),
		VMName: "cli",
		KeyURI: keyURI,
		Report: rawReport,
	}, buf)
	if res.State != agent.Completed {
		return fmt.Errorf("request %s: %w", res.State, res.Reason)
	}

	if err := os.WriteFile(out, buf[:res.Written], 0o600); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if res.Written > 0 {
		header, err := response.ParseHeader(buf[:res.Written])
		if err != nil {
			return err
		}
		cmd.Printf("Wrote %d bytes to %s: transport key %d bytes, released key %d bytes\n",
			res.Written, out, header.TransportKeyLength, header.ReleasedKeyLength)
	} else {
		cmd.Printf("Request completed without a response, wrote empty %s\n", out)
	}
	return nil
}
