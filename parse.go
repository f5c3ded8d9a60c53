package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/edgelesssys/go-igvm-agent/crypto"
	"github.com/edgelesssys/go-igvm-agent/report"
	"github.com/spf13/cobra"
)

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [report]",
		Short: "decode a report and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runParse,
	}
}

func runParse(cmd *cobra.Command, args []string) error {
	rawReport, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading report: %w", err)
	}
	r, err := report.ParseReport(rawReport)
	if err != nil {
		return err
	}

	prettyPrint, err := json.MarshalIndent(summarize(r, len(rawReport)), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(prettyPrint))
	return nil
}

type reportSummary struct {
	Size        string          `json:"size"`
	Header      headerSummary   `json:"header"`
	ReportType  string          `json:"reportType"`
	RequestType string          `json:"requestType"`
	Evidence    evidenceSummary `json:"evidence"`
	KeyData     keyDataSummary  `json:"keyData"`
}

type headerSummary struct {
	Version    uint32 `json:"version"`
	ReportSize string `json:"reportSize"`
}

type evidenceSummary struct {
	Size string `json:"size"`
	// ReportDataBound reports whether the evidence carries the digest of the request data.
	ReportDataBound bool   `json:"reportDataBound"`
	Measurement     string `json:"measurement,omitempty"`
	Policy          string `json:"policy,omitempty"`
	TCBVersion      string `json:"tcbVersion,omitempty"`
	GuestVTL        uint32 `json:"guestVTL,omitempty"`
}

type keyDataSummary struct {
	Size        string `json:"size"`
	Key         string `json:"key,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

func summarize(r report.Report, size int) reportSummary {
	summary := reportSummary{
		Size: humanize.IBytes(uint64(size)),
		Header: headerSummary{
			Version:    r.Header.Version,
			ReportSize: humanize.IBytes(uint64(r.Header.ReportSize)),
		},
		ReportType:  r.ReportType().String(),
		RequestType: r.RequestType().String(),
		KeyData: keyDataSummary{
			Size: humanize.IBytes(uint64(len(r.KeyData()))),
		},
	}

	digest := sha256.Sum256(r.Request.Marshal())
	switch ev := r.Evidence.(type) {
	case report.SNPReport:
		summary.Evidence = evidenceSummary{
			Size:            humanize.IBytes(report.SNPReportSize),
			ReportDataBound: bytes.Equal(ev.ReportData[:sha256.Size], digest[:]),
			Measurement:     hex.EncodeToString(ev.Measurement[:]),
			Policy:          fmt.Sprintf("%#x", ev.Policy),
			TCBVersion:      fmt.Sprintf("%#x", ev.TCBVersion),
		}
	case report.VBSReport:
		summary.Evidence = evidenceSummary{
			Size:            humanize.IBytes(report.VBSReportSize),
			ReportDataBound: bytes.Equal(ev.ReportData[:sha256.Size], digest[:]),
			Measurement:     hex.EncodeToString(ev.Identity.Measurement[:]),
			GuestVTL:        ev.Identity.GuestVTL,
		}
	}

	if len(r.KeyData()) > 0 {
		summary.KeyData.Fingerprint = crypto.Fingerprint(r.KeyData())
		if pub, err := crypto.ParsePublicKey(r.KeyData()); err != nil {
			summary.KeyData.Error = err.Error()
		} else {
			summary.KeyData.Key = crypto.Describe(pub)
		}
	}
	return summary
}
