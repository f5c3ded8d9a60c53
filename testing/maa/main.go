package main

import (
	"context"
	"fmt"
	"os"

	"github.com/edgelesssys/go-igvm-agent/blobs"
	"github.com/edgelesssys/go-igvm-agent/evidence"
	"github.com/edgelesssys/go-igvm-agent/release/maa"
	"github.com/edgelesssys/go-igvm-agent/report"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <attestation endpoint>\n", os.Args[0])
		os.Exit(2)
	}
	if err := maaConnection(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// maaConnection sends a synthetic report to the attestation service.
// The report is not signed by real hardware, so a reachable service rejects it.
func maaConnection(endpoint string) error {
	client, err := maa.New(context.Background(), maa.Config{Endpoint: endpoint})
	if err != nil {
		return err
	}

	r, err := report.ParseReport(blobs.SNPKeyReleaseReport())
	if err != nil {
		return err
	}
	ev := evidence.Encode(r)

	token, err := client.Verify(context.Background(), ev.HardwareReport, ev.UserData)
	if err != nil {
		fmt.Printf("Attestation service answered: %v\n", err)
		return nil
	}
	fmt.Printf("Attestation token:\n%s\n", token)
	return nil
}
