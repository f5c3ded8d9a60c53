package main

import (
	"fmt"
	"log"
	"os"

	"github.com/edgelesssys/go-igvm-agent/blobs"
)

func main() {
	if err := generateReport(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func generateReport() error {
	if err := os.WriteFile("report", blobs.SNPKeyReleaseReport(), 0o644); err != nil {
		return err
	}
	log.Println("Successfully written SNP key release report")

	if err := os.WriteFile("report-vbs", blobs.Report(1, 1, blobs.TransportKeyPEM), 0o644); err != nil {
		return err
	}
	log.Println("Successfully written VBS key release report")
	return nil
}
