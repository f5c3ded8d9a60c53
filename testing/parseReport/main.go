package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/edgelesssys/go-igvm-agent/report"
)

func main() {
	if err := parseBlob(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseBlob() error {
	rawReport, err := os.ReadFile("report")
	if err != nil {
		return err
	}

	parsedReport, err := report.ParseReport(rawReport)
	if err != nil {
		return err
	}

	prettyPrint, err := json.MarshalIndent(parsedReport, "", " ")
	if err != nil {
		return err
	}

	fmt.Println(string(prettyPrint))

	return nil
}
