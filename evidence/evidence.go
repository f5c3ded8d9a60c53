// Package evidence encodes attestation reports for the attestation service.
package evidence

import (
	"encoding/base64"
	"fmt"

	"github.com/edgelesssys/go-igvm-agent/report"
)

// Evidence is a report as it is sent to the attestation service.
type Evidence struct {
	// HardwareReport is the hardware evidence block, base64url encoded without padding.
	HardwareReport string `json:"hardwareReport"`
	// UserData is the request data block including KeyData, base64url encoded without padding.
	// The attestation service checks it against the ReportData bound into HardwareReport.
	UserData string `json:"userData"`
}

// Encode encodes the hardware evidence and request data of a validated report.
func Encode(r report.Report) Evidence {
	var hardwareReport []byte
	if r.Evidence != nil {
		hardwareReport = r.Evidence.Bytes()
	}
	return Evidence{
		HardwareReport: EncodeBytes(hardwareReport),
		UserData:       EncodeBytes(r.Request.Marshal()),
	}
}

// EncodeBytes encodes data as base64url without padding.
func EncodeBytes(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeBytes reverses EncodeBytes.
func DecodeBytes(encoded string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding base64url: %w", err)
	}
	return data, nil
}
