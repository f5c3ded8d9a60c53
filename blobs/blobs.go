// Package blobs provides attestation reports and keys for testing.
package blobs

import (
	"crypto/sha256"
	"encoding/binary"
)

const (
	// SNPTCBVersion is the TCB version written into SNP test evidence.
	// Microcode 0xd3, SNP 0x15, TEE 3, bootloader 4.
	SNPTCBVersion uint64 = 0xd315000000000304
	// SNPPolicy is the guest policy written into SNP test evidence: ABI 0.31, SMT allowed, debug disabled.
	SNPPolicy = 0x3001f
	// VBSGuestVTL is the VTL written into VBS test evidence.
	VBSGuestVTL = 2
)

// TransportKeyPEM is an RSA-2048 public key as an HCL places it into KeyData for key release requests.
var TransportKeyPEM = []byte(`-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAwoHJ5JANgXzxMPHw6dWU
iCYAMZxyNiFa05V/11RSID5MGRnpLX5nYOFHvehAQvr2/3W02sNAt42kw5pkNTSI
hqqdiENWDfLEZ2amIZlr4Jf56sJ5vW99VrrCr9KHoI/UcRAgBgQ9Zy9h5zJNGq86
Mceefl70GmkayQ9C8WXi+lM9ZHZ3mesHoIK7tf9rpgyP/4uwxdU0aHx4lZdSxpYg
0FrCpDx1GGqbycIclqJIPs3zf2Q1aH6sjwZP0fO223Z1M+9Y8UjNMpmUg45rkabD
EjaTyywvQrEjoIHG16Ht4EOxwMkJHpMdC0lpJyCalucu8irUVf6wPn3+gl04tTR4
DQIDAQAB
-----END PUBLIC KEY-----
`)

// RequestData returns the binary RequestData block for the given types and key.
func RequestData(reportType, requestType uint32, keyData []byte) []byte {
	raw := make([]byte, 20+len(keyData))
	binary.LittleEndian.PutUint32(raw[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(raw[4:8], reportType)
	binary.LittleEndian.PutUint32(raw[8:12], requestType)
	binary.LittleEndian.PutUint32(raw[12:16], 1)
	binary.LittleEndian.PutUint32(raw[16:20], uint32(len(keyData)))
	copy(raw[20:], keyData)
	return raw
}

// Report returns a well formed attestation report.
// reportType 2 places SNP evidence into the report, any other value VBS evidence.
// The evidence ReportData is bound to the request data.
func Report(reportType, requestType uint32, keyData []byte) []byte {
	requestData := RequestData(reportType, requestType, keyData)
	digest := sha256.Sum256(requestData)

	var evidence []byte
	if reportType == 2 {
		raw := SNPEvidence(digest)
		evidence = raw[:]
	} else {
		raw := VBSEvidence(digest)
		evidence = raw[:]
	}

	raw := make([]byte, 16+896+len(requestData))
	binary.LittleEndian.PutUint32(raw[0:4], 0x414C4348)
	binary.LittleEndian.PutUint32(raw[4:8], 1)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(896+len(requestData)))
	copy(raw[16:], evidence)
	copy(raw[16+896:], requestData)
	return raw
}

// SNPKeyReleaseReport returns an SNP key release report carrying TransportKeyPEM.
func SNPKeyReleaseReport() []byte {
	return Report(2, 1, TransportKeyPEM)
}

// SNPEvidence returns an SNP report with recognizable field values.
func SNPEvidence(reportData [32]byte) [896]byte {
	var raw [896]byte
	binary.LittleEndian.PutUint32(raw[0:4], 2)
	binary.LittleEndian.PutUint32(raw[4:8], 1)
	binary.LittleEndian.PutUint64(raw[8:16], SNPPolicy)
	fill(raw[16:32], 0xf0)
	fill(raw[32:48], 0x1d)
	// VMPL 0, signed with ECDSA P-384 and SHA-384
	binary.LittleEndian.PutUint32(raw[52:56], 1)
	binary.LittleEndian.PutUint64(raw[56:64], SNPTCBVersion)
	binary.LittleEndian.PutUint64(raw[64:72], 1)
	copy(raw[80:112], reportData[:])
	counter(raw[144:192])
	fill(raw[320:352], 0xaa)
	fill(raw[384:456], 0x52)
	fill(raw[456:528], 0x53)
	return raw
}

// VBSEvidence returns a VBS report with recognizable field values.
func VBSEvidence(reportData [32]byte) [800]byte {
	var raw [800]byte
	binary.LittleEndian.PutUint32(raw[0:4], 800)
	binary.LittleEndian.PutUint32(raw[4:8], 1)
	binary.LittleEndian.PutUint32(raw[8:12], 1)
	binary.LittleEndian.PutUint32(raw[12:16], 256)
	binary.LittleEndian.PutUint32(raw[20:24], 1)
	copy(raw[24:56], reportData[:])
	counter(raw[120:152])
	binary.LittleEndian.PutUint32(raw[216:220], 3)
	binary.LittleEndian.PutUint32(raw[228:232], VBSGuestVTL)
	fill(raw[264:296], 0x11)
	fill(raw[544:800], 0x5f)
	return raw
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func counter(b []byte) {
	for i := range b {
		b[i] = byte(i)
	}
}
