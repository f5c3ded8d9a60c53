/*
Package report implements parsing of IGVM attestation reports.

An attestation report is handed to the agent by the host compatibility layer (HCL) running
in front of an isolated VM. The buffer is attacker controlled, so every field is read from
an explicit offset only after the buffer length has been checked against that offset.

The layout of a report looks like this:

	              AttestationReport
	                ParseReport
	┌─────────────────────────────────────────┐
	│            AttestationHeader            │
	│               (16 bytes)                │
	│  Magic "HCLA" | Version | ReportSize    │
	│               | Reserved                │
	├─────────────────────────────────────────┤        ┌──────────────────────────────┐
	│                                         │        │          SNPReport           │
	│            HardwareEvidence             │ ──────►│         (896 bytes)          │
	│               (896 bytes)               │        └──────────────────────────────┘
	│                                         │   or   ┌──────────────────────────────┐
	│    size is fixed by the protocol, the   │ ──────►│          VBSReport           │
	│    larger of the two evidence layouts   │        │         (800 bytes)          │
	│                                         │        │   + 96 bytes zero padding    │
	├─────────────────────────────────────────┤        └──────────────────────────────┘
	│               RequestData               │
	│  ┌───────────────────────────────────┐  │
	│  │ DataSize        (4 bytes) @912    │  │
	│  │ ReportType      (4 bytes) @916    │  │ ◄── selects the evidence layout above
	│  │ RequestType     (4 bytes) @920    │  │
	│  │ Version         (4 bytes) @924    │  │
	│  │ KeyDataSize     (4 bytes) @928    │  │
	│  ├───────────────────────────────────┤  │
	│  │ KeyData  (KeyDataSize bytes) @932 │  │
	│  │  transport key or EK public key   │  │
	│  └───────────────────────────────────┘  │
	└─────────────────────────────────────────┘

All integers are little endian. Structures are packed.
*/
package report

import "fmt"

const (
	// Magic is the expected value of AttestationHeader.Magic ("HCLA").
	Magic = 0x414C4348
	// AttestationVersion is the version of the attestation header written by the HCL.
	AttestationVersion = 1
	// RequestVersion is the only supported RequestData.Version.
	RequestVersion = 1

	// HeaderSize is the size of AttestationHeader.
	HeaderSize = 16
	// SNPReportSize is the size of an SNPReport.
	SNPReportSize = 896
	// VBSReportSize is the size of a VBSReport.
	VBSReportSize = 800
	// EvidenceSize is the size reserved for hardware evidence in a report.
	EvidenceSize = SNPReportSize
	// RequestDataPrefixSize is the size of RequestData without KeyData.
	RequestDataPrefixSize = 20
	// MinReportSize is the size of the smallest well formed report, one carrying no KeyData.
	MinReportSize = HeaderSize + EvidenceSize + RequestDataPrefixSize

	requestDataOffset = HeaderSize + EvidenceSize
	reportTypeOffset  = requestDataOffset + 4
	keyDataOffset     = MinReportSize
)

// ReportType is the type of hardware evidence carried in a report.
type ReportType uint32

const (
	// InvalidReport marks an unset report type.
	InvalidReport ReportType = iota
	// VBSReportType is a Virtualization-based Security report.
	VBSReportType
	// SNPReportType is an AMD SEV-SNP report.
	SNPReportType
)

func (t ReportType) String() string {
	switch t {
	case InvalidReport:
		return "Invalid"
	case VBSReportType:
		return "VBS"
	case SNPReportType:
		return "SNP"
	default:
		return fmt.Sprintf("ReportType(%d)", uint32(t))
	}
}

// RequestType is the kind of request the HCL is making.
type RequestType uint32

const (
	// InvalidRequest marks an unset request type.
	InvalidRequest RequestType = iota
	// KeyReleaseRequest asks for a key to be released under the transport key in KeyData.
	KeyReleaseRequest
	// EKCertRequest asks for an endorsement key certificate for the EK in KeyData.
	EKCertRequest
)

func (t RequestType) String() string {
	switch t {
	case InvalidRequest:
		return "Invalid"
	case KeyReleaseRequest:
		return "KeyRelease"
	case EKCertRequest:
		return "EkCert"
	default:
		return fmt.Sprintf("RequestType(%d)", uint32(t))
	}
}

// AttestationHeader is the unmeasured framing in front of every report.
type AttestationHeader struct {
	Magic      uint32
	Version    uint32
	ReportSize uint32 // size of the evidence block plus RequestData.DataSize
	Reserved   uint32
}

// HardwareEvidence is the hardware specific part of a report.
// It is implemented by SNPReport and VBSReport.
type HardwareEvidence interface {
	// Type returns the ReportType identifying the evidence layout.
	Type() ReportType
	// Bytes returns the evidence in its binary representation.
	Bytes() []byte
}

// SNPSignature is the ECDSA P-384 signature over an SNP report.
type SNPSignature struct {
	R        [72]byte
	S        [72]byte
	Reserved [368]byte
}

// SNPReport is the attestation report produced by the AMD SEV-SNP firmware for the VM.
type SNPReport struct {
	Version         uint32
	GuestSVN        uint32
	Policy          uint64 // guest policy bitfield
	FamilyID        [16]byte
	ImageID         [16]byte
	VMPL            uint32
	SignatureAlgo   uint32
	TCBVersion      uint64
	PlatformInfo    uint64
	ReportFlags     uint32
	Reserved        uint32
	ReportData      [64]byte // SHA-256 of RequestData, zero padded
	Measurement     [48]byte // SHA-384 launch digest
	HostData        [32]byte
	IDKeyDigest     [48]byte
	AuthorKeyDigest [48]byte
	ReportID        [32]byte
	ReportIDMA      [32]byte
	Signature       SNPSignature
}

// Type implements HardwareEvidence.
func (r SNPReport) Type() ReportType { return SNPReportType }

// Bytes implements HardwareEvidence.
func (r SNPReport) Bytes() []byte {
	raw := r.Marshal()
	return raw[:]
}

// VBSPackageHeader is the header of a signed VBS report package.
type VBSPackageHeader struct {
	PackageSize     uint32
	Version         uint32
	SignatureScheme uint32
	SignatureSize   uint32
	Reserved        uint32
}

// VBSIdentity describes the VTL that produced a VBS report.
type VBSIdentity struct {
	OwnerID              [32]byte
	Measurement          [32]byte
	Signer               [32]byte
	Reserved1            [32]byte
	PlatformIsolationSVN uint32
	SecureKernelSVN      uint32
	PlatformBootChainSVN uint32
	GuestVTL             uint32
	Reserved2            [32]byte
}

// VBSModule describes a module loaded into the reporting VTL.
type VBSModule struct {
	ImageHash  [32]byte
	Signer     [32]byte
	FamilyID   [16]byte
	ImageID    [16]byte
	Attributes uint32
	SVN        uint32
	VTL        uint32
	Reserved   [32]byte
}

// VBSReport is a Virtualization-based Security attestation report.
type VBSReport struct {
	PackageHeader VBSPackageHeader
	Version       uint32
	ReportData    [64]byte
	Identity      VBSIdentity
	Modules       [2]VBSModule
	Signature     [256]byte
}

// Type implements HardwareEvidence.
func (r VBSReport) Type() ReportType { return VBSReportType }

// Bytes implements HardwareEvidence.
func (r VBSReport) Bytes() []byte {
	raw := r.Marshal()
	return raw[:]
}

// RequestData is the variable length user payload following the hardware evidence.
// Its SHA-256 digest is bound into the ReportData of the hardware evidence.
type RequestData struct {
	DataSize    uint32
	ReportType  ReportType
	RequestType RequestType
	Version     uint32
	KeyDataSize uint32
	KeyData     []byte
}

// Report is a validated attestation report.
// All byte slices are copies owned by the Report.
type Report struct {
	Header   AttestationHeader
	Evidence HardwareEvidence
	Request  RequestData
}

// ReportType returns the type of the hardware evidence.
func (r Report) ReportType() ReportType {
	return r.Request.ReportType
}

// RequestType returns the type of the request.
func (r Report) RequestType() RequestType {
	return r.Request.RequestType
}

// KeyData returns the transport or endorsement key carried by the report.
func (r Report) KeyData() []byte {
	return r.Request.KeyData
}
