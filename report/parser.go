package report

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncatedHeader is returned if the buffer cannot hold an AttestationHeader.
	ErrTruncatedHeader = errors.New("truncated attestation header")
	// ErrBadMagic is returned if the header does not start with the HCL magic.
	ErrBadMagic = errors.New("bad attestation header magic")
	// ErrTruncatedBody is returned if the buffer or the declared sizes cannot hold the evidence and request prefix.
	ErrTruncatedBody = errors.New("truncated attestation report body")
	// ErrTruncatedKeyData is returned if KeyData runs past the buffer or the declared sizes.
	ErrTruncatedKeyData = errors.New("truncated key data")
	// ErrUnsupportedVersion is returned if RequestData.Version is not RequestVersion.
	ErrUnsupportedVersion = errors.New("unsupported request version")
	// ErrInvalidArgument is returned for unknown report or request types.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ParseReport parses and validates an IGVM attestation report.
// The input is untrusted. On success, the returned Report does not reference rawReport.
func ParseReport(rawReport []byte) (Report, error) {
	reportLength := uint64(len(rawReport))
	if reportLength < HeaderSize {
		return Report{}, fmt.Errorf("%w: need %d bytes, got %d", ErrTruncatedHeader, HeaderSize, reportLength)
	}

	header := parseHeader([HeaderSize]byte(rawReport[:HeaderSize]))
	if header.Magic != Magic {
		return Report{}, fmt.Errorf("%w: expected 0x%08x, got 0x%08x", ErrBadMagic, Magic, header.Magic)
	}

	// The evidence union is not self describing, peek at the report type first.
	if reportLength < reportTypeOffset+4 {
		return Report{}, fmt.Errorf("%w: report type at offset %d is out of bounds (received: %d bytes)", ErrTruncatedBody, reportTypeOffset, reportLength)
	}
	reportType := ReportType(binary.LittleEndian.Uint32(rawReport[reportTypeOffset : reportTypeOffset+4]))
	if reportType != SNPReportType && reportType != VBSReportType {
		return Report{}, fmt.Errorf("%w: unknown report type %s", ErrInvalidArgument, reportType)
	}

	if reportLength < MinReportSize {
		return Report{}, fmt.Errorf("%w: need at least %d bytes, got %d", ErrTruncatedBody, MinReportSize, reportLength)
	}
	if uint64(header.ReportSize) < EvidenceSize+RequestDataPrefixSize {
		return Report{}, fmt.Errorf("%w: declared report size %d is smaller than %d", ErrTruncatedBody, header.ReportSize, EvidenceSize+RequestDataPrefixSize)
	}

	request := parseRequestDataPrefix([RequestDataPrefixSize]byte(rawReport[requestDataOffset:keyDataOffset]))
	if request.DataSize < RequestDataPrefixSize {
		return Report{}, fmt.Errorf("%w: request data size %d is smaller than %d", ErrTruncatedBody, request.DataSize, RequestDataPrefixSize)
	}

	// uint64 to prevent overflows, all operands are at most 32 bits
	keyDataEnd := uint64(keyDataOffset) + uint64(request.KeyDataSize)
	if keyDataEnd > reportLength {
		return Report{}, fmt.Errorf("%w: key data of %d bytes runs past the end of the report (received: %d bytes)", ErrTruncatedKeyData, request.KeyDataSize, reportLength)
	}
	if keyDataEnd > HeaderSize+uint64(header.ReportSize) {
		return Report{}, fmt.Errorf("%w: key data of %d bytes exceeds declared report size %d", ErrTruncatedKeyData, request.KeyDataSize, header.ReportSize)
	}
	if RequestDataPrefixSize+uint64(request.KeyDataSize) > uint64(request.DataSize) {
		return Report{}, fmt.Errorf("%w: key data of %d bytes exceeds declared request data size %d", ErrTruncatedKeyData, request.KeyDataSize, request.DataSize)
	}

	payloadEnd := uint64(requestDataOffset) + uint64(request.DataSize)
	if payloadEnd > reportLength {
		return Report{}, fmt.Errorf("%w: request data of %d bytes runs past the end of the report (received: %d bytes)", ErrTruncatedBody, request.DataSize, reportLength)
	}
	declaredEnd := HeaderSize + uint64(header.ReportSize)
	if payloadEnd > declaredEnd {
		return Report{}, fmt.Errorf("%w: request data of %d bytes exceeds declared report size %d", ErrTruncatedBody, request.DataSize, header.ReportSize)
	}
	if declaredEnd > reportLength {
		return Report{}, fmt.Errorf("%w: declared report size %d exceeds received %d bytes", ErrTruncatedBody, header.ReportSize, reportLength-HeaderSize)
	}

	if request.Version != RequestVersion {
		return Report{}, fmt.Errorf("%w: expected %d, got %d", ErrUnsupportedVersion, RequestVersion, request.Version)
	}

	request.KeyData = make([]byte, request.KeyDataSize)
	copy(request.KeyData, rawReport[keyDataOffset:keyDataEnd])

	var evidence HardwareEvidence
	switch reportType {
	case SNPReportType:
		evidence = parseSNPReport([SNPReportSize]byte(rawReport[HeaderSize : HeaderSize+SNPReportSize]))
	case VBSReportType:
		evidence = parseVBSReport([VBSReportSize]byte(rawReport[HeaderSize : HeaderSize+VBSReportSize]))
	}

	return Report{
		Header:   header,
		Evidence: evidence,
		Request:  request,
	}, nil
}

// ParseRequestData parses a standalone RequestData block, as it is bound into the hardware evidence.
func ParseRequestData(rawRequest []byte) (RequestData, error) {
	if len(rawRequest) < RequestDataPrefixSize {
		return RequestData{}, fmt.Errorf("%w: need %d bytes, got %d", ErrTruncatedBody, RequestDataPrefixSize, len(rawRequest))
	}
	request := parseRequestDataPrefix([RequestDataPrefixSize]byte(rawRequest[:RequestDataPrefixSize]))
	keyDataEnd := uint64(RequestDataPrefixSize) + uint64(request.KeyDataSize)
	if keyDataEnd > uint64(len(rawRequest)) {
		return RequestData{}, fmt.Errorf("%w: key data of %d bytes runs past the end of the request (received: %d bytes)", ErrTruncatedKeyData, request.KeyDataSize, len(rawRequest))
	}
	request.KeyData = make([]byte, request.KeyDataSize)
	copy(request.KeyData, rawRequest[RequestDataPrefixSize:keyDataEnd])
	return request, nil
}

func parseHeader(rawHeader [HeaderSize]byte) AttestationHeader {
	return AttestationHeader{
		Magic:      binary.LittleEndian.Uint32(rawHeader[0:4]),
		Version:    binary.LittleEndian.Uint32(rawHeader[4:8]),
		ReportSize: binary.LittleEndian.Uint32(rawHeader[8:12]),
		Reserved:   binary.LittleEndian.Uint32(rawHeader[12:16]),
	}
}

func parseRequestDataPrefix(rawRequest [RequestDataPrefixSize]byte) RequestData {
	return RequestData{
		DataSize:    binary.LittleEndian.Uint32(rawRequest[0:4]),
		ReportType:  ReportType(binary.LittleEndian.Uint32(rawRequest[4:8])),
		RequestType: RequestType(binary.LittleEndian.Uint32(rawRequest[8:12])),
		Version:     binary.LittleEndian.Uint32(rawRequest[12:16]),
		KeyDataSize: binary.LittleEndian.Uint32(rawRequest[16:20]),
	}
}

/*
SNP report layout, based on SNP_VM_REPORT of the HCL:

	Version@0 GuestSVN@4 Policy@8 FamilyID@16 ImageID@32 VMPL@48 SignatureAlgo@52
	TCBVersion@56 PlatformInfo@64 ReportFlags@72 Reserved@76 ReportData@80
	Measurement@144 HostData@192 IDKeyDigest@224 AuthorKeyDigest@272 ReportID@320
	ReportIDMA@352 Signature@384 (R 72, S 72, Reserved 368)
*/
func parseSNPReport(raw [SNPReportSize]byte) SNPReport {
	return SNPReport{
		Version:         binary.LittleEndian.Uint32(raw[0:4]),
		GuestSVN:        binary.LittleEndian.Uint32(raw[4:8]),
		Policy:          binary.LittleEndian.Uint64(raw[8:16]),
		FamilyID:        [16]byte(raw[16:32]),
		ImageID:         [16]byte(raw[32:48]),
		VMPL:            binary.LittleEndian.Uint32(raw[48:52]),
		SignatureAlgo:   binary.LittleEndian.Uint32(raw[52:56]),
		TCBVersion:      binary.LittleEndian.Uint64(raw[56:64]),
		PlatformInfo:    binary.LittleEndian.Uint64(raw[64:72]),
		ReportFlags:     binary.LittleEndian.Uint32(raw[72:76]),
		Reserved:        binary.LittleEndian.Uint32(raw[76:80]),
		ReportData:      [64]byte(raw[80:144]),
		Measurement:     [48]byte(raw[144:192]),
		HostData:        [32]byte(raw[192:224]),
		IDKeyDigest:     [48]byte(raw[224:272]),
		AuthorKeyDigest: [48]byte(raw[272:320]),
		ReportID:        [32]byte(raw[320:352]),
		ReportIDMA:      [32]byte(raw[352:384]),
		Signature: SNPSignature{
			R:        [72]byte(raw[384:456]),
			S:        [72]byte(raw[456:528]),
			Reserved: [368]byte(raw[528:896]),
		},
	}
}

/*
VBS report layout, based on VBS_VM_REPORT of the HCL:

	PackageHeader@0 (5 x uint32) Version@20 ReportData@24 Identity@88 (176 bytes)
	Modules@264 (2 x 140 bytes) Signature@544 (256 bytes)
*/
func parseVBSReport(raw [VBSReportSize]byte) VBSReport {
	return VBSReport{
		PackageHeader: VBSPackageHeader{
			PackageSize:     binary.LittleEndian.Uint32(raw[0:4]),
			Version:         binary.LittleEndian.Uint32(raw[4:8]),
			SignatureScheme: binary.LittleEndian.Uint32(raw[8:12]),
			SignatureSize:   binary.LittleEndian.Uint32(raw[12:16]),
			Reserved:        binary.LittleEndian.Uint32(raw[16:20]),
		},
		Version:    binary.LittleEndian.Uint32(raw[20:24]),
		ReportData: [64]byte(raw[24:88]),
		Identity:   parseVBSIdentity([176]byte(raw[88:264])),
		Modules: [2]VBSModule{
			parseVBSModule([140]byte(raw[264:404])),
			parseVBSModule([140]byte(raw[404:544])),
		},
		Signature: [256]byte(raw[544:800]),
	}
}

func parseVBSIdentity(raw [176]byte) VBSIdentity {
	return VBSIdentity{
		OwnerID:              [32]byte(raw[0:32]),
		Measurement:          [32]byte(raw[32:64]),
		Signer:               [32]byte(raw[64:96]),
		Reserved1:            [32]byte(raw[96:128]),
		PlatformIsolationSVN: binary.LittleEndian.Uint32(raw[128:132]),
		SecureKernelSVN:      binary.LittleEndian.Uint32(raw[132:136]),
		PlatformBootChainSVN: binary.LittleEndian.Uint32(raw[136:140]),
		GuestVTL:             binary.LittleEndian.Uint32(raw[140:144]),
		Reserved2:            [32]byte(raw[144:176]),
	}
}

func parseVBSModule(raw [140]byte) VBSModule {
	return VBSModule{
		ImageHash:  [32]byte(raw[0:32]),
		Signer:     [32]byte(raw[32:64]),
		FamilyID:   [16]byte(raw[64:80]),
		ImageID:    [16]byte(raw[80:96]),
		Attributes: binary.LittleEndian.Uint32(raw[96:100]),
		SVN:        binary.LittleEndian.Uint32(raw[100:104]),
		VTL:        binary.LittleEndian.Uint32(raw[104:108]),
		Reserved:   [32]byte(raw[108:140]),
	}
}
