package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/edgelesssys/go-igvm-agent/blobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReport(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	rawReport := blobs.SNPKeyReleaseReport()
	parsed, err := ParseReport(rawReport)
	require.NoError(err)

	assert.EqualValues(Magic, parsed.Header.Magic)
	assert.Equal(SNPReportType, parsed.ReportType())
	assert.Equal(KeyReleaseRequest, parsed.RequestType())
	assert.Equal(blobs.TransportKeyPEM, parsed.KeyData())

	snp, ok := parsed.Evidence.(SNPReport)
	require.True(ok)
	assert.EqualValues(2, snp.Version)
	assert.EqualValues(blobs.SNPPolicy, snp.Policy)
	assert.EqualValues(blobs.SNPTCBVersion, snp.TCBVersion)
	assert.Equal(byte(47), snp.Measurement[47])

	// ReportData binds the request data
	digest := sha256.Sum256(rawReport[requestDataOffset:])
	assert.Equal(digest[:], snp.ReportData[:32])

	// KeyData must not alias the input
	rawReport[keyDataOffset] ^= 0xff
	assert.Equal(blobs.TransportKeyPEM, parsed.KeyData())
}

func TestParseReportVBS(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	parsed, err := ParseReport(blobs.Report(uint32(VBSReportType), uint32(EKCertRequest), []byte("ek")))
	require.NoError(err)

	vbs, ok := parsed.Evidence.(VBSReport)
	require.True(ok)
	assert.Equal(VBSReportType, vbs.Type())
	assert.EqualValues(blobs.VBSGuestVTL, vbs.Identity.GuestVTL)
	assert.EqualValues(3, vbs.Identity.PlatformIsolationSVN)
	assert.Equal(byte(0x11), vbs.Modules[0].ImageHash[0])
	assert.Len(vbs.Bytes(), VBSReportSize)
	assert.Equal(EKCertRequest, parsed.RequestType())
	assert.Equal([]byte("ek"), parsed.KeyData())
}

func TestParseReportErrors(t *testing.T) {
	valid := blobs.SNPKeyReleaseReport()

	modify := func(offset int, value uint32) []byte {
		raw := bytes.Clone(valid)
		binary.LittleEndian.PutUint32(raw[offset:offset+4], value)
		return raw
	}

	testCases := map[string]struct {
		report  []byte
		wantErr error
	}{
		"empty": {
			report:  nil,
			wantErr: ErrTruncatedHeader,
		},
		"one byte short of a header": {
			report:  valid[:HeaderSize-1],
			wantErr: ErrTruncatedHeader,
		},
		"bad magic": {
			report:  modify(0, 0x41414141),
			wantErr: ErrBadMagic,
		},
		"header only": {
			report:  valid[:HeaderSize],
			wantErr: ErrTruncatedBody,
		},
		"report type out of bounds": {
			report:  valid[:reportTypeOffset+3],
			wantErr: ErrTruncatedBody,
		},
		"invalid report type": {
			report:  modify(reportTypeOffset, uint32(InvalidReport)),
			wantErr: ErrInvalidArgument,
		},
		"unknown report type": {
			report:  modify(reportTypeOffset, 7),
			wantErr: ErrInvalidArgument,
		},
		"request prefix truncated": {
			report:  valid[:MinReportSize-1],
			wantErr: ErrTruncatedBody,
		},
		"declared size below evidence and prefix": {
			report:  modify(8, EvidenceSize),
			wantErr: ErrTruncatedBody,
		},
		"request data size below prefix": {
			report:  modify(requestDataOffset, 4),
			wantErr: ErrTruncatedBody,
		},
		"key data past buffer": {
			report:  valid[:len(valid)-1],
			wantErr: ErrTruncatedKeyData,
		},
		"key data size overflows": {
			report:  modify(requestDataOffset+16, math.MaxUint32),
			wantErr: ErrTruncatedKeyData,
		},
		"key data exceeds declared report size": {
			report:  modify(8, uint32(len(valid)-HeaderSize-1)),
			wantErr: ErrTruncatedKeyData,
		},
		"key data exceeds request data size": {
			report:  modify(requestDataOffset, uint32(RequestDataPrefixSize+len(blobs.TransportKeyPEM)-1)),
			wantErr: ErrTruncatedKeyData,
		},
		"request data size past buffer": {
			report:  modify(requestDataOffset, uint32(len(valid)-requestDataOffset+1)),
			wantErr: ErrTruncatedBody,
		},
		"request data size past declared report size": {
			report:  append(modify(requestDataOffset, uint32(len(valid)-requestDataOffset+4)), 0, 0, 0, 0),
			wantErr: ErrTruncatedBody,
		},
		"request data size past empty key data": {
			report: func() []byte {
				raw := blobs.Report(uint32(SNPReportType), uint32(KeyReleaseRequest), nil)
				binary.LittleEndian.PutUint32(raw[requestDataOffset:], 1000)
				return raw
			}(),
			wantErr: ErrTruncatedBody,
		},
		"declared report size past buffer": {
			report:  modify(8, uint32(len(valid))),
			wantErr: ErrTruncatedBody,
		},
		"unsupported version": {
			report:  modify(requestDataOffset+12, 2),
			wantErr: ErrUnsupportedVersion,
		},
		"version zero": {
			report:  modify(requestDataOffset+12, 0),
			wantErr: ErrUnsupportedVersion,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			parsed, err := ParseReport(tc.report)
			assert.ErrorIs(err, tc.wantErr)
			assert.Empty(parsed)
		})
	}
}

func TestParseReportKeyDataSizes(t *testing.T) {
	// All key data sizes up to the remaining buffer are accepted and copied exactly.
	keyData := make([]byte, 512)
	for i := range keyData {
		keyData[i] = byte(i * 7)
	}

	for size := 0; size <= len(keyData); size += 37 {
		rawReport := blobs.Report(uint32(SNPReportType), uint32(KeyReleaseRequest), keyData[:size])
		parsed, err := ParseReport(rawReport)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, keyData[:size], parsed.KeyData(), "size %d", size)
		assert.EqualValues(t, size, parsed.Request.KeyDataSize)
	}
}

func TestParseReportTrailingData(t *testing.T) {
	assert := assert.New(t)

	// Bytes past the declared report size are ignored.
	rawReport := append(blobs.SNPKeyReleaseReport(), 0xde, 0xad)
	parsed, err := ParseReport(rawReport)
	assert.NoError(err)
	assert.Equal(blobs.TransportKeyPEM, parsed.KeyData())
}

func TestParseRequestData(t *testing.T) {
	testCases := map[string]struct {
		raw     []byte
		wantKey []byte
		wantErr bool
	}{
		"valid": {
			raw:     blobs.RequestData(uint32(SNPReportType), uint32(KeyReleaseRequest), []byte{1, 2, 3}),
			wantKey: []byte{1, 2, 3},
		},
		"empty key": {
			raw:     blobs.RequestData(uint32(SNPReportType), uint32(EKCertRequest), nil),
			wantKey: []byte{},
		},
		"too short": {
			raw:     make([]byte, RequestDataPrefixSize-1),
			wantErr: true,
		},
		"key past end": {
			raw:     blobs.RequestData(uint32(SNPReportType), uint32(KeyReleaseRequest), []byte{1, 2, 3})[:22],
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			request, err := ParseRequestData(tc.raw)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantKey, request.KeyData)
			assert.Equal(tc.raw, request.Marshal())
		})
	}
}

func TestTypeStrings(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("SNP", SNPReportType.String())
	assert.Equal("VBS", VBSReportType.String())
	assert.Equal("ReportType(9)", ReportType(9).String())
	assert.Equal("KeyRelease", KeyReleaseRequest.String())
	assert.Equal("EkCert", EKCertRequest.String())
	assert.Equal("RequestType(9)", RequestType(9).String())
}

func FuzzParseReport(f *testing.F) {
	f.Add(blobs.SNPKeyReleaseReport())
	f.Add(blobs.Report(uint32(VBSReportType), uint32(EKCertRequest), nil))
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)

		var parsed Report
		var err error
		assert.NotPanics(func() { parsed, err = ParseReport(a) })
		if err != nil {
			assert.Empty(parsed)
			return
		}
		// Anything accepted must stay within the input.
		assert.LessOrEqual(MinReportSize+len(parsed.KeyData()), len(a))
		assert.Equal(a[keyDataOffset:keyDataOffset+len(parsed.KeyData())], parsed.KeyData())
		assert.LessOrEqual(requestDataOffset+int(parsed.Request.DataSize), len(a))
	})
}

func FuzzParseReportFields(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(func(t *testing.T, a []byte) {
		fields := struct {
			ReportSize  uint32
			DataSize    uint32
			ReportType  uint32
			Version     uint32
			KeyDataSize uint32
			Tail        []byte
		}{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		if err := fuzzConsumer.GenerateStruct(&fields); err != nil {
			return
		}

		rawReport := blobs.Report(uint32(SNPReportType), uint32(KeyReleaseRequest), fields.Tail)
		binary.LittleEndian.PutUint32(rawReport[8:12], fields.ReportSize)
		binary.LittleEndian.PutUint32(rawReport[requestDataOffset:], fields.DataSize)
		binary.LittleEndian.PutUint32(rawReport[reportTypeOffset:], fields.ReportType)
		binary.LittleEndian.PutUint32(rawReport[requestDataOffset+12:], fields.Version)
		binary.LittleEndian.PutUint32(rawReport[requestDataOffset+16:], fields.KeyDataSize)

		assert.NotPanics(t, func() { _, _ = ParseReport(rawReport) })
	})
}
