package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/edgelesssys/go-igvm-agent/blobs"
	"github.com/edgelesssys/go-igvm-agent/crypto"
	"github.com/edgelesssys/go-igvm-agent/evidence"
	"github.com/edgelesssys/go-igvm-agent/release"
	"github.com/edgelesssys/go-igvm-agent/report"
	"github.com/edgelesssys/go-igvm-agent/response"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle(t *testing.T) {
	transportKey := []byte("transport-key-0")
	releasedKey := bytes.Repeat([]byte{0x4b}, 300)

	withVersion := func(raw []byte, version uint32) []byte {
		binary.LittleEndian.PutUint32(raw[924:928], version)
		return raw
	}

	testCases := map[string]struct {
		report      []byte
		keyURI      string
		releaser    *stubReleaser
		outSize     int
		wantState   State
		wantErr     error
		wantWritten int
		wantCalls   int
	}{
		"snp key release": {
			report:      blobs.Report(2, 1, transportKey),
			releaser:    &stubReleaser{key: releasedKey},
			outSize:     339,
			wantState:   Completed,
			wantWritten: 339,
			wantCalls:   1,
		},
		"vbs key release": {
			report:      blobs.Report(1, 1, transportKey),
			releaser:    &stubReleaser{key: releasedKey},
			outSize:     4096,
			wantState:   Completed,
			wantWritten: 339,
			wantCalls:   1,
		},
		"ek cert": {
			report:    blobs.Report(2, 2, nil),
			releaser:  &stubReleaser{key: releasedKey},
			outSize:   64,
			wantState: Completed,
		},
		"unsupported version": {
			report:    withVersion(blobs.Report(2, 1, transportKey), 2),
			releaser:  &stubReleaser{key: releasedKey},
			outSize:   4096,
			wantState: Rejected,
			wantErr:   report.ErrUnsupportedVersion,
		},
		"truncated header": {
			report:    []byte{0x48, 0x43, 0x4c},
			releaser:  &stubReleaser{key: releasedKey},
			outSize:   4096,
			wantState: Rejected,
			wantErr:   report.ErrTruncatedHeader,
		},
		"invalid request type": {
			report:    blobs.Report(2, 7, transportKey),
			releaser:  &stubReleaser{key: releasedKey},
			outSize:   4096,
			wantState: Rejected,
			wantErr:   report.ErrInvalidArgument,
		},
		"invalid key uri": {
			report:    blobs.Report(2, 1, transportKey),
			keyURI:    "key",
			releaser:  &stubReleaser{key: releasedKey},
			outSize:   4096,
			wantState: Rejected,
			wantErr:   report.ErrInvalidArgument,
		},
		"verification failed": {
			report:    blobs.Report(2, 1, transportKey),
			releaser:  &stubReleaser{err: release.ErrVerificationFailed},
			outSize:   4096,
			wantState: Failed,
			wantErr:   release.ErrVerificationFailed,
			wantCalls: 1,
		},
		"buffer too small": {
			report:    blobs.Report(2, 1, transportKey),
			releaser:  &stubReleaser{key: releasedKey},
			outSize:   338,
			wantState: Failed,
			wantErr:   response.ErrBufferTooSmall,
			wantCalls: 1,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			logger, _ := logtest.NewNullLogger()
			logger.SetLevel(logrus.DebugLevel)
			a := New(tc.releaser, logrus.NewEntry(logger))

			out := bytes.Repeat([]byte{0xff}, tc.outSize)
			res := a.Handle(context.Background(), Request{
				VMID:   uuid.New(),
				VMName: "vm",
				KeyURI: tc.keyURI,
				Report: tc.report,
			}, out)

			assert.Equal(tc.wantState, res.State)
			assert.Equal(tc.wantWritten, res.Written)
			assert.Equal(tc.wantCalls, tc.releaser.calls)
			if tc.wantErr != nil {
				assert.ErrorIs(res.Reason, tc.wantErr)
			} else {
				assert.NoError(res.Reason)
			}

			if tc.wantWritten == 0 {
				assert.Equal(make([]byte, tc.outSize), out)
				return
			}

			header, err := response.ParseHeader(out)
			require.NoError(err)
			assert.EqualValues(tc.wantWritten, header.DataSize)
			assert.Equal(transportKey, header.TransportKey(out))
			assert.Equal(releasedKey, header.ReleasedKey(out))
			assert.Equal(make([]byte, tc.outSize-tc.wantWritten), out[tc.wantWritten:])
		})
	}
}

func TestHandleKeySelection(t *testing.T) {
	testCases := map[string]struct {
		keyURI  string
		wantKey release.KeyID
	}{
		"default key": {
			wantKey: release.KeyID{Name: "default", Version: "1"},
		},
		"key from uri": {
			keyURI:  "https://ccf.example/users/keys/vm-key/3",
			wantKey: release.KeyID{Name: "vm-key", Version: "3"},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			releaser := &stubReleaser{key: []byte{1}}
			a := New(releaser, logrus.NewEntry(logrus.New()))

			res := a.Handle(context.Background(), Request{KeyURI: tc.keyURI, Report: blobs.SNPKeyReleaseReport()}, make([]byte, 4096))
			assert.Equal(t, Completed, res.State)
			assert.Equal(t, tc.wantKey, releaser.gotKey)
		})
	}
}

func TestHandleEvidence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	raw := blobs.SNPKeyReleaseReport()
	releaser := &stubReleaser{key: []byte{1}}
	a := New(releaser, logrus.NewEntry(logrus.New()))

	res := a.Handle(context.Background(), Request{Report: raw}, make([]byte, 4096))
	require.Equal(Completed, res.State)

	hardwareReport, err := evidence.DecodeBytes(releaser.gotEvidence.HardwareReport)
	require.NoError(err)
	assert.Equal(raw[report.HeaderSize:report.HeaderSize+report.SNPReportSize], hardwareReport)
	userData, err := evidence.DecodeBytes(releaser.gotEvidence.UserData)
	require.NoError(err)
	assert.Equal(raw[report.HeaderSize+report.SNPReportSize:], userData)
	assert.Equal(report.KeyReleaseRequest, releaser.gotRequestType)
}

func TestHandleOrchestrated(t *testing.T) {
	testCases := map[string]struct {
		verifier     *stubVerifier
		keyReleaser  *stubKeyReleaser
		wantState    State
		wantErr      error
		wantReleases int
	}{
		"released": {
			verifier:     &stubVerifier{token: "maa-token"},
			keyReleaser:  &stubKeyReleaser{key: []byte{1, 2, 3}},
			wantState:    Completed,
			wantReleases: 1,
		},
		"attestation service unauthorized": {
			verifier:    &stubVerifier{err: errors.New("request failed with status 401 Unauthorized")},
			keyReleaser: &stubKeyReleaser{key: []byte{1, 2, 3}},
			wantState:   Failed,
			wantErr:     release.ErrVerificationFailed,
		},
		"key release service error": {
			verifier:     &stubVerifier{token: "maa-token"},
			keyReleaser:  &stubKeyReleaser{err: errors.New("key not found")},
			wantState:    Failed,
			wantErr:      release.ErrKeyReleaseFailed,
			wantReleases: 1,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			o := release.New(tc.verifier, tc.keyReleaser, release.KeyID{Name: "key", Version: "3"}, "")
			a := New(o, logrus.NewEntry(logrus.New()))

			out := make([]byte, 4096)
			res := a.Handle(context.Background(), Request{Report: blobs.SNPKeyReleaseReport()}, out)
			assert.Equal(tc.wantState, res.State)
			assert.Equal(tc.wantReleases, tc.keyReleaser.calls)
			if tc.wantErr != nil {
				assert.ErrorIs(res.Reason, tc.wantErr)
				assert.Zero(res.Written)
				assert.Equal(make([]byte, len(out)), out)
			}
		})
	}
}

func TestHandleWrapsKey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	releaser := &stubReleaser{key: []byte("released")}
	var gotTransportKey []byte
	wrapper := TransportKeyWrapperFunc(func(transportKey, releasedKey []byte) ([]byte, error) {
		gotTransportKey = transportKey
		return append([]byte("wrapped:"), releasedKey...), nil
	})
	a := New(releaser, logrus.NewEntry(logrus.New()), WithTransportKeyWrapper(wrapper))

	out := make([]byte, 4096)
	res := a.Handle(context.Background(), Request{Report: blobs.SNPKeyReleaseReport()}, out)
	require.Equal(Completed, res.State)
	assert.Equal(blobs.TransportKeyPEM, gotTransportKey)

	header, err := response.ParseHeader(out)
	require.NoError(err)
	assert.Equal([]byte("wrapped:released"), header.ReleasedKey(out))
	assert.Equal(blobs.TransportKeyPEM, header.TransportKey(out))
}

func TestHandleWrapFails(t *testing.T) {
	assert := assert.New(t)

	wrapper := TransportKeyWrapperFunc(crypto.WrapKey)
	a := New(&stubReleaser{key: make([]byte, 1024)}, logrus.NewEntry(logrus.New()), WithTransportKeyWrapper(wrapper))

	out := make([]byte, 4096)
	res := a.Handle(context.Background(), Request{Report: blobs.SNPKeyReleaseReport()}, out)
	assert.Equal(Failed, res.State)
	assert.Error(res.Reason)
	assert.Equal(make([]byte, len(out)), out)
}

func TestHandleLogsRequest(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	logger, hook := logtest.NewNullLogger()
	a := New(&stubReleaser{key: []byte{1}}, logrus.NewEntry(logger))

	vmID := uuid.New()
	res := a.Handle(context.Background(), Request{VMID: vmID, VMName: "vm-0", Report: blobs.SNPKeyReleaseReport()}, make([]byte, 4096))
	require.Equal(Completed, res.State)

	entry := hook.LastEntry()
	require.NotNil(entry)
	assert.Equal(logrus.InfoLevel, entry.Level)
	assert.Equal(vmID.String(), entry.Data["vm_id"])
	assert.Equal("vm-0", entry.Data["vm_name"])
	assert.Equal("SNP", entry.Data["report_type"])
	assert.Equal("KeyRelease", entry.Data["request_type"])
	assert.NotEmpty(entry.Data["request_id"])
}

func TestStateString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("Completed", Completed.String())
	assert.Equal("Rejected", Rejected.String())
	assert.Equal("Failed", Failed.String())
	assert.Equal("State(7)", State(7).String())
}

type stubReleaser struct {
	key []byte
	err error

	calls          int
	gotKey         release.KeyID
	gotEvidence    evidence.Evidence
	gotRequestType report.RequestType
}

func (s *stubReleaser) ReleaseKeyID(_ context.Context, ev evidence.Evidence, requestType report.RequestType, key release.KeyID) ([]byte, error) {
	s.calls++
	s.gotKey = key
	s.gotEvidence = ev
	s.gotRequestType = requestType
	if s.err != nil {
		return nil, s.err
	}
	return bytes.Clone(s.key), nil
}

func (s *stubReleaser) DefaultKey() release.KeyID {
	return release.KeyID{Name: "default", Version: "1"}
}

type stubVerifier struct {
	token string
	err   error
}

func (s *stubVerifier) Verify(context.Context, string, string) (string, error) {
	return s.token, s.err
}

type stubKeyReleaser struct {
	key   []byte
	err   error
	calls int
}

func (s *stubKeyReleaser) Release(context.Context, string, string, string, string) ([]byte, error) {
	s.calls++
	return s.key, s.err
}
