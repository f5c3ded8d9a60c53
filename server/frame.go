package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ccoveille/go-safecast"
	"github.com/edgelesssys/go-igvm-agent/agent"
	"github.com/google/uuid"
)

const (
	// RequestMagic starts every request frame ("IGVR").
	RequestMagic uint32 = 0x52564749

	// MaxVMNameSize is the maximum size of the VM name.
	MaxVMNameSize = 256
	// MaxURISize is the maximum size of the attestation and key URIs.
	MaxURISize = 512
	// MaxReportSize is the maximum size of an attestation report.
	MaxReportSize = 4096
	// MaxResponseSize is the maximum size of a response buffer.
	MaxResponseSize = 4096
)

// Status is the status of a response frame.
type Status uint32

const (
	// StatusOK means the request completed.
	StatusOK Status = iota
	// StatusRejected means the report was rejected.
	StatusRejected
	// StatusFailed means the request failed.
	StatusFailed
	// StatusBadRequest means the request frame was malformed.
	StatusBadRequest
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRejected:
		return "Rejected"
	case StatusFailed:
		return "Failed"
	case StatusBadRequest:
		return "BadRequest"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// StatusFromState returns the response status of a request that ended in state.
func StatusFromState(state agent.State) Status {
	switch state {
	case agent.Completed:
		return StatusOK
	case agent.Rejected:
		return StatusRejected
	default:
		return StatusFailed
	}
}

// ErrBadFrame is returned for malformed frames.
var ErrBadFrame = errors.New("malformed frame")

// Frame is a decoded request frame.
type Frame struct {
	Request      agent.Request
	ResponseSize uint32
}

// ReadFrame reads a request frame from r.
// io.EOF is returned if r ends before the frame starts.
func ReadFrame(r io.Reader) (Frame, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("reading magic: %w", err)
	}
	if magic != RequestMagic {
		return Frame{}, fmt.Errorf("%w: unexpected magic %#x", ErrBadFrame, magic)
	}

	var frame Frame
	if _, err := io.ReadFull(r, frame.Request.VMID[:]); err != nil {
		return Frame{}, fmt.Errorf("reading VM ID: %w", unexpected(err))
	}

	vmName, err := readField(r, "VM name", MaxVMNameSize)
	if err != nil {
		return Frame{}, err
	}
	attestationURI, err := readField(r, "attestation URI", MaxURISize)
	if err != nil {
		return Frame{}, err
	}
	keyURI, err := readField(r, "key URI", MaxURISize)
	if err != nil {
		return Frame{}, err
	}
	report, err := readField(r, "report", MaxReportSize)
	if err != nil {
		return Frame{}, err
	}
	frame.Request.VMName = string(vmName)
	frame.Request.AttestationURI = string(attestationURI)
	frame.Request.KeyURI = string(keyURI)
	frame.Request.Report = report

	if err := binary.Read(r, binary.LittleEndian, &frame.ResponseSize); err != nil {
		return Frame{}, fmt.Errorf("reading response size: %w", unexpected(err))
	}
	if frame.ResponseSize > MaxResponseSize {
		return Frame{}, fmt.Errorf("%w: response size %d exceeds %d", ErrBadFrame, frame.ResponseSize, MaxResponseSize)
	}
	return frame, nil
}

// WriteFrame writes a request frame to w.
func WriteFrame(w io.Writer, frame Frame) error {
	if frame.ResponseSize > MaxResponseSize {
		return fmt.Errorf("%w: response size %d exceeds %d", ErrBadFrame, frame.ResponseSize, MaxResponseSize)
	}
	buf := binary.LittleEndian.AppendUint32(nil, RequestMagic)
	buf = append(buf, frame.Request.VMID[:]...)

	var err error
	for _, field := range []struct {
		name  string
		value []byte
		max   int
	}{
		{"VM name", []byte(frame.Request.VMName), MaxVMNameSize},
		{"attestation URI", []byte(frame.Request.AttestationURI), MaxURISize},
		{"key URI", []byte(frame.Request.KeyURI), MaxURISize},
		{"report", frame.Request.Report, MaxReportSize},
	} {
		if buf, err = appendField(buf, field.name, field.value, field.max); err != nil {
			return err
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, frame.ResponseSize)

	_, err = w.Write(buf)
	return err
}

// WriteResponse writes a response frame to w.
func WriteResponse(w io.Writer, status Status, data []byte) error {
	written, err := safecast.ToUint32(len(data))
	if err != nil {
		return fmt.Errorf("response of %d bytes: %w", len(data), err)
	}
	buf := binary.LittleEndian.AppendUint32(nil, uint32(status))
	buf = binary.LittleEndian.AppendUint32(buf, written)
	buf = append(buf, data...)
	_, err = w.Write(buf)
	return err
}

// ReadResponse reads a response frame from r.
func ReadResponse(r io.Reader) (Status, []byte, error) {
	var header struct {
		Status  uint32
		Written uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return 0, nil, fmt.Errorf("reading response header: %w", err)
	}
	if header.Written > MaxResponseSize {
		return 0, nil, fmt.Errorf("%w: response of %d bytes exceeds %d", ErrBadFrame, header.Written, MaxResponseSize)
	}
	data := make([]byte, header.Written)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", unexpected(err))
	}
	return Status(header.Status), data, nil
}

func readField(r io.Reader, name string, maxSize uint32) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("reading %s size: %w", name, unexpected(err))
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: %s of %d bytes exceeds %d", ErrBadFrame, name, size, maxSize)
	}
	value := make([]byte, size)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, unexpected(err))
	}
	return value, nil
}

func appendField(buf []byte, name string, value []byte, maxSize int) ([]byte, error) {
	if len(value) > maxSize {
		return nil, fmt.Errorf("%w: %s of %d bytes exceeds %d", ErrBadFrame, name, len(value), maxSize)
	}
	size, err := safecast.ToUint32(len(value))
	if err != nil {
		return nil, err
	}
	buf = binary.LittleEndian.AppendUint32(buf, size)
	return append(buf, value...), nil
}

// unexpected turns a clean EOF inside a frame into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// NewFrame returns a frame for report with a random VM ID.
func NewFrame(vmName string, report []byte, responseSize uint32) Frame {
	return Frame{
		Request: agent.Request{
			VMID:   uuid.New(),
			VMName: vmName,
			Report: report,
		},
		ResponseSize: responseSize,
	}
}
