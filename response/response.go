/*
Package response builds the key release response handed back to the HCL.

	┌───────────────────────────────────┐
	│        KeyMessageHeader           │
	│           (24 bytes)              │
	│  DataSize | Version               │
	│  TransportKeyOffset | Length      │ ──┐
	│  ReleasedKeyOffset  | Length      │ ──┼──┐
	├───────────────────────────────────┤   │  │
	│  wrapped transport key (may be 0) │ ◄─┘  │
	├───────────────────────────────────┤      │
	│        released key bytes         │ ◄────┘
	└───────────────────────────────────┘

Consumers must locate both regions through the offset and length fields only.
*/
package response

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ccoveille/go-safecast"
)

const (
	// HeaderSize is the size of KeyMessageHeader.
	HeaderSize = 24
	// HeaderVersion is the version written into every KeyMessageHeader.
	HeaderVersion = 1
)

var (
	// ErrBufferTooSmall is returned if the output buffer cannot hold the response.
	ErrBufferTooSmall = errors.New("response buffer too small")
	// ErrMalformedHeader is returned by ParseHeader for headers with out of bounds regions.
	ErrMalformedHeader = errors.New("malformed response header")
)

// KeyMessageHeader is the header of a key release response.
type KeyMessageHeader struct {
	DataSize           uint32
	Version            uint32
	TransportKeyOffset uint32
	TransportKeyLength uint32
	ReleasedKeyOffset  uint32
	ReleasedKeyLength  uint32
}

// Marshal serializes a KeyMessageHeader into its binary representation.
func (h *KeyMessageHeader) Marshal() [HeaderSize]byte {
	var result [HeaderSize]byte
	binary.LittleEndian.PutUint32(result[0:4], h.DataSize)
	binary.LittleEndian.PutUint32(result[4:8], h.Version)
	binary.LittleEndian.PutUint32(result[8:12], h.TransportKeyOffset)
	binary.LittleEndian.PutUint32(result[12:16], h.TransportKeyLength)
	binary.LittleEndian.PutUint32(result[16:20], h.ReleasedKeyOffset)
	binary.LittleEndian.PutUint32(result[20:24], h.ReleasedKeyLength)
	return result
}

// TransportKey returns the transport key region of a response described by h.
func (h *KeyMessageHeader) TransportKey(raw []byte) []byte {
	return raw[h.TransportKeyOffset : h.TransportKeyOffset+h.TransportKeyLength]
}

// ReleasedKey returns the released key region of a response described by h.
func (h *KeyMessageHeader) ReleasedKey(raw []byte) []byte {
	return raw[h.ReleasedKeyOffset : h.ReleasedKeyOffset+h.ReleasedKeyLength]
}

// Encode writes a response carrying transportKey and releasedKey into out.
// out is zeroed before anything is written. On error, out is zeroed again and nothing is written.
// It returns the number of bytes written.
func Encode(releasedKey, transportKey, out []byte) (int, error) {
	clear(out)

	if len(out) < HeaderSize {
		return 0, fmt.Errorf("%w: need at least %d bytes for the header, got %d", ErrBufferTooSmall, HeaderSize, len(out))
	}

	// uint64 to prevent overflows
	totalSize := uint64(HeaderSize) + uint64(len(transportKey)) + uint64(len(releasedKey))
	if totalSize > uint64(len(out)) {
		clear(out)
		return 0, fmt.Errorf("%w: need %d bytes, got %d", ErrBufferTooSmall, totalSize, len(out))
	}

	header, err := newHeader(totalSize, len(transportKey), len(releasedKey))
	if err != nil {
		clear(out)
		return 0, err
	}

	rawHeader := header.Marshal()
	copy(out[:HeaderSize], rawHeader[:])
	copy(header.TransportKey(out), transportKey)
	copy(header.ReleasedKey(out), releasedKey)

	return int(totalSize), nil
}

func newHeader(totalSize uint64, transportKeyLength, releasedKeyLength int) (KeyMessageHeader, error) {
	dataSize, err := safecast.ToUint32(totalSize)
	if err != nil {
		return KeyMessageHeader{}, fmt.Errorf("response size: %w", err)
	}
	transportLen, err := safecast.ToUint32(transportKeyLength)
	if err != nil {
		return KeyMessageHeader{}, fmt.Errorf("transport key length: %w", err)
	}
	releasedLen, err := safecast.ToUint32(releasedKeyLength)
	if err != nil {
		return KeyMessageHeader{}, fmt.Errorf("released key length: %w", err)
	}

	return KeyMessageHeader{
		DataSize:           dataSize,
		Version:            HeaderVersion,
		TransportKeyOffset: HeaderSize,
		TransportKeyLength: transportLen,
		ReleasedKeyOffset:  HeaderSize + transportLen,
		ReleasedKeyLength:  releasedLen,
	}, nil
}

// ParseHeader parses the header of a response and checks that both regions lie within
// [HeaderSize, DataSize) and DataSize fits into raw.
func ParseHeader(raw []byte) (KeyMessageHeader, error) {
	if len(raw) < HeaderSize {
		return KeyMessageHeader{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedHeader, HeaderSize, len(raw))
	}

	header := KeyMessageHeader{
		DataSize:           binary.LittleEndian.Uint32(raw[0:4]),
		Version:            binary.LittleEndian.Uint32(raw[4:8]),
		TransportKeyOffset: binary.LittleEndian.Uint32(raw[8:12]),
		TransportKeyLength: binary.LittleEndian.Uint32(raw[12:16]),
		ReleasedKeyOffset:  binary.LittleEndian.Uint32(raw[16:20]),
		ReleasedKeyLength:  binary.LittleEndian.Uint32(raw[20:24]),
	}

	if header.Version != HeaderVersion {
		return KeyMessageHeader{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedHeader, header.Version)
	}
	if header.DataSize < HeaderSize || uint64(header.DataSize) > uint64(len(raw)) {
		return KeyMessageHeader{}, fmt.Errorf("%w: data size %d out of bounds (received: %d bytes)", ErrMalformedHeader, header.DataSize, len(raw))
	}

	transportStart, transportEnd := uint64(header.TransportKeyOffset), uint64(header.TransportKeyOffset)+uint64(header.TransportKeyLength)
	releasedStart, releasedEnd := uint64(header.ReleasedKeyOffset), uint64(header.ReleasedKeyOffset)+uint64(header.ReleasedKeyLength)
	for _, region := range [][2]uint64{{transportStart, transportEnd}, {releasedStart, releasedEnd}} {
		if region[1] > region[0] && (region[0] < HeaderSize || region[1] > uint64(header.DataSize)) {
			return KeyMessageHeader{}, fmt.Errorf("%w: region [%d, %d) outside of [%d, %d)", ErrMalformedHeader, region[0], region[1], HeaderSize, header.DataSize)
		}
	}
	if header.TransportKeyLength > 0 && header.ReleasedKeyLength > 0 &&
		transportStart < releasedEnd && releasedStart < transportEnd {
		return KeyMessageHeader{}, fmt.Errorf("%w: transport key and released key overlap", ErrMalformedHeader)
	}

	// empty regions are normalized so slicing never leaves the buffer
	if header.TransportKeyLength == 0 {
		header.TransportKeyOffset = HeaderSize
	}
	if header.ReleasedKeyLength == 0 {
		header.ReleasedKeyOffset = HeaderSize
	}

	return header, nil
}
