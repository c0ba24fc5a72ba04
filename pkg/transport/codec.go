package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame layout on the wire, big endian:
//
//	source u32 | tag u32 | flags u8 | length u32 | payload[length]
const (
	frameHeaderSize = 13
	maxPayload      = 1 << 30

	flagZstd = 1 << 0
)

// Compression selects how bulk pixel payloads are encoded on the wire.
type Compression int

const (
	CompressNone Compression = iota
	CompressZstd
)

func (c Compression) String() string {
	if c == CompressZstd {
		return "zstd"
	}
	return "none"
}

// ParseCompression converts a configuration string into a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressNone, nil
	case "zstd":
		return CompressZstd, nil
	default:
		return CompressNone, fmt.Errorf("unknown compression %q (must be none or zstd)", s)
	}
}

// EncodeAll and DecodeAll are safe for concurrent use, so one coder of each
// kind serves every connection.
var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
	})
)

func isBulk(tag Tag) bool {
	return tag == TagPixels || tag == TagResult
}

func writeFrame(w io.Writer, source int, tag Tag, payload []byte, c Compression) error {
	var flags byte
	if c == CompressZstd && isBulk(tag) && len(payload) > 0 {
		enc, err := zstdEncoder()
		if err != nil {
			return fmt.Errorf("zstd encoder: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		flags |= flagZstd
	}
	if len(payload) > maxPayload {
		return transportErr("payload of %d bytes exceeds frame limit", len(payload))
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(source))
	binary.BigEndian.PutUint32(header[4:8], uint32(tag))
	header[8] = flags
	binary.BigEndian.PutUint32(header[9:13], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	length := binary.BigEndian.Uint32(header[9:13])
	if length > maxPayload {
		return Message{}, transportErr("malformed frame: length %d", length)
	}
	flags := header[8]
	if flags&^flagZstd != 0 {
		return Message{}, transportErr("malformed frame: flags %#x", flags)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("%w: truncated frame: %w", ErrTransport, err)
	}

	msg := Message{
		Source:  int(binary.BigEndian.Uint32(header[0:4])),
		Tag:     Tag(binary.BigEndian.Uint32(header[4:8])),
		Payload: payload,
	}
	if flags&flagZstd != 0 {
		dec, err := zstdDecoder()
		if err != nil {
			return Message{}, fmt.Errorf("zstd decoder: %w", err)
		}
		if msg.Payload, err = dec.DecodeAll(payload, nil); err != nil {
			return Message{}, fmt.Errorf("%w: zstd decode: %w", ErrTransport, err)
		}
	}
	return msg, nil
}

func encodeScalar(v int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(v))
}

func decodeScalar(msg Message) (int, error) {
	if len(msg.Payload) != 4 {
		return 0, transportErr("malformed %s scalar: %d bytes", msg.Tag, len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// Result payload: rank u32 | rows u32 | width u32 | pixels[rows*width]
const resultHeaderSize = 12

func encodeResult(rank, rows, width int, core []uint8) []byte {
	out := make([]byte, 0, resultHeaderSize+len(core))
	out = binary.BigEndian.AppendUint32(out, uint32(rank))
	out = binary.BigEndian.AppendUint32(out, uint32(rows))
	out = binary.BigEndian.AppendUint32(out, uint32(width))
	return append(out, core...)
}

func decodeResult(payload []byte) (rank, rows, width int, core []uint8, err error) {
	if len(payload) < resultHeaderSize {
		return 0, 0, 0, nil, transportErr("malformed result: %d bytes", len(payload))
	}
	rank = int(binary.BigEndian.Uint32(payload[0:4]))
	rows = int(binary.BigEndian.Uint32(payload[4:8]))
	width = int(binary.BigEndian.Uint32(payload[8:12]))
	core = payload[resultHeaderSize:]
	if len(core) != rows*width {
		return 0, 0, 0, nil, transportErr("malformed result from rank %d: %d pixels for %dx%d", rank, len(core), width, rows)
	}
	return rank, rows, width, core, nil
}
