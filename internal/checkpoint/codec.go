// Package checkpoint encodes shadow tables into a self-describing binary
// envelope.
//
// Layout (little endian):
//
//	[magic "CDSH"][version u16][compression u8][reserved u8]
//	[crc32c u32][body size u64][stored size u64][stored body...]
//
// The checksum covers the uncompressed body. The body holds the column
// identity, the key table rows, the free stack and every live entry.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/chunkdiff/internal/hash"
	"github.com/hupe1980/chunkdiff/model"
)

const (
	// Magic identifies a checkpoint.
	Magic = "CDSH"
	// Version is the current format version.
	Version uint16 = 1

	// HeaderSize is the size of the envelope header.
	HeaderSize = 28
)

// ErrCorrupt is returned for truncated, malformed or tampered checkpoints.
var ErrCorrupt = errors.New("checkpoint: corrupt")

// Header is the decoded envelope header.
type Header struct {
	Version     uint16
	Compression Compression
	Checksum    uint32
	BodySize    uint64
	StoredSize  uint64
}

// Marshal encodes img, compressing the body with c.
func Marshal(img *Image, c Compression) ([]byte, error) {
	body, err := encodeBody(img)
	if err != nil {
		return nil, err
	}
	stored, used, err := compress(body, c)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, HeaderSize+len(stored))
	out = append(out, Magic...)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = append(out, byte(used), 0)
	out = binary.LittleEndian.AppendUint32(out, hash.CRC32C(body))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(body)))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(stored)))
	return append(out, stored...), nil
}

// ParseHeader decodes the envelope header of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}
	if string(data[:4]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrCorrupt, data[:4])
	}
	h := Header{
		Version:     binary.LittleEndian.Uint16(data[4:]),
		Compression: Compression(data[6]),
		Checksum:    binary.LittleEndian.Uint32(data[8:]),
		BodySize:    binary.LittleEndian.Uint64(data[12:]),
		StoredSize:  binary.LittleEndian.Uint64(data[20:]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	if h.BodySize > math.MaxInt32 || h.StoredSize > math.MaxInt32 {
		return Header{}, fmt.Errorf("%w: body of %d bytes is too large", ErrCorrupt, h.BodySize)
	}
	return h, nil
}

// Unmarshal decodes and verifies a checkpoint.
func Unmarshal(data []byte) (*Image, Header, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, Header{}, err
	}
	if uint64(len(data)-HeaderSize) != h.StoredSize {
		return nil, Header{}, fmt.Errorf("%w: stored body is %d bytes, header says %d", ErrCorrupt, len(data)-HeaderSize, h.StoredSize)
	}

	body, err := decompress(data[HeaderSize:], h.Compression, int(h.BodySize))
	if err != nil {
		return nil, Header{}, err
	}
	if err := hash.Verify(body, h.Checksum); err != nil {
		return nil, Header{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	img, err := decodeBody(body)
	if err != nil {
		return nil, Header{}, err
	}
	return img, h, nil
}

func encodeBody(img *Image) ([]byte, error) {
	if len(img.Column.TypeName) > math.MaxUint16 {
		return nil, fmt.Errorf("checkpoint: type name of %d bytes is too long", len(img.Column.TypeName))
	}

	size := 2 + 1 + 4 + 4 + 2 + len(img.Column.TypeName) +
		4 + 8*len(img.Keys) + 4 + 4*len(img.Free) + 4
	for i := range img.Entries {
		size += 8 + 4 + 4 + 8 + 8 + 4 + model.RecordIDSize*len(img.Entries[i].Records) + 4 + len(img.Entries[i].Payload)
	}

	le := binary.LittleEndian
	b := make([]byte, 0, size)
	b = le.AppendUint16(b, uint16(img.Column.ID))
	b = append(b, byte(img.Column.Kind))
	b = le.AppendUint32(b, img.Column.Size)
	b = le.AppendUint32(b, img.Column.PayloadSize)
	b = le.AppendUint16(b, uint16(len(img.Column.TypeName)))
	b = append(b, img.Column.TypeName...)

	b = le.AppendUint32(b, uint32(len(img.Keys)))
	for _, k := range img.Keys {
		b = le.AppendUint64(b, k)
	}
	b = le.AppendUint32(b, uint32(len(img.Free)))
	for _, f := range img.Free {
		b = le.AppendUint32(b, uint32(f))
	}

	b = le.AppendUint32(b, uint32(len(img.Entries)))
	for i := range img.Entries {
		e := &img.Entries[i]
		b = le.AppendUint64(b, uint64(e.Seq))
		b = le.AppendUint32(b, uint32(e.Slot))
		b = le.AppendUint32(b, e.Capacity)
		b = le.AppendUint64(b, e.LayoutVersion)
		b = le.AppendUint64(b, e.ColumnVersion)
		b = le.AppendUint32(b, uint32(len(e.Records)))
		for _, id := range e.Records {
			b = le.AppendUint32(b, id.Index)
			b = le.AppendUint32(b, id.Generation)
		}
		b = le.AppendUint32(b, uint32(len(e.Payload)))
		b = append(b, e.Payload...)
	}
	return b, nil
}

// reader decodes a body. The first short read sets err; later reads return zeros.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = fmt.Errorf("%w: body truncated", ErrCorrupt)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// count reads a length prefix and checks that at least n*unit bytes remain.
func (r *reader) count(unit int) int {
	n := int(r.u32())
	if r.err == nil && n*unit > len(r.b) {
		r.err = fmt.Errorf("%w: length %d exceeds body", ErrCorrupt, n)
		return 0
	}
	return n
}

func decodeBody(body []byte) (*Image, error) {
	r := &reader{b: body}
	img := &Image{}

	img.Column.ID = model.ColumnID(r.u16())
	img.Column.Kind = model.Kind(r.u8())
	img.Column.Size = r.u32()
	img.Column.PayloadSize = r.u32()
	img.Column.TypeName = string(r.take(int(r.u16())))

	if n := r.count(8); r.err == nil && n > 0 {
		img.Keys = make([]uint64, n)
		for i := range img.Keys {
			img.Keys[i] = r.u64()
		}
	}
	if n := r.count(4); r.err == nil && n > 0 {
		img.Free = make([]int32, n)
		for i := range img.Free {
			img.Free[i] = int32(r.u32())
		}
	}
	if n := r.count(8 + 4 + 4 + 8 + 8 + 4 + 4); r.err == nil && n > 0 {
		img.Entries = make([]Entry, n)
		for i := range img.Entries {
			e := &img.Entries[i]
			e.Seq = model.ChunkSeq(r.u64())
			e.Slot = int32(r.u32())
			e.Capacity = r.u32()
			e.LayoutVersion = r.u64()
			e.ColumnVersion = r.u64()
			if nr := r.count(model.RecordIDSize); r.err == nil && nr > 0 {
				e.Records = make([]model.RecordID, nr)
				for j := range e.Records {
					e.Records[j] = model.RecordID{Index: r.u32(), Generation: r.u32()}
				}
			}
			e.Payload = append([]byte(nil), r.take(int(r.u32()))...)
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.b))
	}
	if !img.Column.Kind.Valid() {
		return nil, fmt.Errorf("%w: invalid kind %d", ErrCorrupt, img.Column.Kind)
	}
	return img, nil
}
