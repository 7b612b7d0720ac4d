package value

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/najoast/filament/abi"
)

// Wire layout of one envelope (abi.SizeValue bytes):
//
//	0   tag     u32
//	4   flags   u32
//	8   payload 16 bytes, meaning per tag
//	24  reserved 8 bytes, zero
//
// Scalar payloads sit at offset 8. Indirect payloads (string, bytes,
// map, list) carry a u64 pointer at offset 8 and a u32 count at offset
// 16. Pointers are offsets relative to the start of the encoded buffer,
// so a buffer copied whole stays dereferenceable — that is the pointer
// relocation contract.

var (
	errTooDeep = fmt.Errorf("value: %w: nesting exceeds %d", abi.ErrInvalid, abi.MaxRecursion)
)

// Encode serializes v into a fresh self-contained buffer whose first
// abi.SizeValue bytes are the root envelope.
func Encode(v Value) ([]byte, error) {
	if err := v.CheckDepth(); err != nil {
		return nil, err
	}
	buf := make([]byte, abi.SizeValue, abi.SizeValue+64)
	var err error
	buf, err = encodeInto(buf, 0, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// encodeInto writes the envelope for v at offset off (already reserved
// in buf) and appends any indirect data, returning the grown buffer.
func encodeInto(buf []byte, off uint32, v Value) ([]byte, error) {
	le := binary.LittleEndian
	if !v.Tag.valid() {
		return nil, fmt.Errorf("value: %w: tag %d", abi.ErrInvalid, v.Tag)
	}
	le.PutUint32(buf[off:], uint32(v.Tag))
	le.PutUint32(buf[off+4:], v.Flags)

	switch v.Tag {
	case TagUnit:
	case TagBool:
		if v.Bool {
			buf[off+8] = 1
		}
	case TagI64:
		le.PutUint64(buf[off+8:], uint64(v.I64))
	case TagU64:
		le.PutUint64(buf[off+8:], v.U64)
	case TagF64:
		le.PutUint64(buf[off+8:], canonicalBits(v.F64))
	case TagString:
		if !utf8.ValidString(v.Str) {
			return nil, fmt.Errorf("value: %w: string is not valid UTF-8", abi.ErrInvalid)
		}
		ptr := uint32(len(buf))
		buf = append(buf, v.Str...)
		buf = pad(buf)
		le.PutUint64(buf[off+8:], uint64(ptr))
		le.PutUint32(buf[off+16:], uint32(len(v.Str)))
	case TagBytes:
		ptr := uint32(len(buf))
		buf = append(buf, v.Bytes...)
		buf = pad(buf)
		le.PutUint64(buf[off+8:], uint64(ptr))
		le.PutUint32(buf[off+16:], uint32(len(v.Bytes)))
	case TagBlobRef:
		le.PutUint64(buf[off+8:], v.Blob.Handle)
		le.PutUint32(buf[off+16:], v.Blob.Size)
		le.PutUint32(buf[off+20:], v.Blob.Flags)
	case TagList:
		ptr := uint32(len(buf))
		buf = append(buf, make([]byte, len(v.List)*abi.SizeValue)...)
		le.PutUint64(buf[off+8:], uint64(ptr))
		le.PutUint32(buf[off+16:], uint32(len(v.List)))
		for i, item := range v.List {
			var err error
			buf, err = encodeInto(buf, ptr+uint32(i*abi.SizeValue), item)
			if err != nil {
				return nil, err
			}
		}
	case TagMap:
		ptr := uint32(len(buf))
		buf = append(buf, make([]byte, len(v.Map)*abi.SizePair)...)
		le.PutUint64(buf[off+8:], uint64(ptr))
		le.PutUint32(buf[off+16:], uint32(len(v.Map)))
		for i, p := range v.Map {
			pairOff := ptr + uint32(i*abi.SizePair)
			if !utf8.ValidString(p.Key) {
				return nil, fmt.Errorf("value: %w: map key is not valid UTF-8", abi.ErrInvalid)
			}
			keyPtr := uint32(len(buf))
			buf = append(buf, p.Key...)
			buf = pad(buf)
			le.PutUint64(buf[pairOff:], uint64(keyPtr))
			le.PutUint32(buf[pairOff+8:], uint32(len(p.Key)))
			var err error
			buf, err = encodeInto(buf, pairOff+16, p.Val)
			if err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func pad(buf []byte) []byte {
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// canonicalBits returns the bit pattern of f with NaNs collapsed to the
// single canonical quiet NaN, keeping logic pipelines replayable.
func canonicalBits(f float64) uint64 {
	if f != f {
		return 0x7FF8000000000000
	}
	return math.Float64bits(f)
}

// Decode parses the root envelope at the start of buf. Every inner
// pointer must resolve inside buf.
func Decode(buf []byte) (Value, error) {
	return decodeAt(buf, 0, 1)
}

// RootTag peeks at the root tag without a full parse. Used for cheap
// schema checks at channel boundaries.
func RootTag(buf []byte) (Tag, error) {
	if len(buf) < abi.SizeValue {
		return TagUnit, fmt.Errorf("value: %w: buffer shorter than an envelope", abi.ErrInvalid)
	}
	t := Tag(binary.LittleEndian.Uint32(buf))
	if !t.valid() {
		return TagUnit, fmt.Errorf("value: %w: tag %d", abi.ErrInvalid, t)
	}
	return t, nil
}

func decodeAt(buf []byte, off uint32, depth int) (Value, error) {
	if depth > abi.MaxRecursion {
		return Value{}, errTooDeep
	}
	if uint64(off)+abi.SizeValue > uint64(len(buf)) {
		return Value{}, fmt.Errorf("value: %w: envelope at %d outside buffer", abi.ErrInvalid, off)
	}
	le := binary.LittleEndian
	v := Value{
		Tag:   Tag(le.Uint32(buf[off:])),
		Flags: le.Uint32(buf[off+4:]),
	}
	if !v.Tag.valid() {
		return Value{}, fmt.Errorf("value: %w: tag %d at offset %d", abi.ErrInvalid, v.Tag, off)
	}

	switch v.Tag {
	case TagUnit:
	case TagBool:
		v.Bool = buf[off+8] != 0
	case TagI64:
		v.I64 = int64(le.Uint64(buf[off+8:]))
	case TagU64:
		v.U64 = le.Uint64(buf[off+8:])
	case TagF64:
		v.F64 = math.Float64frombits(le.Uint64(buf[off+8:]))
	case TagBlobRef:
		v.Blob = BlobRef{
			Handle: le.Uint64(buf[off+8:]),
			Size:   le.Uint32(buf[off+16:]),
			Flags:  le.Uint32(buf[off+20:]),
		}
	case TagString:
		s, err := sliceAt(buf, le.Uint64(buf[off+8:]), uint64(le.Uint32(buf[off+16:])))
		if err != nil {
			return Value{}, err
		}
		if !utf8.Valid(s) {
			return Value{}, fmt.Errorf("value: %w: string is not valid UTF-8", abi.ErrInvalid)
		}
		v.Str = string(s)
	case TagBytes:
		b, err := sliceAt(buf, le.Uint64(buf[off+8:]), uint64(le.Uint32(buf[off+16:])))
		if err != nil {
			return Value{}, err
		}
		v.Bytes = append([]byte(nil), b...)
	case TagList:
		ptr := le.Uint64(buf[off+8:])
		count := le.Uint32(buf[off+16:])
		if _, err := sliceAt(buf, ptr, uint64(count)*abi.SizeValue); err != nil {
			return Value{}, err
		}
		v.List = make([]Value, count)
		for i := uint32(0); i < count; i++ {
			item, err := decodeAt(buf, uint32(ptr)+i*abi.SizeValue, depth+1)
			if err != nil {
				return Value{}, err
			}
			v.List[i] = item
		}
	case TagMap:
		ptr := le.Uint64(buf[off+8:])
		count := le.Uint32(buf[off+16:])
		if _, err := sliceAt(buf, ptr, uint64(count)*abi.SizePair); err != nil {
			return Value{}, err
		}
		v.Map = make([]Pair, count)
		for i := uint32(0); i < count; i++ {
			pairOff := uint32(ptr) + i*abi.SizePair
			key, err := sliceAt(buf, le.Uint64(buf[pairOff:]), uint64(le.Uint32(buf[pairOff+8:])))
			if err != nil {
				return Value{}, err
			}
			if !utf8.Valid(key) {
				return Value{}, fmt.Errorf("value: %w: map key is not valid UTF-8", abi.ErrInvalid)
			}
			val, err := decodeAt(buf, pairOff+16, depth+1)
			if err != nil {
				return Value{}, err
			}
			v.Map[i] = Pair{Key: string(key), Val: val}
		}
	}
	return v, nil
}

// sliceAt bounds-checks an inner pointer and returns the referenced bytes.
func sliceAt(buf []byte, ptr uint64, length uint64) ([]byte, error) {
	end := ptr + length
	if end > uint64(len(buf)) || ptr > uint64(len(buf)) {
		return nil, fmt.Errorf("value: %w: pointer %d+%d outside buffer of %d bytes",
			abi.ErrInvalid, ptr, length, len(buf))
	}
	return buf[ptr:end], nil
}

// Expect verifies the root tag of an encoded value against a declared
// schema root type, returning ErrType on mismatch.
func Expect(buf []byte, want Tag) error {
	got, err := RootTag(buf)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("value: %w: root is %s, schema requires %s", abi.ErrType, got, want)
	}
	return nil
}
