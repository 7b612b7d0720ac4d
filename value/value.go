// Package value implements the tagged-union value codec: parsing and
// serializing 32-byte value envelopes between external buffers and
// kernel-side representations, with pointer relocation so a receiver can
// dereference nested data in its own memory space.
package value

import "github.com/najoast/filament/abi"

// Tag discriminates the union member held by a value envelope.
type Tag uint32

const (
	TagUnit Tag = iota
	TagBool
	TagI64
	TagU64
	TagF64
	TagString
	TagBlobRef
	TagMap
	TagList
	TagBytes
)

// String returns the string representation of Tag.
func (t Tag) String() string {
	switch t {
	case TagUnit:
		return "unit"
	case TagBool:
		return "bool"
	case TagI64:
		return "i64"
	case TagU64:
		return "u64"
	case TagF64:
		return "f64"
	case TagString:
		return "string"
	case TagBlobRef:
		return "blob"
	case TagMap:
		return "map"
	case TagList:
		return "list"
	case TagBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// valid reports whether the tag names a known union member.
func (t Tag) valid() bool {
	return t <= TagBytes
}

// BlobRef is a reference to a kernel-managed blob carried inside a value.
type BlobRef struct {
	Handle uint64
	Size   uint32
	Flags  uint32
}

// Pair is one key-value entry of a map value.
type Pair struct {
	Key string
	Val Value
}

// Value is the kernel-side representation of one tagged value. Exactly
// one member (selected by Tag) is meaningful.
type Value struct {
	Tag   Tag
	Flags uint32

	Bool  bool
	I64   int64
	U64   uint64
	F64   float64
	Str   string
	Blob  BlobRef
	Map   []Pair
	List  []Value
	Bytes []byte
}

// Unit returns the unit value.
func Unit() Value { return Value{Tag: TagUnit} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{Tag: TagBool, Bool: b} }

// I64 wraps a signed integer.
func I64(v int64) Value { return Value{Tag: TagI64, I64: v} }

// U64 wraps an unsigned integer.
func U64(v uint64) Value { return Value{Tag: TagU64, U64: v} }

// F64 wraps a float.
func F64(v float64) Value { return Value{Tag: TagF64, F64: v} }

// Str wraps a string.
func Str(s string) Value { return Value{Tag: TagString, Str: s} }

// Blob wraps a blob reference.
func Blob(ref BlobRef) Value { return Value{Tag: TagBlobRef, Blob: ref} }

// Bytes wraps a byte slice.
func Bytes(b []byte) Value { return Value{Tag: TagBytes, Bytes: b} }

// Map builds a map value from pairs.
func Map(pairs ...Pair) Value { return Value{Tag: TagMap, Map: pairs} }

// List builds a list value.
func List(items ...Value) Value { return Value{Tag: TagList, List: items} }

// Get looks up a map key. Returns the unit value when absent.
func (v Value) Get(key string) (Value, bool) {
	if v.Tag != TagMap {
		return Unit(), false
	}
	for _, p := range v.Map {
		if p.Key == key {
			return p.Val, true
		}
	}
	return Unit(), false
}

// BlobHandles collects every blob handle reachable from v. Used when
// transferring values through channels or committing events so refcounts
// can be adjusted without copying payloads.
func (v Value) BlobHandles() []uint64 {
	var out []uint64
	v.walkBlobs(&out)
	return out
}

func (v Value) walkBlobs(out *[]uint64) {
	switch v.Tag {
	case TagBlobRef:
		*out = append(*out, v.Blob.Handle)
	case TagMap:
		for _, p := range v.Map {
			p.Val.walkBlobs(out)
		}
	case TagList:
		for _, item := range v.List {
			item.walkBlobs(out)
		}
	}
}

// depth returns the nesting depth of v.
func (v Value) depth() int {
	d := 1
	switch v.Tag {
	case TagMap:
		for _, p := range v.Map {
			if c := p.Val.depth() + 1; c > d {
				d = c
			}
		}
	case TagList:
		for _, item := range v.List {
			if c := item.depth() + 1; c > d {
				d = c
			}
		}
	}
	return d
}

// CheckDepth verifies the nesting bound before encoding.
func (v Value) CheckDepth() error {
	if v.depth() > abi.MaxRecursion {
		return errTooDeep
	}
	return nil
}
