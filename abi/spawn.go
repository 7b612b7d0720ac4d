package abi

import (
	"encoding/binary"
	"fmt"
)

// Wire form of spawn arguments. The root ProcessSpawnArgs block sits at
// offset 0; module and channel arrays and their strings follow, with
// FilamentString and FilamentArray pointers relative to the buffer
// start. A buffer copied whole stays dereferenceable.
//
//	ProcessSpawnArgs (64): modules Array@0, channels Array@16,
//	    limits@32, policy u32@56, flags u32@60
//	ModuleDefinition (64): alias String@0, digest[32]@16, context u32@48,
//	    pooling u32@52, mem_limit u64@56
//	ChannelDefinition (40): schema String@0, capacity u32@16,
//	    msg_size u32@20, direction u32@24, root_type u32@28, pad@32
//	FilamentString (16): ptr u64, len u32, pad u32
//	FilamentArray (16): ptr u64, count u32, pad u32

// EncodeSpawnArgs serializes spawn arguments into a self-contained
// buffer.
func EncodeSpawnArgs(args ProcessSpawnArgs) ([]byte, error) {
	le := binary.LittleEndian
	buf := make([]byte, SizeProcessSpawnArgs)

	putString := func(off uint32, s string) error {
		if s != "" {
			if err := ValidateURI(s); err != nil {
				return err
			}
		}
		ptr := uint64(len(buf))
		buf = append(buf, s...)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
		le.PutUint64(buf[off:], ptr)
		le.PutUint32(buf[off+8:], uint32(len(s)))
		le.PutUint32(buf[off+12:], 0)
		return nil
	}

	// Module array.
	modPtr := uint64(len(buf))
	buf = append(buf, make([]byte, len(args.Modules)*SizeModuleDefinition)...)
	le.PutUint64(buf[0:], modPtr)
	le.PutUint32(buf[8:], uint32(len(args.Modules)))

	// Channel array.
	chPtr := uint64(len(buf))
	buf = append(buf, make([]byte, len(args.Channels)*SizeChannelDefinition)...)
	le.PutUint64(buf[16:], chPtr)
	le.PutUint32(buf[24:], uint32(len(args.Channels)))

	args.Limits.EncodeTo(buf[32:56])
	le.PutUint32(buf[56:], uint32(args.Policy))
	le.PutUint32(buf[60:], args.Flags)

	for i, def := range args.Modules {
		off := uint32(modPtr) + uint32(i*SizeModuleDefinition)
		if err := putString(off, def.Alias); err != nil {
			return nil, fmt.Errorf("spawn args: module %d alias: %w", i, err)
		}
		copy(buf[off+16:off+48], def.Digest[:])
		le.PutUint32(buf[off+48:], uint32(def.Context))
		le.PutUint32(buf[off+52:], uint32(def.Pooling))
		le.PutUint64(buf[off+56:], def.MemLimit)
	}

	for i, def := range args.Channels {
		off := uint32(chPtr) + uint32(i*SizeChannelDefinition)
		if err := putString(off, def.SchemaURI); err != nil {
			return nil, fmt.Errorf("spawn args: channel %d schema: %w", i, err)
		}
		le.PutUint32(buf[off+16:], def.Capacity)
		le.PutUint32(buf[off+20:], def.MsgSize)
		le.PutUint32(buf[off+24:], def.Direction)
		le.PutUint32(buf[off+28:], def.RootType)
		le.PutUint64(buf[off+32:], 0)
	}
	return buf, nil
}

// DecodeSpawnArgs parses a spawn-argument buffer, bounds-checking every
// inner pointer.
func DecodeSpawnArgs(buf []byte) (ProcessSpawnArgs, error) {
	var args ProcessSpawnArgs
	le := binary.LittleEndian
	if len(buf) < SizeProcessSpawnArgs {
		return args, fmt.Errorf("spawn args: %w: short buffer", ErrInvalid)
	}

	getBytes := func(ptr uint64, n uint64) ([]byte, error) {
		if ptr > uint64(len(buf)) || ptr+n > uint64(len(buf)) {
			return nil, fmt.Errorf("spawn args: %w: pointer %d+%d outside buffer", ErrInvalid, ptr, n)
		}
		return buf[ptr : ptr+n], nil
	}
	getString := func(off uint32) (string, error) {
		b, err := getBytes(le.Uint64(buf[off:]), uint64(le.Uint32(buf[off+8:])))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	limits, err := DecodeResourceLimits(buf[32:56])
	if err != nil {
		return args, err
	}
	args.Limits = limits
	args.Policy = SchedPolicy(le.Uint32(buf[56:]))
	args.Flags = le.Uint32(buf[60:])

	modPtr := le.Uint64(buf[0:])
	modCount := le.Uint32(buf[8:])
	if _, err := getBytes(modPtr, uint64(modCount)*SizeModuleDefinition); err != nil {
		return args, err
	}
	for i := uint32(0); i < modCount; i++ {
		off := uint32(modPtr) + i*SizeModuleDefinition
		var def ModuleDefinition
		if def.Alias, err = getString(off); err != nil {
			return args, err
		}
		copy(def.Digest[:], buf[off+16:off+48])
		def.Context = ContextKind(le.Uint32(buf[off+48:]))
		def.Pooling = PoolingMode(le.Uint32(buf[off+52:]))
		def.MemLimit = le.Uint64(buf[off+56:])
		args.Modules = append(args.Modules, def)
	}

	chPtr := le.Uint64(buf[16:])
	chCount := le.Uint32(buf[24:])
	if _, err := getBytes(chPtr, uint64(chCount)*SizeChannelDefinition); err != nil {
		return args, err
	}
	for i := uint32(0); i < chCount; i++ {
		off := uint32(chPtr) + i*SizeChannelDefinition
		var def ChannelDefinition
		if def.SchemaURI, err = getString(off); err != nil {
			return args, err
		}
		def.Capacity = le.Uint32(buf[off+16:])
		def.MsgSize = le.Uint32(buf[off+20:])
		def.Direction = le.Uint32(buf[off+24:])
		def.RootType = le.Uint32(buf[off+28:])
		args.Channels = append(args.Channels, def)
	}
	return args, nil
}
