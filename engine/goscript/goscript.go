// Package goscript is an execution engine interpreting modules written
// as Go source, embedded through yaegi. Each instance owns a private
// interpreter; resetting memory rebuilds the interpreter and replays
// init, which restores the post-init state exactly.
package goscript

import (
	"crypto/sha256"
	"fmt"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/engine"
)

// Engine interprets Go-source modules.
type Engine struct{}

// New creates the goscript engine.
func New() *Engine { return &Engine{} }

// Name implements engine.Engine.
func (*Engine) Name() string { return "goscript" }

type image struct {
	src    string
	digest [32]byte
}

// Digest implements engine.Image.
func (im *image) Digest() [32]byte { return im.digest }

// Load implements engine.Engine. code is Go source declaring package
// main with exported GetInfo, Init and Weave functions over []byte.
func (*Engine) Load(code []byte, digest [32]byte) (engine.Image, error) {
	if err := engine.VerifyDigest(sha256.Sum256(code), digest); err != nil {
		return nil, err
	}
	return &image{src: string(code), digest: digest}, nil
}

// Instantiate implements engine.Engine.
func (*Engine) Instantiate(img engine.Image, memCap uint64, host engine.Host) (engine.Instance, error) {
	im, ok := img.(*image)
	if !ok {
		return nil, fmt.Errorf("goscript: %w: foreign image", abi.ErrInvalid)
	}
	in := &instance{src: im.src, host: host, memCap: memCap}
	if err := in.build(); err != nil {
		return nil, err
	}
	return in, nil
}

type instance struct {
	src    string
	host   engine.Host
	memCap uint64

	interp   *interp.Interpreter
	getInfo  func([]byte) int64
	initFn   func([]byte) int64
	weave    func([]byte) int64
	initArgs []byte

	meterLimit uint64
	meterUsed  uint64
}

// hostSymbols exposes the filament namespace to interpreted code as
// plain functions; errors surface as ABI codes.
func (in *instance) hostSymbols() interp.Exports {
	return interp.Exports{
		"filament/filament": {
			"Write": reflect.ValueOf(func(topic string, payload []byte) int64 {
				if err := in.host.Write(topic, payload); err != nil {
					return int64(abi.CodeOf(err))
				}
				return 0
			}),
			"ReadPayloads": reflect.ValueOf(func(topic string, start int) ([][]byte, int) {
				events, next, err := in.host.Read(topic, start)
				if err != nil {
					return nil, start
				}
				out := make([][]byte, len(events))
				for i, ev := range events {
					out[i] = ev.Payload
				}
				return out, next
			}),
			"BlobAlloc": reflect.ValueOf(func(size uint64, flags uint32) uint64 {
				h, err := in.host.BlobAlloc(size, flags)
				if err != nil {
					return 0
				}
				return h
			}),
			"BlobMap": reflect.ValueOf(func(handle uint64, perms uint32) []byte {
				b, err := in.host.BlobMap(handle, perms)
				if err != nil {
					return nil
				}
				return b
			}),
			"BlobRetain": reflect.ValueOf(func(handle uint64) int64 {
				if err := in.host.BlobRetain(handle); err != nil {
					return int64(abi.CodeOf(err))
				}
				return 0
			}),
		},
	}
}

// build constructs a fresh interpreter, loads the source and resolves
// the exported entry points.
func (in *instance) build() error {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("goscript: binding stdlib: %w", err)
	}
	if err := i.Use(in.hostSymbols()); err != nil {
		return fmt.Errorf("goscript: binding host symbols: %w", err)
	}
	if _, err := i.Eval(in.src); err != nil {
		return fmt.Errorf("goscript: %w: %v", abi.ErrInvalid, err)
	}

	resolve := func(name string, out interface{}) error {
		v, err := i.Eval("main." + name)
		if err != nil {
			return fmt.Errorf("goscript: entry %s: %w", name, abi.ErrNotFound)
		}
		fn, ok := v.Interface().(func([]byte) int64)
		if !ok {
			return fmt.Errorf("goscript: entry %s: %w: wrong signature", name, abi.ErrType)
		}
		*(out.(*func([]byte) int64)) = fn
		return nil
	}
	if err := resolve("GetInfo", &in.getInfo); err != nil {
		return err
	}
	if err := resolve("Init", &in.initFn); err != nil {
		return err
	}
	if err := resolve("Weave", &in.weave); err != nil {
		return err
	}
	in.interp = i
	return nil
}

// Call implements engine.Instance.
func (in *instance) Call(entry string, ctx uint64, args []byte) (int64, error) {
	in.meterUsed++
	if in.meterLimit > 0 && in.meterUsed > in.meterLimit {
		return int64(abi.CodeTimeout), fmt.Errorf("goscript: %w: meter limit", abi.ErrTimeout)
	}

	switch entry {
	case engine.EntryGetInfo:
		return in.getInfo(args), nil
	case engine.EntryReserve:
		return 0, nil
	case engine.EntryInit:
		in.initArgs = append([]byte(nil), args...)
		return in.initFn(args), nil
	case engine.EntryWeave:
		return in.weave(args), nil
	default:
		return int64(abi.CodeNotFound), fmt.Errorf("goscript: entry %q: %w", entry, abi.ErrNotFound)
	}
}

// ResetMemory implements engine.Instance by rebuilding the interpreter
// and replaying init, restoring the post-init state.
func (in *instance) ResetMemory() error {
	if err := in.build(); err != nil {
		return err
	}
	if in.initArgs != nil {
		if rc := in.initFn(in.initArgs); rc < 0 {
			return fmt.Errorf("goscript: %w: init replay failed (%d)", abi.ErrInvalid, rc)
		}
	}
	return nil
}

// SetMeterLimit implements engine.Instance.
func (in *instance) SetMeterLimit(limit uint64) {
	in.meterLimit = limit
	in.meterUsed = 0
}

// MeterUsed implements engine.Instance.
func (in *instance) MeterUsed() uint64 { return in.meterUsed }

// CanonicalizeNaN implements engine.Instance. Interpreted floats pass
// through the value codec, which canonicalizes on encode.
func (in *instance) CanonicalizeNaN(bool) {}
