// Package native hosts modules implemented as in-process Go code. The
// code image of a native module is its registered name; the supervisor
// still verifies the SHA-256 digest of those bytes.
package native

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/engine"
)

// Module is the Go-level contract a native module implements.
type Module interface {
	// Info describes the module; magic and ABI version are filled in by
	// the engine when zero.
	Info() abi.ModuleInfo

	// Init receives the spawn config; pointers are only valid for the
	// call, so implementations deep-copy what they keep.
	Init(host engine.Host, cfg []byte) error

	// Weave is the hot path. Implementations may update args.UserData;
	// the engine writes it back into the argument block.
	Weave(host engine.Host, args *abi.WeaveArgs) abi.Code
}

// Resetter is implemented by modules that can restore their post-init
// state, enabling the Logic and Stateless memory contracts.
type Resetter interface {
	Reset()
}

// Factory builds a fresh module instance.
type Factory func() Module

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register installs a module factory under name. Typically called from
// module package init functions.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

// Engine is the native execution engine.
type Engine struct{}

// New creates the native engine.
func New() *Engine { return &Engine{} }

// Name implements engine.Engine.
func (*Engine) Name() string { return "native" }

type image struct {
	name    string
	factory Factory
	digest  [32]byte
}

// Digest implements engine.Image.
func (im *image) Digest() [32]byte { return im.digest }

// Load implements engine.Engine. code is the registered module name.
func (*Engine) Load(code []byte, digest [32]byte) (engine.Image, error) {
	if err := engine.VerifyDigest(sha256.Sum256(code), digest); err != nil {
		return nil, err
	}
	name := string(code)
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("native: module %q: %w", name, abi.ErrNotFound)
	}
	return &image{name: name, factory: f, digest: digest}, nil
}

// Instantiate implements engine.Engine.
func (*Engine) Instantiate(img engine.Image, memCap uint64, host engine.Host) (engine.Instance, error) {
	im, ok := img.(*image)
	if !ok {
		return nil, fmt.Errorf("native: %w: foreign image", abi.ErrInvalid)
	}
	return &instance{mod: im.factory(), memCap: memCap, host: host}, nil
}

type instance struct {
	mod    Module
	host   engine.Host
	memCap uint64

	meterLimit uint64
	meterUsed  uint64
}

// Call implements engine.Instance, adapting the byte-level entry
// convention to the Go module contract.
func (in *instance) Call(entry string, ctx uint64, args []byte) (int64, error) {
	in.meterUsed++
	if in.meterLimit > 0 && in.meterUsed > in.meterLimit {
		return int64(abi.CodeTimeout), fmt.Errorf("native: %w: meter limit", abi.ErrTimeout)
	}

	switch entry {
	case engine.EntryGetInfo:
		if len(args) < abi.SizeHostInfo+abi.SizeModuleInfo {
			return int64(abi.CodeInvalid), fmt.Errorf("native: get_info: %w: short args", abi.ErrInvalid)
		}
		info := in.mod.Info()
		if info.Magic == 0 {
			info.Magic = abi.Magic
		}
		if info.ABI == 0 {
			info.ABI = abi.ABIVersion
		}
		info.EncodeTo(args[abi.SizeHostInfo:])
		return 0, nil

	case engine.EntryReserve:
		// Native modules share the host address space; reservation is a
		// formality and the kernel's own buffer is the region.
		return 0, nil

	case engine.EntryInit:
		if err := in.mod.Init(in.host, args); err != nil {
			return -1, err
		}
		return 0, nil

	case engine.EntryWeave:
		w, err := abi.DecodeWeaveArgs(args)
		if err != nil {
			return int64(abi.CodeInvalid), err
		}
		code := in.mod.Weave(in.host, &w)
		w.EncodeTo(args)
		return int64(code), nil

	default:
		return int64(abi.CodeNotFound), fmt.Errorf("native: entry %q: %w", entry, abi.ErrNotFound)
	}
}

// ResetMemory implements engine.Instance.
func (in *instance) ResetMemory() error {
	if r, ok := in.mod.(Resetter); ok {
		r.Reset()
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

// CanonicalizeNaN implements engine.Instance. Native floats already pass
// through the value codec, which canonicalizes on encode.
func (in *instance) CanonicalizeNaN(bool) {}

// DigestFor computes the digest a manifest must declare for a registered
// native module name.
func DigestFor(name string) [32]byte {
	return sha256.Sum256([]byte(name))
}
