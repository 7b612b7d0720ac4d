// Package engine defines the contract between the kernel and the
// pluggable execution engines hosting module code. The kernel never
// knows which engine runs a module; it speaks only this interface.
package engine

import (
	"fmt"

	"github.com/najoast/filament/abi"
)

// Exported entry points every module provides. Each takes
// (ctx u64, args_ptr u64) at the wire level and returns i64; in this
// host the argument block is handed over as a byte slice backed by the
// instance's memory, and modules write replies back into it.
const (
	EntryGetInfo = "get_info"
	EntryReserve = "reserve"
	EntryInit    = "init"
	EntryWeave   = "weave"
)

// Namespace is the single import namespace sandboxed modules see.
const Namespace = "filament"

// HostEvent is one staged event surfaced to a module through read.
type HostEvent struct {
	Topic   string
	Payload []byte
	Inbound bool
}

// Host is the kernel surface importable by modules under the filament
// namespace. Every call is checked against the calling process's
// capability set before reaching the kernel proper.
type Host interface {
	// Read returns staged events on topic starting at cursor start; the
	// second result is the cursor for the next call. For channels start
	// is ignored and reads are destructive.
	Read(topic string, start int) ([]HostEvent, int, error)

	// Write stages an outbound event. Kernel topics are intercepted and
	// handled by the capability router.
	Write(topic string, payload []byte) error

	// BlobAlloc allocates a kernel buffer, billing the process quota.
	BlobAlloc(size uint64, flags uint32) (uint64, error)

	// BlobMap maps a blob for zero-copy access with the requested perms.
	BlobMap(handle uint64, perms uint32) ([]byte, error)

	// BlobRetain journals a provisional retention for the current weave.
	BlobRetain(handle uint64) error

	// TimelineOpen opens a cursor over the process timeline.
	TimelineOpen(topicPrefix string, start, end uint64, descending bool) (uint64, error)

	// TimelineNext streams the next batch of whole events into dst.
	TimelineNext(cursor uint64, dst []byte) (int, int, error)

	// TimelineClose releases a cursor.
	TimelineClose(cursor uint64) error

	// ChannelCreate allocates a ring and returns its generated URI.
	ChannelCreate(def abi.ChannelDefinition) (string, error)

	// ProcessSpawn requests a child process; applied at commit.
	ProcessSpawn(args abi.ProcessSpawnArgs) (uint64, error)

	// ProcessTerminate requests termination of a child.
	ProcessTerminate(pid uint64) error
}

// Image is loaded, digest-verified module code.
type Image interface {
	// Digest returns the SHA-256 content hash of the code.
	Digest() [32]byte
}

// Instance is one instantiated module.
type Instance interface {
	// Call invokes an exported entry under instruction metering. args is
	// backed by instance-reachable memory; modules may write into it.
	Call(entry string, ctx uint64, args []byte) (int64, error)

	// ResetMemory restores the post-init memory snapshot. Logic-context
	// instances are reset at every weave start, Stateless ones before
	// each call.
	ResetMemory() error

	// SetMeterLimit arms the instruction meter for the next call.
	SetMeterLimit(limit uint64)

	// MeterUsed reports units consumed since the meter was last armed.
	MeterUsed() uint64

	// CanonicalizeNaN toggles NaN canonicalization for deterministic
	// float behavior in Logic contexts.
	CanonicalizeNaN(on bool)
}

// Engine loads and instantiates module code.
type Engine interface {
	// Name identifies the engine in manifests.
	Name() string

	// Load verifies the digest and prepares an image.
	Load(code []byte, digest [32]byte) (Image, error)

	// Instantiate creates an isolated instance with the given memory cap
	// and host binding.
	Instantiate(img Image, memCap uint64, host Host) (Instance, error)
}

// VerifyDigest compares a code image against its declared SHA-256,
// shared by engine implementations.
func VerifyDigest(got, want [32]byte) error {
	if got != want {
		return fmt.Errorf("engine: %w: module digest mismatch", abi.ErrPerm)
	}
	return nil
}
