package abi

import (
	"encoding/binary"
	"fmt"
)

// All ABI structures are little-endian and 8-byte aligned. Pointers are
// 64-bit: linear-memory offsets for sandboxed engines, virtual addresses
// for native ones. Reserved bytes must be zero on emission; readers
// ignore them.

// Byte sizes of the fixed ABI structures. These are contract values and
// are asserted by tests, never derived.
const (
	SizeString            = 16
	SizeBlob              = 24
	SizeArray             = 16
	SizePair              = 48
	SizeValue             = 32
	SizeTraceContext      = 32
	SizeEventHeader       = 128
	SizeResourceLimits    = 24
	SizeHostInfo          = 48
	SizeModuleInfo        = 56
	SizeWeaveArgs         = 128
	SizeChannelDefinition = 40
	SizeModuleDefinition  = 64
	SizeProcessSpawnArgs  = 64
)

// ContextKind tags a module's execution context.
type ContextKind uint32

const (
	// ContextLogic runs fully deterministic: memory reset each weave,
	// entropy only from the seed, NaN canonicalization on.
	ContextLogic ContextKind = iota

	// ContextSystem runs on the hot path: pre-reserved pools only,
	// no host heap calls.
	ContextSystem

	// ContextManaged is ordinary hosted code with no extra constraints.
	ContextManaged
)

// String returns the string representation of ContextKind.
func (k ContextKind) String() string {
	switch k {
	case ContextLogic:
		return "logic"
	case ContextSystem:
		return "system"
	case ContextManaged:
		return "managed"
	default:
		return "unknown"
	}
}

// PoolingMode declares whether an instance keeps state across weaves.
type PoolingMode uint32

const (
	// Stateful instances keep user_data and memory between weaves.
	Stateful PoolingMode = iota

	// Stateless instances are interchangeable pool members: user_data is
	// zeroed and memory restored to the post-init snapshot every weave.
	Stateless
)

// String returns the string representation of PoolingMode.
func (m PoolingMode) String() string {
	switch m {
	case Stateful:
		return "stateful"
	case Stateless:
		return "stateless"
	default:
		return "unknown"
	}
}

// SchedPolicy selects how a process is driven by the scheduler.
type SchedPolicy uint32

const (
	// Shared processes synchronize at the global weave barrier.
	Shared SchedPolicy = iota

	// Dedicated processes run on their own worker and never block the
	// global cycle.
	Dedicated
)

// String returns the string representation of SchedPolicy.
func (p SchedPolicy) String() string {
	switch p {
	case Shared:
		return "shared"
	case Dedicated:
		return "dedicated"
	default:
		return "unknown"
	}
}

// Payload encodings carried in EventHeader.Encoding.
const (
	EncodingRaw   uint32 = 0 // opaque bytes
	EncodingValue uint32 = 1 // relocated value tree, self-contained
)

// Channel directions in ChannelDefinition.Direction.
const (
	DirectionInbound  uint32 = 0
	DirectionOutbound uint32 = 1
	DirectionDuplex   uint32 = 2
)

// TraceContext is the W3C trace context embedded in every event header.
type TraceContext struct {
	TraceID [16]byte
	SpanID  [8]byte
	Flags   uint32
	_       uint32
}

// EncodeTo writes the trace context into dst, which must hold at least
// SizeTraceContext bytes.
func (t *TraceContext) EncodeTo(dst []byte) {
	copy(dst[0:16], t.TraceID[:])
	copy(dst[16:24], t.SpanID[:])
	binary.LittleEndian.PutUint32(dst[24:28], t.Flags)
	binary.LittleEndian.PutUint32(dst[28:32], 0)
}

// DecodeTraceContext reads a trace context from src.
func DecodeTraceContext(src []byte) (TraceContext, error) {
	var t TraceContext
	if len(src) < SizeTraceContext {
		return t, fmt.Errorf("trace context: %w: short buffer (%d bytes)", ErrInvalid, len(src))
	}
	copy(t.TraceID[:], src[0:16])
	copy(t.SpanID[:], src[16:24])
	t.Flags = binary.LittleEndian.Uint32(src[24:28])
	return t, nil
}

// EventHeader is the 128-byte fixed header preceding topic and payload
// bytes of every event.
type EventHeader struct {
	ID          uint64 // sequence id, strictly monotonic per timeline
	WallTS      uint64 // informational wall-clock nanoseconds
	VirtTime    uint64 // virtual time of emission
	SchemaHash  uint64
	SourceAgent uint64
	SourceUser  uint64
	Trace       TraceContext
	TopicLen    uint32
	DataLen     uint32
	Encoding    uint32
	Flags       uint32
	TotalLen    uint32 // header + topic + pad + payload, 8-aligned
}

// Event flags.
const (
	EventFlagRedacted uint32 = 1 << 0 // payload tombstoned by a Mutable timeline
	EventFlagInbound  uint32 = 1 << 1 // host-originated
)

// Pad8 rounds n up to the next multiple of 8.
func Pad8(n uint32) uint32 {
	return (n + 7) &^ 7
}

// EventTotalLen computes the 8-aligned total length for the given topic
// and payload sizes.
func EventTotalLen(topicLen, dataLen uint32) uint32 {
	return SizeEventHeader + Pad8(topicLen) + Pad8(dataLen)
}

// EncodeTo writes the header into dst, which must hold at least
// SizeEventHeader bytes. Reserved bytes are zeroed.
func (h *EventHeader) EncodeTo(dst []byte) {
	le := binary.LittleEndian
	le.PutUint64(dst[0:8], h.ID)
	le.PutUint64(dst[8:16], h.WallTS)
	le.PutUint64(dst[16:24], h.VirtTime)
	le.PutUint64(dst[24:32], h.SchemaHash)
	le.PutUint64(dst[32:40], h.SourceAgent)
	le.PutUint64(dst[40:48], h.SourceUser)
	h.Trace.EncodeTo(dst[48:80])
	le.PutUint32(dst[80:84], h.TopicLen)
	le.PutUint32(dst[84:88], h.DataLen)
	le.PutUint32(dst[88:92], h.Encoding)
	le.PutUint32(dst[92:96], h.Flags)
	le.PutUint32(dst[96:100], h.TotalLen)
	for i := 100; i < SizeEventHeader; i++ {
		dst[i] = 0
	}
}

// DecodeEventHeader reads a header from src and checks internal length
// consistency.
func DecodeEventHeader(src []byte) (EventHeader, error) {
	var h EventHeader
	if len(src) < SizeEventHeader {
		return h, fmt.Errorf("event header: %w: short buffer (%d bytes)", ErrInvalid, len(src))
	}
	le := binary.LittleEndian
	h.ID = le.Uint64(src[0:8])
	h.WallTS = le.Uint64(src[8:16])
	h.VirtTime = le.Uint64(src[16:24])
	h.SchemaHash = le.Uint64(src[24:32])
	h.SourceAgent = le.Uint64(src[32:40])
	h.SourceUser = le.Uint64(src[40:48])
	t, err := DecodeTraceContext(src[48:80])
	if err != nil {
		return h, err
	}
	h.Trace = t
	h.TopicLen = le.Uint32(src[80:84])
	h.DataLen = le.Uint32(src[84:88])
	h.Encoding = le.Uint32(src[88:92])
	h.Flags = le.Uint32(src[92:96])
	h.TotalLen = le.Uint32(src[96:100])
	if h.TotalLen != EventTotalLen(h.TopicLen, h.DataLen) {
		return h, fmt.Errorf("event header: %w: total_len %d does not cover topic %d + data %d",
			ErrInvalid, h.TotalLen, h.TopicLen, h.DataLen)
	}
	return h, nil
}

// ResourceLimits caps a process's memory, compute units and wall-time
// budget per weave.
type ResourceLimits struct {
	MemMax     uint64
	ComputeMax uint64
	TimeBudget uint64 // microseconds per weave
}

// EncodeTo writes the limits into dst (SizeResourceLimits bytes).
func (r *ResourceLimits) EncodeTo(dst []byte) {
	le := binary.LittleEndian
	le.PutUint64(dst[0:8], r.MemMax)
	le.PutUint64(dst[8:16], r.ComputeMax)
	le.PutUint64(dst[16:24], r.TimeBudget)
}

// DecodeResourceLimits reads limits from src.
func DecodeResourceLimits(src []byte) (ResourceLimits, error) {
	var r ResourceLimits
	if len(src) < SizeResourceLimits {
		return r, fmt.Errorf("resource limits: %w: short buffer", ErrInvalid)
	}
	le := binary.LittleEndian
	r.MemMax = le.Uint64(src[0:8])
	r.ComputeMax = le.Uint64(src[8:16])
	r.TimeBudget = le.Uint64(src[16:24])
	return r, nil
}

// HostInfo describes the kernel to a module during get_info.
type HostInfo struct {
	KernelVersion uint32
	ABI           uint32
	Features      uint64 // capability feature bits
	MaxProcesses  uint32
	MaxChannels   uint32
	VirtTimeHz    uint64
	_             [16]byte
}

// EncodeTo writes the host info into dst (SizeHostInfo bytes).
func (h *HostInfo) EncodeTo(dst []byte) {
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], h.KernelVersion)
	le.PutUint32(dst[4:8], h.ABI)
	le.PutUint64(dst[8:16], h.Features)
	le.PutUint32(dst[16:20], h.MaxProcesses)
	le.PutUint32(dst[20:24], h.MaxChannels)
	le.PutUint64(dst[24:32], h.VirtTimeHz)
	for i := 32; i < SizeHostInfo; i++ {
		dst[i] = 0
	}
}

// ModuleInfo is the block returned by a module's get_info export.
type ModuleInfo struct {
	Magic         uint32
	ABI           uint32
	ModuleVersion uint32
	Context       ContextKind
	Pooling       PoolingMode
	_             uint32
	MemRequired   uint64
	StateSize     uint64
	EntryCaps     uint64
	_             [8]byte
}

// EncodeTo writes the module info into dst (SizeModuleInfo bytes).
func (m *ModuleInfo) EncodeTo(dst []byte) {
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], m.Magic)
	le.PutUint32(dst[4:8], m.ABI)
	le.PutUint32(dst[8:12], m.ModuleVersion)
	le.PutUint32(dst[12:16], uint32(m.Context))
	le.PutUint32(dst[16:20], uint32(m.Pooling))
	le.PutUint32(dst[20:24], 0)
	le.PutUint64(dst[24:32], m.MemRequired)
	le.PutUint64(dst[32:40], m.StateSize)
	le.PutUint64(dst[40:48], m.EntryCaps)
	for i := 48; i < SizeModuleInfo; i++ {
		dst[i] = 0
	}
}

// DecodeModuleInfo reads and validates a module info block.
func DecodeModuleInfo(src []byte) (ModuleInfo, error) {
	var m ModuleInfo
	if len(src) < SizeModuleInfo {
		return m, fmt.Errorf("module info: %w: short buffer", ErrInvalid)
	}
	le := binary.LittleEndian
	m.Magic = le.Uint32(src[0:4])
	m.ABI = le.Uint32(src[4:8])
	m.ModuleVersion = le.Uint32(src[8:12])
	m.Context = ContextKind(le.Uint32(src[12:16]))
	m.Pooling = PoolingMode(le.Uint32(src[16:20]))
	m.MemRequired = le.Uint64(src[24:32])
	m.StateSize = le.Uint64(src[32:40])
	m.EntryCaps = le.Uint64(src[40:48])
	if m.Magic != Magic {
		return m, fmt.Errorf("module info: %w: bad magic %#x", ErrInvalid, m.Magic)
	}
	if m.ABI != ABIVersion {
		return m, fmt.Errorf("module info: %w: abi %d not supported", ErrInvalid, m.ABI)
	}
	return m, nil
}

// WeaveArgs is the 128-byte argument block delivered to weave.
type WeaveArgs struct {
	Ctx         uint64 // thread-local context handle
	TimeBudget  uint64 // microseconds remaining
	ComputeUsed uint64
	ComputeMax  uint64
	MemCap      uint64
	RandSeed    uint64
	VirtTime    uint64
	Trace       TraceContext
	DeltaTicks  uint64 // ticks since the instance last ran
	Tick        uint64
	WakeFlags   uint64
	UserData    uint64 // preserved scalar, writable by the module
}

// Offset of UserData inside an encoded WeaveArgs block. The kernel reads
// the field back after every weave call.
const WeaveArgsUserDataOff = 112

// EncodeTo writes the args into dst (SizeWeaveArgs bytes).
func (w *WeaveArgs) EncodeTo(dst []byte) {
	le := binary.LittleEndian
	le.PutUint64(dst[0:8], w.Ctx)
	le.PutUint64(dst[8:16], w.TimeBudget)
	le.PutUint64(dst[16:24], w.ComputeUsed)
	le.PutUint64(dst[24:32], w.ComputeMax)
	le.PutUint64(dst[32:40], w.MemCap)
	le.PutUint64(dst[40:48], w.RandSeed)
	le.PutUint64(dst[48:56], w.VirtTime)
	w.Trace.EncodeTo(dst[56:88])
	le.PutUint64(dst[88:96], w.DeltaTicks)
	le.PutUint64(dst[96:104], w.Tick)
	le.PutUint64(dst[104:112], w.WakeFlags)
	le.PutUint64(dst[112:120], w.UserData)
	le.PutUint64(dst[120:128], 0)
}

// DecodeWeaveArgs reads a weave argument block from src.
func DecodeWeaveArgs(src []byte) (WeaveArgs, error) {
	var w WeaveArgs
	if len(src) < SizeWeaveArgs {
		return w, fmt.Errorf("weave args: %w: short buffer", ErrInvalid)
	}
	le := binary.LittleEndian
	w.Ctx = le.Uint64(src[0:8])
	w.TimeBudget = le.Uint64(src[8:16])
	w.ComputeUsed = le.Uint64(src[16:24])
	w.ComputeMax = le.Uint64(src[24:32])
	w.MemCap = le.Uint64(src[32:40])
	w.RandSeed = le.Uint64(src[40:48])
	w.VirtTime = le.Uint64(src[48:56])
	t, err := DecodeTraceContext(src[56:88])
	if err != nil {
		return w, err
	}
	w.Trace = t
	w.DeltaTicks = le.Uint64(src[88:96])
	w.Tick = le.Uint64(src[96:104])
	w.WakeFlags = le.Uint64(src[104:112])
	w.UserData = le.Uint64(src[112:120])
	return w, nil
}

// ChannelDefinition declares a channel binding in spawn arguments.
type ChannelDefinition struct {
	SchemaURI string // byte-exact match required between endpoints
	Capacity  uint32 // slots
	MsgSize   uint32 // bytes per slot
	Direction uint32
	RootType  uint32 // root value tag expected in payloads
	_         [8]byte
}

// ModuleDefinition declares one pipeline stage in spawn arguments. The
// code image is located through the artifact store by digest.
type ModuleDefinition struct {
	Alias    string
	Digest   [32]byte // SHA-256 of the code image
	Context  ContextKind
	Pooling  PoolingMode
	MemLimit uint64
}

// ProcessSpawnArgs is the complete spawn request a manifest maps to.
type ProcessSpawnArgs struct {
	Modules  []ModuleDefinition
	Channels []ChannelDefinition
	Limits   ResourceLimits
	Policy   SchedPolicy
	Flags    uint32
}

// Spawn flags.
const (
	// SpawnEscalate lets the host grant the child capabilities beyond
	// the parent's set. Only the host may set it; modules cannot.
	SpawnEscalate uint32 = 1 << 0
)
