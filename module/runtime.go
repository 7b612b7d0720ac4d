// Package module wraps a concrete execution engine instance behind the
// kernel's module runtime: the get_info/reserve/init bootstrap sequence,
// per-context state rules, user_data preservation and metering.
package module

import (
	"encoding/binary"
	"fmt"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/engine"
)

// Instance is one bootstrapped pipeline stage.
type Instance struct {
	Alias  string
	Digest [32]byte
	Info   abi.ModuleInfo

	eng      engine.Instance
	userData uint64
	lastTick uint64
	inWeave  bool
}

// Bootstrap runs the module startup sequence: load and digest-verify the
// code, instantiate, negotiate get_info, reserve the config region, and
// init. A failing init aborts the spawn.
func Bootstrap(e engine.Engine, code []byte, def abi.ModuleDefinition, cfg []byte,
	hostInfo abi.HostInfo, host engine.Host) (*Instance, error) {

	img, err := e.Load(code, def.Digest)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", def.Alias, err)
	}
	inst, err := e.Instantiate(img, def.MemLimit, host)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", def.Alias, err)
	}

	// get_info: host info in, module info out of the same block.
	args := make([]byte, abi.SizeHostInfo+abi.SizeModuleInfo)
	hostInfo.EncodeTo(args)
	rc, err := inst.Call(engine.EntryGetInfo, 0, args)
	if err != nil {
		return nil, fmt.Errorf("module %s: get_info: %w", def.Alias, err)
	}
	if rc < 0 {
		return nil, fmt.Errorf("module %s: get_info: %w", def.Alias, abi.Code(rc).Err())
	}
	info, err := abi.DecodeModuleInfo(args[abi.SizeHostInfo:])
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", def.Alias, err)
	}
	if def.MemLimit > 0 && info.MemRequired > def.MemLimit {
		return nil, fmt.Errorf("module %s: %w: requires %d bytes, context limit %d",
			def.Alias, abi.ErrOOM, info.MemRequired, def.MemLimit)
	}
	if info.Context != def.Context {
		return nil, fmt.Errorf("module %s: %w: declares %s context, manifest expects %s",
			def.Alias, abi.ErrInvalid, info.Context, def.Context)
	}

	// reserve: the module sizes a region for its config payload; the
	// kernel then copies the init args in.
	reserveArgs := make([]byte, 16)
	binary.LittleEndian.PutUint64(reserveArgs[0:8], uint64(len(cfg)))
	binary.LittleEndian.PutUint64(reserveArgs[8:16], 8)
	if rc, err := inst.Call(engine.EntryReserve, 0, reserveArgs); err != nil || rc < 0 {
		return nil, fmt.Errorf("module %s: reserve: %w", def.Alias, abi.ErrOOM)
	}

	// init: argument pointers are valid only for the call.
	initArgs := append([]byte(nil), cfg...)
	rc, err = inst.Call(engine.EntryInit, 0, initArgs)
	if err != nil {
		return nil, fmt.Errorf("module %s: init: %w", def.Alias, err)
	}
	if rc != 0 {
		return nil, fmt.Errorf("module %s: init: %w: returned %d", def.Alias, abi.ErrInvalid, rc)
	}

	if info.Context == abi.ContextLogic {
		inst.CanonicalizeNaN(true)
	}
	return &Instance{
		Alias:  def.Alias,
		Digest: def.Digest,
		Info:   info,
		eng:    inst,
	}, nil
}

// Stateless reports whether the instance follows the pooled contract.
func (m *Instance) Stateless() bool {
	return m.Info.Pooling == abi.Stateless
}

// RunWeave invokes the module's weave entry with the prepared argument
// block, enforcing the per-context rules:
//
//   - Stateless: user_data enters as zero and is not preserved.
//   - Logic: linear memory resets to the post-init snapshot first.
//   - WAKE_INIT: user_data is zero regardless of pooling.
//
// The returned code is the module's result, except that an engine error
// paired with a non-negative result is reported as that error's code;
// negative values abort the weave.
func (m *Instance) RunWeave(w abi.WeaveArgs) (abi.Code, error) {
	if m.inWeave {
		return abi.CodeInvalid, fmt.Errorf("module %s: %w: recursive weave", m.Alias, abi.ErrInvalid)
	}
	m.inWeave = true
	defer func() { m.inWeave = false }()

	if m.Stateless() || m.Info.Context == abi.ContextLogic {
		if err := m.eng.ResetMemory(); err != nil {
			return abi.CodeInvalid, fmt.Errorf("module %s: reset: %w", m.Alias, err)
		}
	}

	switch {
	case m.Stateless(), w.WakeFlags&abi.WakeInit != 0:
		w.UserData = 0
	default:
		w.UserData = m.userData
	}
	w.DeltaTicks = w.Tick - m.lastTick

	budget := uint64(0)
	if w.ComputeMax > w.ComputeUsed {
		budget = w.ComputeMax - w.ComputeUsed
	}
	m.eng.SetMeterLimit(budget)

	args := make([]byte, abi.SizeWeaveArgs)
	w.EncodeTo(args)
	rc, err := m.eng.Call(engine.EntryWeave, w.Ctx, args)
	if err != nil && rc >= 0 {
		rc = int64(abi.CodeOf(err))
	}

	if rc >= 0 {
		m.lastTick = w.Tick
		if !m.Stateless() {
			m.userData = binary.LittleEndian.Uint64(args[abi.WeaveArgsUserDataOff:])
		}
	}
	return abi.Code(rc), nil
}

// MeterUsed reports compute units consumed by the last call.
func (m *Instance) MeterUsed() uint64 { return m.eng.MeterUsed() }

// UserData exposes the preserved scalar for inspection.
func (m *Instance) UserData() uint64 { return m.userData }
