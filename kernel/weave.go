package kernel

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/blob"
	"github.com/najoast/filament/channel"
	"github.com/najoast/filament/hostio"
	"github.com/najoast/filament/kv"
	"github.com/najoast/filament/staging"
	"github.com/najoast/filament/timeline"
	"github.com/najoast/filament/value"
)

// weaveCtx is the transaction state of one weave: everything here is
// tentative until commit and dropped wholesale on discard.
type weaveCtx struct {
	k    *Kernel
	p    *Process
	virt uint64

	journal *blob.Journal
	tx      *kv.Tx

	hw          []staging.Entry
	chanWrites  []chanWrite
	chanReads   []chanWrite
	chanPending map[string]int
	createdCh   []string
	timerSets   []uint64
	ioSubmits   []hostio.Request
	spawns      []*pendingSpawn
	terms       []uint64

	panicked bool
	fatal    error
}

type chanWrite struct {
	ring *channel.Ring
	msg  channel.Message
}

type pendingSpawn struct {
	pid  uint64
	spec SpawnSpec
}

// splitmix64 derives per-weave random seeds deterministically.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// RunWeave drives one atomic cycle on the process: ingress, sequential
// pipeline execution, then commit or discard.
func (k *Kernel) RunWeave(p *Process) error {
	p.weaveMu.Lock()
	defer p.weaveMu.Unlock()

	switch p.State() {
	case StateTerminated, StateFaulted:
		return fmt.Errorf("kernel: process %d: %w: %s", p.id, abi.ErrNotFound, p.State())
	}

	// Ingress: clear tentative state, merge pending inbound events,
	// snapshot the kv store, open the blob journal.
	p.area.Reset()
	for _, e := range p.takeInbound() {
		if err := p.area.Deposit(e); err != nil {
			k.logger.Warn("inbound event dropped at ingress",
				zap.Uint64("pid", p.id), zap.String("topic", e.Topic), zap.Error(err))
		}
	}
	tick := p.tick.Add(1)
	wc := &weaveCtx{
		k:           k,
		p:           p,
		virt:        k.virtTime.Load(),
		journal:     blob.NewJournal(k.blobs, p.id),
		tx:          p.store.Snapshot(),
		chanPending: make(map[string]int),
	}

	wakeFlags := p.area.WakeFlags()
	if tick == 1 {
		wakeFlags |= abi.WakeInit
	}

	// Execute the pipeline serially; only one instance runs against this
	// timeline at any moment.
	yield := false
	budget := p.limits.TimeBudget
	var computeUsed uint64
	start := time.Now()

	for idx, mod := range p.pipeline {
		args := abi.WeaveArgs{
			Ctx:        p.id<<8 | uint64(idx),
			TimeBudget: remainingMicros(budget, start),
			ComputeUsed: computeUsed,
			ComputeMax: p.limits.ComputeMax,
			MemCap:     p.limits.MemMax,
			RandSeed:   splitmix64(p.seed ^ tick),
			VirtTime:   wc.virt,
			Tick:       tick,
			WakeFlags:  wakeFlags,
		}

		host := p.hosts[idx]
		host.setWeave(wc)
		code, err := mod.RunWeave(args)
		host.setWeave(nil)
		computeUsed += mod.MeterUsed()

		// Resource watch: compute units and wall-time budget are hard
		// limits; overrun preempts with ERR_TIMEOUT.
		if wc.fatal == nil {
			switch {
			case err != nil && code >= 0:
				wc.fatal = err
			case code < 0:
				wc.fatal = fmt.Errorf("kernel: module %s aborted: %w", mod.Alias, code.Err())
			case p.limits.ComputeMax > 0 && computeUsed > p.limits.ComputeMax:
				wc.fatal = fmt.Errorf("kernel: module %s: %w: compute units exhausted", mod.Alias, abi.ErrTimeout)
			case budget > 0 && uint64(time.Since(start).Microseconds()) > budget:
				wc.fatal = fmt.Errorf("kernel: module %s: %w: time budget exceeded", mod.Alias, abi.ErrTimeout)
			}
		}
		if wc.fatal != nil || wc.panicked {
			break
		}

		if code == abi.Park && p.area.HasUnreadInputs() {
			// Unread inputs upgrade PARK to YIELD.
			code = abi.Yield
		}
		if code == abi.Yield {
			yield = true
		}
	}

	if wc.fatal != nil || wc.panicked {
		k.discard(wc)
		if wc.panicked {
			p.state.Store(int32(StateFaulted))
		}
		if wc.fatal == nil {
			wc.fatal = fmt.Errorf("kernel: process %d panicked: %w", p.id, abi.ErrInvalid)
		}
		return wc.fatal
	}

	if err := k.commit(wc, tick); err != nil {
		k.discard(wc)
		return err
	}

	if yield || p.hasPendingInput() {
		p.state.Store(int32(StateReady))
	} else {
		p.state.Store(int32(StateParked))
	}
	return nil
}

func remainingMicros(budget uint64, start time.Time) uint64 {
	if budget == 0 {
		return 0
	}
	elapsed := uint64(time.Since(start).Microseconds())
	if elapsed >= budget {
		return 0
	}
	return budget - elapsed
}

// commit runs the second phase: fallible side effects first (hardware
// flush, channel publishes), then the infallible state transitions.
func (k *Kernel) commit(wc *weaveCtx, tick uint64) error {
	p := wc.p

	// Hardware side-effect flush.
	if len(wc.hw) > 0 && k.opts.Hardware != nil {
		if err := k.opts.Hardware.Flush(p.id, wc.hw); err != nil {
			return fmt.Errorf("kernel: hardware flush: %w: %v", abi.ErrIO, err)
		}
	}

	// Publish channel writes. Transferred blob references count as
	// committed, keeping the payload alive past ephemeral collection.
	var committedBlobs []uint64
	for _, cw := range wc.chanWrites {
		if err := cw.ring.Write(cw.msg); err != nil {
			return err
		}
		committedBlobs = append(committedBlobs, cw.msg.Blobs...)
	}
	for _, cr := range wc.chanReads {
		committedBlobs = append(committedBlobs, cr.msg.Blobs...)
	}

	// Persist static-topic outputs: each gets a monotonic tick.
	for _, out := range p.area.Outputs() {
		rec := timeline.Record{
			Header: abi.EventHeader{
				WallTS:     k.opts.WallClock(wc.virt),
				VirtTime:   wc.virt,
				SchemaHash: out.SchemaHash,
				SourceAgent: p.id,
				Trace:      out.Trace,
				Encoding:   out.Encoding,
			},
			Topic:   out.Topic,
			Payload: out.Payload,
		}
		if _, err := p.tl.Append(rec); err != nil {
			return err
		}
		if out.Encoding == abi.EncodingValue {
			if v, err := value.Decode(out.Payload); err == nil {
				committedBlobs = append(committedBlobs, v.BlobHandles()...)
			}
		}
		if k.opts.Archive != nil {
			if err := k.opts.Archive.Archive(p.id, rec); err != nil {
				k.logger.Warn("archive sink failed", zap.Uint64("pid", p.id), zap.Error(err))
			}
		}
	}

	// Apply the kv write buffer atomically.
	wc.tx.Commit()

	// Apply the blob retention journal and collect ephemerals.
	if err := wc.journal.Commit(committedBlobs); err != nil {
		k.logger.Warn("blob journal commit", zap.Uint64("pid", p.id), zap.Error(err))
	}
	k.blobs.DropEphemerals(p.id)

	// Arm timers registered this weave.
	for _, target := range wc.timerSets {
		k.timers.Schedule(p.id, target)
	}

	// Launch asynchronous host I/O.
	for _, req := range wc.ioSubmits {
		k.hostio.Submit(req)
	}

	// Apply pending spawns and terminations. A terminate of a pid whose
	// spawn is still pending in this weave discards the record: init and
	// the first weave never run.
	for _, term := range wc.terms {
		if dropPendingSpawn(wc, term) {
			continue
		}
		if err := k.Terminate(term); err != nil {
			k.logger.Warn("terminate at commit", zap.Uint64("pid", term), zap.Error(err))
		}
	}
	for _, ps := range wc.spawns {
		if _, err := k.spawnWithPID(ps.pid, p.id, ps.spec); err != nil {
			k.logger.Warn("spawn at commit", zap.Uint64("pid", ps.pid), zap.Error(err))
		}
	}
	return nil
}

func dropPendingSpawn(wc *weaveCtx, pid uint64) bool {
	for i, ps := range wc.spawns {
		if ps.pid == pid {
			wc.spawns = append(wc.spawns[:i], wc.spawns[i+1:]...)
			return true
		}
	}
	return false
}

// discard drops every tentative mutation: staging, kv buffer, blob
// journal, hardware buffer, channel writes, pending spawns. Channels
// created this weave are torn down again. No physical actuation happens.
func (k *Kernel) discard(wc *weaveCtx) {
	wc.p.area.Reset()
	wc.tx.Discard()
	wc.journal.Discard()
	// Consumed channel messages go back in reverse order, restoring the
	// ring exactly.
	for i := len(wc.chanReads) - 1; i >= 0; i-- {
		cr := wc.chanReads[i]
		cr.ring.Unread(wc.p.id, cr.msg)
	}
	wc.chanReads = nil
	for _, uri := range wc.createdCh {
		_ = k.channels.Destroy(uri)
	}
	k.blobs.DropEphemerals(wc.p.id)
	wc.hw = nil
	wc.chanWrites = nil
	wc.timerSets = nil
	wc.ioSubmits = nil
	wc.spawns = nil
	wc.terms = nil
}
