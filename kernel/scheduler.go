package kernel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/staging"
	"github.com/najoast/filament/telemetry"
	"github.com/najoast/filament/value"
)

// Step runs one global barrier round: advance virtual time, deliver
// expired timers and completed host I/O, then weave every runnable
// SHARED process in parallel and wait for all of them. Returns the
// number of weaves run.
func (k *Kernel) Step() int {
	k.AdvanceVirtTime(k.opts.VirtTimeStep)
	k.deliverPending()

	k.mu.RLock()
	var runnable []*Process
	for _, p := range k.procs {
		if p.policy != abi.Shared {
			continue
		}
		if p.State() == StateReady || p.hasPendingInput() {
			runnable = append(runnable, p)
		}
	}
	k.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range runnable {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := k.RunWeave(p); err != nil {
				k.logger.Debug("weave discarded", zap.Uint64("pid", p.id), zap.Error(err))
			}
		}(p)
	}
	wg.Wait()
	return len(runnable)
}

// deliverPending injects expired timers and completed host I/O replies
// into each process's inbound queue.
func (k *Kernel) deliverPending() {
	now := k.virtTime.Load()
	for _, fire := range k.timers.Advance(now) {
		p, ok := k.Process(fire.PID)
		if !ok {
			continue
		}
		payload, err := value.Encode(value.Map(
			value.Pair{Key: "target", Val: value.U64(fire.Target)},
			value.Pair{Key: "skew", Val: value.U64(fire.Skew)},
		))
		if err != nil {
			continue
		}
		p.deposit(staging.Entry{
			Topic:     abi.TopicTimeFire,
			Payload:   payload,
			Encoding:  abi.EncodingValue,
			WakeFlags: abi.WakeTimer,
			Trace:     telemetry.MintTrace(),
		})
	}

	k.mu.RLock()
	procs := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		procs = append(procs, p)
	}
	k.mu.RUnlock()

	for _, p := range procs {
		for _, reply := range k.hostio.Drain(p.id) {
			pairs := []value.Pair{{Key: "req_id", Val: value.U64(reply.ReqID)}}
			if reply.Err != nil {
				pairs = append(pairs,
					value.Pair{Key: "ok", Val: value.Bool(false)},
					value.Pair{Key: "error", Val: value.I64(int64(abi.CodeOf(reply.Err)))})
			} else {
				pairs = append(pairs,
					value.Pair{Key: "ok", Val: value.Bool(true)},
					value.Pair{Key: "data", Val: value.Bytes(reply.Payload)})
			}
			payload, err := value.Encode(value.Map(pairs...))
			if err != nil {
				continue
			}
			p.deposit(staging.Entry{
				Topic:     reply.Topic,
				Payload:   payload,
				Encoding:  abi.EncodingValue,
				WakeFlags: abi.WakeIO,
				Trace:     telemetry.MintTrace(),
			})
		}
	}
}

// Run drives the kernel until the context ends: the shared barrier loop
// on this goroutine's group, plus one independent worker per DEDICATED
// process, which never blocks the global cycle.
func (k *Kernel) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		started := make(map[uint64]bool)
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			// Launch workers for dedicated processes seen for the first
			// time.
			k.mu.RLock()
			for pid, p := range k.procs {
				if p.policy == abi.Dedicated && !started[pid] {
					started[pid] = true
					proc := p
					group.Go(func() error {
						k.runDedicated(ctx, proc)
						return nil
					})
				}
			}
			k.mu.RUnlock()

			if k.Step() == 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Millisecond):
				}
			}
		}
	})

	return group.Wait()
}

// runDedicated is the independent loop of one dedicated process.
func (k *Kernel) runDedicated(ctx context.Context, p *Process) {
	for {
		switch p.State() {
		case StateTerminated, StateFaulted:
			return
		}

		if p.State() == StateReady || p.hasPendingInput() {
			if err := k.RunWeave(p); err != nil {
				k.logger.Debug("dedicated weave discarded", zap.Uint64("pid", p.id), zap.Error(err))
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(5 * time.Millisecond):
		}
	}
}
