package kernel

import (
	"fmt"
	"strings"
	"sync"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/blob"
	"github.com/najoast/filament/capability"
	"github.com/najoast/filament/channel"
	"github.com/najoast/filament/engine"
	"github.com/najoast/filament/hostio"
	"github.com/najoast/filament/staging"
	"github.com/najoast/filament/timeline"
	"github.com/najoast/filament/value"
)

// processHost binds one module instance to the kernel. It lives for the
// instance's lifetime; the weave context is swapped in at the start of
// every weave and cleared after, so host calls that need it fail outside
// a weave. BlobMap and the timeline cursor calls do not use it.
type processHost struct {
	k      *Kernel
	p      *Process
	modIdx int

	mu sync.Mutex
	wc *weaveCtx
}

func (h *processHost) setWeave(wc *weaveCtx) {
	h.mu.Lock()
	h.wc = wc
	h.mu.Unlock()
}

func (h *processHost) weave() (*weaveCtx, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wc == nil {
		return nil, fmt.Errorf("kernel: %w: host call outside a weave", abi.ErrInvalid)
	}
	return h.wc, nil
}

// authorize checks the host-function symbol against the capability set.
func (h *processHost) authorize(symbol string) error {
	if !h.p.caps.AllowsHostFunc(symbol) {
		return fmt.Errorf("kernel: host function %s: %w: not granted to process %d",
			symbol, abi.ErrPerm, h.p.id)
	}
	return nil
}

// Read implements engine.Host. Bound topics read destructively from
// their channel (start is ignored); static topics read sequentially from
// the staging area.
func (h *processHost) Read(topic string, start int) ([]engine.HostEvent, int, error) {
	if err := h.authorize("read"); err != nil {
		return nil, start, err
	}
	wc, err := h.weave()
	if err != nil {
		return nil, start, err
	}
	if uri, bound := h.p.bindings[topic]; bound {
		ring, ok := h.k.channels.Get(uri)
		if !ok {
			return nil, start, fmt.Errorf("kernel: channel %s: %w", uri, abi.ErrNotFound)
		}
		var events []engine.HostEvent
		for {
			msg, ok, err := ring.TryRead(h.p.id)
			if err != nil {
				return events, start, err
			}
			if !ok {
				break
			}
			// Recorded so a discarded weave can restore the ring.
			wc.chanReads = append(wc.chanReads, chanWrite{ring: ring, msg: msg})
			events = append(events, engine.HostEvent{Topic: topic, Payload: msg.Data})
		}
		return events, start, nil
	}

	entries, next := h.p.area.Read(topic, start)
	events := make([]engine.HostEvent, len(entries))
	for i, e := range entries {
		events[i] = engine.HostEvent{Topic: e.Topic, Payload: e.Payload, Inbound: e.Inbound}
	}
	return events, next, nil
}

// Write implements engine.Host: the outbound half of the capability
// router. Unauthorized emission aborts the weave with ERR_PERM.
func (h *processHost) Write(topic string, payload []byte) error {
	if err := h.authorize("write"); err != nil {
		return err
	}
	wc, err := h.weave()
	if err != nil {
		return err
	}
	if err := abi.ValidateURI(topic); err != nil {
		return err
	}
	if !h.p.caps.Allows(topic, capability.Outbound) {
		wc.fatal = fmt.Errorf("kernel: topic %s: %w: emission not granted to process %d",
			topic, abi.ErrPerm, h.p.id)
		return wc.fatal
	}
	return h.k.routeOutbound(wc, topic, payload)
}

// BlobAlloc implements engine.Host. System-context modules allocate
// from the pre-reserved pool only.
func (h *processHost) BlobAlloc(size uint64, flags uint32) (uint64, error) {
	if err := h.authorize("blob_alloc"); err != nil {
		return 0, err
	}
	wc, err := h.weave()
	if err != nil {
		return 0, err
	}
	if h.p.pipeline[h.modIdx].Info.Context == abi.ContextSystem {
		if h.k.opts.SystemPool == nil {
			return 0, fmt.Errorf("kernel: %w: no reserved pool for system context", abi.ErrOOM)
		}
		return wc.journal.AllocPooled(size, h.k.opts.SystemPool, h.p.account)
	}
	return wc.journal.Alloc(size, blob.Flags(flags), h.p.account)
}

// BlobMap implements engine.Host.
func (h *processHost) BlobMap(handle uint64, perms uint32) ([]byte, error) {
	if err := h.authorize("blob_map"); err != nil {
		return nil, err
	}
	return h.k.blobs.Map(handle, h.p.id, blob.Perm(perms))
}

// BlobRetain implements engine.Host.
func (h *processHost) BlobRetain(handle uint64) error {
	if err := h.authorize("blob_retain"); err != nil {
		return err
	}
	wc, err := h.weave()
	if err != nil {
		return err
	}
	return wc.journal.Retain(handle)
}

// TimelineOpen implements engine.Host.
func (h *processHost) TimelineOpen(topicPrefix string, start, end uint64, descending bool) (uint64, error) {
	if err := h.authorize("tl_open"); err != nil {
		return 0, err
	}
	cur := h.p.tl.Open(timeline.CursorOptions{
		TopicPrefix: topicPrefix,
		Start:       start,
		End:         end,
		Descending:  descending,
	})
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	h.p.nextCur++
	id := h.p.nextCur
	h.p.cursors[id] = cur
	return id, nil
}

// TimelineNext implements engine.Host.
func (h *processHost) TimelineNext(cursor uint64, dst []byte) (int, int, error) {
	if err := h.authorize("tl_next"); err != nil {
		return 0, 0, err
	}
	h.p.mu.Lock()
	cur, ok := h.p.cursors[cursor]
	h.p.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("kernel: cursor %d: %w", cursor, abi.ErrNotFound)
	}
	return cur.Next(dst)
}

// TimelineClose implements engine.Host.
func (h *processHost) TimelineClose(cursor uint64) error {
	if err := h.authorize("tl_close"); err != nil {
		return err
	}
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	cur, ok := h.p.cursors[cursor]
	if !ok {
		return fmt.Errorf("kernel: cursor %d: %w", cursor, abi.ErrNotFound)
	}
	cur.Close()
	delete(h.p.cursors, cursor)
	return nil
}

// ChannelCreate implements engine.Host. The ring exists immediately so
// its URI can be shared; a discarded weave tears it down again.
func (h *processHost) ChannelCreate(def abi.ChannelDefinition) (string, error) {
	if err := h.authorize("channel_create"); err != nil {
		return "", err
	}
	wc, err := h.weave()
	if err != nil {
		return "", err
	}
	ring, err := h.k.channels.Create(h.p.id, def, h.p.account)
	if err != nil {
		return "", err
	}
	wc.createdCh = append(wc.createdCh, ring.URI())
	return ring.URI(), nil
}

// ProcessSpawn implements engine.Host. The spawn is validated now,
// buffered, and applied at commit; the child id is assigned eagerly.
func (h *processHost) ProcessSpawn(args abi.ProcessSpawnArgs) (uint64, error) {
	if err := h.authorize("process_spawn"); err != nil {
		return 0, err
	}
	wc, err := h.weave()
	if err != nil {
		return 0, err
	}
	spec := SpawnSpec{Args: args, Caps: h.p.caps}
	if err := h.k.validateSpawn(h.p, spec); err != nil {
		return 0, err
	}
	pid := h.k.nextPID.Add(1)
	wc.spawns = append(wc.spawns, &pendingSpawn{pid: pid, spec: spec})
	return pid, nil
}

// ProcessTerminate implements engine.Host. Buffered until commit.
func (h *processHost) ProcessTerminate(pid uint64) error {
	if err := h.authorize("process_terminate"); err != nil {
		return err
	}
	wc, err := h.weave()
	if err != nil {
		return err
	}
	owned := false
	for _, ps := range wc.spawns {
		if ps.pid == pid {
			owned = true
		}
	}
	h.p.mu.Lock()
	if _, ok := h.p.children[pid]; ok {
		owned = true
	}
	h.p.mu.Unlock()
	if !owned {
		return fmt.Errorf("kernel: process %d: %w: not a child of %d", pid, abi.ErrPerm, h.p.id)
	}
	wc.terms = append(wc.terms, pid)
	return nil
}

// routeOutbound is the kernel-topic switch plus the channel/static
// fallthrough of the capability router.
func (k *Kernel) routeOutbound(wc *weaveCtx, topic string, payload []byte) error {
	p := wc.p
	switch {
	case topic == abi.TopicTimeSet:
		return k.handleTimeSet(wc, payload)
	case topic == abi.TopicCoreLog:
		return k.sink.Emit(p.id, payload)
	case topic == abi.TopicCorePanic:
		wc.panicked = true
		return nil
	case topic == abi.TopicKVSet:
		return k.handleKVSet(wc, payload)
	case topic == abi.TopicKVGet:
		return k.handleKVGet(wc, payload)
	case strings.HasPrefix(topic, abi.TopicFSPrefix), strings.HasPrefix(topic, abi.TopicHTTPPrefix):
		return k.handleAsyncIO(wc, topic, payload)
	case strings.HasPrefix(topic, abi.TopicHWPrefix):
		wc.hw = append(wc.hw, staging.Entry{Topic: topic, Payload: append([]byte(nil), payload...)})
		return nil
	}

	if uri, bound := p.bindings[topic]; bound {
		return k.bufferChannelWrite(wc, uri, payload)
	}

	// Static topic: stage for the timeline.
	entry := staging.Entry{Topic: topic, Payload: append([]byte(nil), payload...)}
	if _, err := value.RootTag(payload); err == nil {
		entry.Encoding = abi.EncodingValue
	}
	return p.area.Write(entry)
}

// bufferChannelWrite validates against the ring now (schema, size,
// optimistic occupancy) and publishes at commit.
func (k *Kernel) bufferChannelWrite(wc *weaveCtx, uri string, payload []byte) error {
	ring, ok := k.channels.Get(uri)
	if !ok {
		return fmt.Errorf("kernel: channel %s: %w", uri, abi.ErrNotFound)
	}
	if err := ring.CheckPayload(payload); err != nil {
		return err
	}
	if ring.Len()+wc.chanPending[uri] >= int(ring.Capacity()) {
		return fmt.Errorf("kernel: channel %s: %w: ring full", uri, abi.ErrIO)
	}
	msg := channel.Message{Data: append([]byte(nil), payload...)}
	if v, err := value.Decode(payload); err == nil {
		msg.Blobs = v.BlobHandles()
	}
	wc.chanPending[uri]++
	wc.chanWrites = append(wc.chanWrites, chanWrite{ring: ring, msg: msg})
	return nil
}

func (k *Kernel) handleTimeSet(wc *weaveCtx, payload []byte) error {
	v, err := value.Decode(payload)
	if err != nil {
		return err
	}
	target, ok := v.Get("target")
	if !ok || target.Tag != value.TagU64 {
		return fmt.Errorf("kernel: time/set: %w: needs a u64 target", abi.ErrType)
	}
	wc.timerSets = append(wc.timerSets, target.U64)
	return nil
}

func (k *Kernel) handleKVSet(wc *weaveCtx, payload []byte) error {
	v, err := value.Decode(payload)
	if err != nil {
		return err
	}
	key, ok := v.Get("key")
	if !ok || key.Tag != value.TagString {
		return fmt.Errorf("kernel: kv/set: %w: needs a string key", abi.ErrType)
	}
	val, ok := v.Get("value")
	if !ok {
		return fmt.Errorf("kernel: kv/set: %w: needs a value", abi.ErrType)
	}
	raw, err := value.Encode(val)
	if err != nil {
		return err
	}
	wc.tx.Set(key.Str, raw)
	return nil
}

// handleKVGet answers from the weave-start snapshot, depositing the
// result into the staging area immediately so later pipeline stages can
// read it in the same weave.
func (k *Kernel) handleKVGet(wc *weaveCtx, payload []byte) error {
	v, err := value.Decode(payload)
	if err != nil {
		return err
	}
	key, ok := v.Get("key")
	if !ok || key.Tag != value.TagString {
		return fmt.Errorf("kernel: kv/get: %w: needs a string key", abi.ErrType)
	}
	reqID, _ := v.Get("req_id")

	pairs := []value.Pair{{Key: "key", Val: key}, {Key: "req_id", Val: reqID}}
	raw, err := wc.tx.Get(key.Str)
	if err != nil {
		pairs = append(pairs, value.Pair{Key: "found", Val: value.Bool(false)})
	} else {
		stored, err := value.Decode(raw)
		if err != nil {
			return err
		}
		pairs = append(pairs,
			value.Pair{Key: "found", Val: value.Bool(true)},
			value.Pair{Key: "value", Val: stored})
	}
	reply, err := value.Encode(value.Map(pairs...))
	if err != nil {
		return err
	}
	return wc.p.area.Deposit(staging.Entry{
		Topic:     abi.TopicKVResult,
		Payload:   reply,
		Encoding:  abi.EncodingValue,
		WakeFlags: abi.WakeIO,
	})
}

func (k *Kernel) handleAsyncIO(wc *weaveCtx, topic string, payload []byte) error {
	v, err := value.Decode(payload)
	if err != nil {
		return err
	}
	reqID, ok := v.Get("req_id")
	if !ok || reqID.Tag != value.TagU64 {
		return fmt.Errorf("kernel: %s: %w: needs a u64 req_id", topic, abi.ErrType)
	}
	wc.ioSubmits = append(wc.ioSubmits, hostio.Request{
		PID:     wc.p.id,
		ReqID:   reqID.U64,
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}
