package blob

// Journal records tentative blob operations made during one weave.
// Retains and releases are buffered and only touch the table at commit;
// allocations take effect immediately but are rolled back wholesale on
// discard. One journal per process per weave, never shared.
type Journal struct {
	table    *Table
	pid      uint64
	allocs   []uint64
	retains  []uint64
	releases []uint64
}

// NewJournal starts an empty journal against the table for pid.
func NewJournal(table *Table, pid uint64) *Journal {
	return &Journal{table: table, pid: pid}
}

// Alloc allocates through the table and records the handle for rollback.
func (j *Journal) Alloc(size uint64, flags Flags, account *Account) (uint64, error) {
	h, err := j.table.Alloc(j.pid, size, flags, account)
	if err != nil {
		return 0, err
	}
	j.allocs = append(j.allocs, h)
	return h, nil
}

// AllocPooled allocates from a pre-reserved pool, recording the handle
// for rollback like Alloc.
func (j *Journal) AllocPooled(size uint64, pool *Pool, account *Account) (uint64, error) {
	h, err := j.table.AllocPooled(j.pid, size, pool, account)
	if err != nil {
		return 0, err
	}
	j.allocs = append(j.allocs, h)
	return h, nil
}

// Retain journals a provisional retention. The refcount effect is applied
// at commit and silently reverted on discard.
func (j *Journal) Retain(handle uint64) error {
	if _, err := j.table.Size(handle); err != nil {
		return err
	}
	j.retains = append(j.retains, handle)
	return nil
}

// Release journals a provisional reference drop.
func (j *Journal) Release(handle uint64) error {
	if _, err := j.table.Size(handle); err != nil {
		return err
	}
	j.releases = append(j.releases, handle)
	return nil
}

// Commit applies buffered retains and releases, then marks handles that
// appeared in committed events so they survive ephemeral collection.
func (j *Journal) Commit(committedHandles []uint64) error {
	for _, h := range j.retains {
		if err := j.table.MarkRetained(h); err != nil {
			return err
		}
	}
	for _, h := range committedHandles {
		if err := j.table.MarkCommitted(h); err != nil {
			return err
		}
	}
	for _, h := range j.releases {
		if err := j.table.DropRef(h, j.pid); err != nil {
			return err
		}
	}
	j.reset()
	return nil
}

// Discard undoes the weave: journaled retains and releases are dropped
// unapplied and every tentative allocation is freed.
func (j *Journal) Discard() {
	for _, h := range j.allocs {
		// Already collected allocations are fine to skip.
		_ = j.table.Free(h)
	}
	j.reset()
}

func (j *Journal) reset() {
	j.allocs = j.allocs[:0]
	j.retains = j.retains[:0]
	j.releases = j.releases[:0]
}
