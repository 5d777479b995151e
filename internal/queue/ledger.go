package queue

// ledger 为固定容量的环形台账，超出容量时淘汰最早的记录。
type ledger struct {
	entries []LedgerEntry
	index   map[string]struct{}
	size    int
	head    int
	full    bool
}

func newLedger(size int) *ledger {
	return &ledger{
		entries: make([]LedgerEntry, size),
		index:   make(map[string]struct{}, size),
		size:    size,
	}
}

func (l *ledger) add(entry LedgerEntry) {
	if l.full {
		delete(l.index, l.entries[l.head].SyncID)
	}
	l.entries[l.head] = entry
	l.index[entry.SyncID] = struct{}{}
	l.head = (l.head + 1) % l.size
	if l.head == 0 {
		l.full = true
	}
}

func (l *ledger) contains(syncID string) bool {
	_, ok := l.index[syncID]
	return ok
}

func (l *ledger) snapshot() []LedgerEntry {
	if !l.full {
		return append([]LedgerEntry(nil), l.entries[:l.head]...)
	}
	out := make([]LedgerEntry, 0, l.size)
	out = append(out, l.entries[l.head:]...)
	out = append(out, l.entries[:l.head]...)
	return out
}
