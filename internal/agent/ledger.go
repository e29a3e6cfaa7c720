package agent

import "sync"

// ledgerLimit bounds how many job IDs the dedup ledger remembers.
const ledgerLimit = 100

// ledger remembers recently seen job IDs so that redelivered
// notifications run a job once. Eviction is FIFO once the limit is
// reached.
type ledger struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
}

func newLedger(limit int) *ledger {
	return &ledger{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
	}
}

// MarkSeen records id and reports whether it was new. A duplicate
// leaves the ledger unchanged.
func (l *ledger) MarkSeen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > l.limit {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.seen, oldest)
	}
	return true
}
