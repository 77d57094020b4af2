package harness

import (
	"errors"
	"sync"
)

// ErrTransactionIDAssigned is returned when a transaction id is set twice.
var ErrTransactionIDAssigned = errors.New("transaction id already assigned")

// TransactionState correlates a group of concurrently executing actions
// with one server-side transaction. All methods are safe for concurrent use.
type TransactionState struct {
	mu sync.Mutex

	id         string
	pending    int
	attributed int
	closed     bool
	ended      bool

	createMillis   int64
	commitMillis   int64
	rollbackMillis int64
}

// TransactionStats is a point-in-time copy of a TransactionState.
type TransactionStats struct {
	ID             string `json:"id,omitempty" yaml:"id,omitempty"`
	Attributed     int    `json:"attributed" yaml:"attributed"`
	Pending        int    `json:"pending" yaml:"pending"`
	CreateMillis   int64  `json:"create_ms" yaml:"create_ms"`
	CommitMillis   int64  `json:"commit_ms" yaml:"commit_ms"`
	RollbackMillis int64  `json:"rollback_ms" yaml:"rollback_ms"`
}

// NewTransactionState returns a state with no transaction id and no
// attributed actions.
func NewTransactionState() *TransactionState {
	return &TransactionState{}
}

// attach attributes one more action to the transaction. NewWorker calls it
// so every ActionCompleted is preceded by a matching attach.
func (t *TransactionState) attach() {
	t.mu.Lock()
	t.pending++
	t.attributed++
	t.mu.Unlock()
}

// ActionCompleted records that one attributed action finished, whether it
// succeeded or not. The pending count never drops below zero.
func (t *TransactionState) ActionCompleted(a Action) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending > 0 {
		t.pending--
	}

	if a == ActionCommitTx || a == ActionRollbackTx {
		t.closed = true
	}
}

// release drops one attributed action that will never run. It resolves
// the attribution like ActionCompleted without observing a commit or
// rollback.
func (t *TransactionState) release() {
	t.mu.Lock()
	if t.pending > 0 {
		t.pending--
	}
	t.mu.Unlock()
}

// markEnded records that the server accepted a commit or rollback.
func (t *TransactionState) markEnded() {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
}

// Open reports whether the transaction was created on the server and has
// not been committed or rolled back since.
func (t *TransactionState) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.id != "" && !t.ended
}

// SetTransactionID assigns the server-issued transaction id. It can only
// be assigned once.
func (t *TransactionState) SetTransactionID(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.id != "" {
		return ErrTransactionIDAssigned
	}

	t.id = id

	return nil
}

// TransactionID returns the server-issued id. ok is false until the
// transaction has been created; callers treat that as "no transaction".
func (t *TransactionState) TransactionID() (id string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.id, t.id != ""
}

// Pending returns the number of attributed actions not yet completed.
func (t *TransactionState) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pending
}

// AddToCreateTime adds ms to the transaction-create accumulator.
func (t *TransactionState) AddToCreateTime(ms int64) {
	t.mu.Lock()
	t.createMillis += nonNegative(ms)
	t.mu.Unlock()
}

// AddToCommitTime adds ms to the commit accumulator.
func (t *TransactionState) AddToCommitTime(ms int64) {
	t.mu.Lock()
	t.commitMillis += nonNegative(ms)
	t.mu.Unlock()
}

// AddToRollbackTime adds ms to the rollback accumulator.
func (t *TransactionState) AddToRollbackTime(ms int64) {
	t.mu.Lock()
	t.rollbackMillis += nonNegative(ms)
	t.mu.Unlock()
}

// Finished reports whether a commit or rollback has been observed and all
// attributed actions have reported completion.
func (t *TransactionState) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed && t.pending == 0
}

// Stats returns a snapshot of the state.
func (t *TransactionState) Stats() TransactionStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TransactionStats{
		ID:             t.id,
		Attributed:     t.attributed,
		Pending:        t.pending,
		CreateMillis:   t.createMillis,
		CommitMillis:   t.commitMillis,
		RollbackMillis: t.rollbackMillis,
	}
}

func nonNegative(ms int64) int64 {
	if ms < 0 {
		return 0
	}

	return ms
}
