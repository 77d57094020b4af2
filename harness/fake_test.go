package harness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// fakeState is shared by a fakeClient and every transaction-scoped view
// of it.
type fakeState struct {
	mu    sync.Mutex
	calls []string

	delay     time.Duration
	durations map[string]time.Duration
	sleep     bool

	failOn  func(op, id string) error
	panicOn string

	txSeq       atomic.Int64
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

type fakeClient struct {
	*fakeState
	tx string
}

func newFake(delay time.Duration) fakeClient {
	return fakeClient{fakeState: &fakeState{
		delay:     delay,
		durations: map[string]time.Duration{},
	}}
}

func (s *fakeState) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.calls))
	copy(out, s.calls)

	return out
}

func (s *fakeState) count(prefix string) int {
	n := 0
	for _, c := range s.recorded() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}

	return n
}

func (c fakeClient) call(op, id string) (time.Duration, error) {
	entry := op + ":" + id
	if c.tx != "" {
		entry += "@" + c.tx
	}

	c.mu.Lock()
	c.calls = append(c.calls, entry)
	c.mu.Unlock()

	if c.panicOn == op {
		panic("fake client panic in " + op)
	}

	if c.failOn != nil {
		if err := c.failOn(op, id); err != nil {
			return 0, err
		}
	}

	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)

	for {
		cur := c.maxInflight.Load()
		if n <= cur || c.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	d, ok := c.durations[op]
	if !ok {
		d = c.delay
	}

	if c.sleep {
		time.Sleep(d)
	}

	return d, nil
}

func (c fakeClient) InTransaction(txID string) RepositoryClient {
	return fakeClient{fakeState: c.fakeState, tx: txID}
}

func (c fakeClient) CreateObject(_ context.Context, id string) (time.Duration, error) {
	return c.call("create_object", id)
}

func (c fakeClient) CreateDatastream(_ context.Context, id string, _ int64) (time.Duration, error) {
	return c.call("create_datastream", id)
}

func (c fakeClient) RetrieveDatastream(_ context.Context, id string) (time.Duration, error) {
	return c.call("retrieve_datastream", id)
}

func (c fakeClient) UpdateDatastream(_ context.Context, id string, _ int64) (time.Duration, error) {
	return c.call("update_datastream", id)
}

func (c fakeClient) DeleteDatastream(_ context.Context, id string) (time.Duration, error) {
	return c.call("delete_datastream", id)
}

func (c fakeClient) DeleteObject(_ context.Context, id string) (time.Duration, error) {
	return c.call("delete_object", id)
}

func (c fakeClient) CreateTransaction(_ context.Context) (string, time.Duration, error) {
	id := fmt.Sprintf("tx:%d", c.txSeq.Add(1))

	d, err := c.call("create_tx", id)
	if err != nil {
		return "", 0, err
	}

	return id, d, nil
}

func (c fakeClient) CommitTransaction(_ context.Context, txID string) (time.Duration, error) {
	return c.call("commit_tx", txID)
}

func (c fakeClient) RollbackTransaction(_ context.Context, txID string) (time.Duration, error) {
	return c.call("rollback_tx", txID)
}

func (c fakeClient) SparqlInsert(_ context.Context, id, _ string) (time.Duration, error) {
	return c.call("sparql_insert", id)
}

func (c fakeClient) SparqlSelect(_ context.Context, id, _ string) (time.Duration, error) {
	return c.call("sparql_select", id)
}

func (c fakeClient) SparqlUpdate(_ context.Context, id, _ string) (time.Duration, error) {
	return c.call("sparql_update", id)
}

func (c fakeClient) SparqlDelete(_ context.Context, id, _ string) (time.Duration, error) {
	return c.call("sparql_delete", id)
}

// recordingSink is an in-memory DurationSink.
type recordingSink struct {
	mu        sync.Mutex
	durations []int64
	closed    bool
}

func (s *recordingSink) Record(ms int64) {
	s.mu.Lock()
	s.durations = append(s.durations, ms)
	s.mu.Unlock()
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

func (s *recordingSink) values() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, len(s.durations))
	copy(out, s.durations)

	return out
}
