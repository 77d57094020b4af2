package harness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTransactionIDAssignedOnce(t *testing.T) {
	tx := NewTransactionState()

	_, ok := tx.TransactionID()
	assert.False(t, ok, "no id before creation")

	require.NoError(t, tx.SetTransactionID("tx:1"))
	require.ErrorIs(t, tx.SetTransactionID("tx:2"), ErrTransactionIDAssigned)

	id, ok := tx.TransactionID()
	assert.True(t, ok)
	assert.Equal(t, "tx:1", id)
}

func TestTransactionPendingNeverNegative(t *testing.T) {
	tx := NewTransactionState()
	tx.attach()

	tx.ActionCompleted(ActionCreate)
	tx.ActionCompleted(ActionCreate)

	assert.Equal(t, 0, tx.Pending())
	assert.False(t, tx.Finished(), "not finished until commit or rollback")

	tx.ActionCompleted(ActionRollbackTx)
	assert.Equal(t, 0, tx.Pending())
	assert.True(t, tx.Finished())
}

func TestTransactionAccumulators(t *testing.T) {
	tx := NewTransactionState()

	tx.AddToCreateTime(50)
	tx.AddToCommitTime(30)
	tx.AddToCommitTime(5)
	tx.AddToRollbackTime(7)
	tx.AddToCreateTime(-3)

	st := tx.Stats()
	assert.Equal(t, int64(50), st.CreateMillis)
	assert.Equal(t, int64(35), st.CommitMillis)
	assert.Equal(t, int64(7), st.RollbackMillis)
}

// A transaction is created in 50ms, three actions attributed to it run
// concurrently, then it commits in 30ms.
func TestTransactionLifecycleScenario(t *testing.T) {
	client := newFake(10 * time.Millisecond)
	client.durations["create_tx"] = 50 * time.Millisecond
	client.durations["commit_tx"] = 30 * time.Millisecond

	ctx := context.Background()
	tx := NewTransactionState()

	create, err := NewWorker(WorkerConfig{Action: ActionCreateTx, Client: client, Transaction: tx})
	require.NoError(t, err)

	res, err := create.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.DurationMillis)
	assert.Equal(t, float64(NotApplicable), res.ThroughputBytesPerSec)

	txID, ok := tx.TransactionID()
	require.True(t, ok)

	workers := make([]*Worker, 3)
	for i := range workers {
		workers[i], err = NewWorker(WorkerConfig{
			Action:      ActionCreate,
			Client:      client,
			SizeBytes:   512,
			Transaction: tx,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, tx.Pending())

	var wg sync.WaitGroup
	errs := make([]error, len(workers))

	for i, w := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			_, errs[i] = w.Call(ctx)
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 0, tx.Pending())
	assert.Equal(t, 3, client.count("create_datastream:"))

	for _, w := range workers {
		assert.Contains(t, client.recorded(), "create_datastream:"+w.ResourceID()+"@"+txID)
	}

	commit, err := NewWorker(WorkerConfig{Action: ActionCommitTx, Client: client, Transaction: tx})
	require.NoError(t, err)

	_, err = commit.Call(ctx)
	require.NoError(t, err)

	st := tx.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 5, st.Attributed)
	assert.Equal(t, int64(50), st.CreateMillis)
	assert.Equal(t, int64(30), st.CommitMillis)
	assert.Equal(t, int64(0), st.RollbackMillis)
	assert.True(t, tx.Finished())
}

func TestProperty_ConcurrentActionCompleted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attached := rapid.IntRange(0, 64).Draw(t, "attached")
		completions := rapid.IntRange(0, 64).Draw(t, "completions")

		tx := NewTransactionState()
		for i := 0; i < attached; i++ {
			tx.attach()
		}

		var wg sync.WaitGroup
		for i := 0; i < completions; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()
				tx.ActionCompleted(ActionRead)
			}()
		}

		wg.Wait()

		want := attached - completions
		if want < 0 {
			want = 0
		}

		if got := tx.Pending(); got != want {
			t.Fatalf("pending = %d, want %d", got, want)
		}
	})
}
