package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkerConfig describes the single action a Worker performs.
type WorkerConfig struct {
	Action     Action
	Client     RepositoryClient
	ResourceID string // fresh UUID when empty
	SizeBytes  int64

	// Existing targets an object already in the repository. No setup or
	// cleanup calls are made, and delete removes the whole object.
	Existing bool

	// Transaction, when set, attributes the action to a transaction.
	// Transaction actions require it.
	Transaction *TransactionState
}

// Worker executes exactly one timed action against a RepositoryClient.
// Setup and cleanup calls around the measured call are not timed.
type Worker struct {
	action Action
	client RepositoryClient
	id     string
	size   int64
	tx     *TransactionState

	existing bool
}

// NewWorker validates cfg and returns a Worker. A supplied transaction
// gets the action attributed to it immediately; the attribution is
// resolved by Call or, for an action that never runs, by Discard.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if !cfg.Action.Valid() {
		return nil, fmt.Errorf("%w %d", ErrUnknownAction, int(cfg.Action))
	}

	if cfg.Client == nil {
		return nil, errors.New("worker requires a repository client")
	}

	if cfg.Action.IsTransaction() && cfg.Transaction == nil {
		return nil, fmt.Errorf("action %s requires a transaction state", cfg.Action)
	}

	if cfg.Existing {
		if !cfg.Action.TargetsExisting() {
			return nil, fmt.Errorf("action %s cannot target existing objects", cfg.Action)
		}

		if cfg.ResourceID == "" {
			return nil, errors.New("an existing object requires a resource id")
		}
	}

	id := cfg.ResourceID
	if id == "" && !cfg.Action.IsTransaction() {
		id = uuid.NewString()
	}

	if cfg.Transaction != nil {
		cfg.Transaction.attach()
	}

	return &Worker{
		action: cfg.Action,
		client: cfg.Client,
		id:     id,
		size:   cfg.SizeBytes,
		tx:     cfg.Transaction,

		existing: cfg.Existing,
	}, nil
}

// Action returns the action this worker performs.
func (w *Worker) Action() Action {
	return w.action
}

// ResourceID returns the identifier of the resource the worker operates
// on. Transaction actions operate on the transaction itself, so they
// return its id, or "" before it exists.
func (w *Worker) ResourceID() string {
	if w.action.IsTransaction() {
		id, _ := w.tx.TransactionID()

		return id
	}

	return w.id
}

// Discard resolves the transaction attribution of a worker that will
// never be called.
func (w *Worker) Discard() {
	if w.tx != nil {
		w.tx.release()
	}
}

// Call performs the action and returns its result. The attributed
// transaction, if any, is notified on every exit path.
func (w *Worker) Call(ctx context.Context) (ActionResult, error) {
	if w.tx != nil {
		defer w.tx.ActionCompleted(w.action)
	}

	d, err := w.perform(ctx)
	if err != nil {
		return ActionResult{}, err
	}

	return NewActionResult(w.action, w.size, d), nil
}

func (w *Worker) perform(ctx context.Context) (time.Duration, error) {
	switch w.action {
	case ActionCreate:
		return w.doCreate(ctx)
	case ActionRead:
		return w.withDatastream(ctx, func(c RepositoryClient) (time.Duration, error) {
			return c.RetrieveDatastream(ctx, w.id)
		})
	case ActionUpdate:
		return w.withDatastream(ctx, func(c RepositoryClient) (time.Duration, error) {
			return c.UpdateDatastream(ctx, w.id, w.size)
		})
	case ActionDelete:
		return w.doDelete(ctx)
	case ActionCreateTx:
		return w.doCreateTx(ctx)
	case ActionCommitTx:
		return w.doCloseTx(ctx, w.client.CommitTransaction, w.tx.AddToCommitTime)
	case ActionRollbackTx:
		return w.doCloseTx(ctx, w.client.RollbackTransaction, w.tx.AddToRollbackTime)
	case ActionSparqlInsert:
		return w.withObject(ctx, false, func(c RepositoryClient, txID string) (time.Duration, error) {
			return c.SparqlInsert(ctx, w.id, txID)
		})
	case ActionSparqlSelect:
		return w.withObject(ctx, true, func(c RepositoryClient, txID string) (time.Duration, error) {
			return c.SparqlSelect(ctx, w.id, txID)
		})
	case ActionSparqlUpdate:
		return w.withObject(ctx, true, func(c RepositoryClient, txID string) (time.Duration, error) {
			return c.SparqlUpdate(ctx, w.id, txID)
		})
	case ActionSparqlDelete:
		return w.withObject(ctx, true, func(c RepositoryClient, txID string) (time.Duration, error) {
			return c.SparqlDelete(ctx, w.id, txID)
		})
	default:
		return 0, fmt.Errorf("%w %s", ErrUnknownAction, w.action)
	}
}

// scoped returns the client to use for resource calls, addressed into the
// attributed transaction when one is open and the client supports it.
func (w *Worker) scoped() (RepositoryClient, string) {
	if w.tx == nil {
		return w.client, ""
	}

	txID, ok := w.tx.TransactionID()
	if !ok {
		return w.client, ""
	}

	if s, ok := w.client.(TransactionScoper); ok {
		return s.InTransaction(txID), txID
	}

	return w.client, txID
}

func (w *Worker) doCreate(ctx context.Context) (time.Duration, error) {
	c, _ := w.scoped()

	if _, err := c.CreateObject(ctx, w.id); err != nil {
		return 0, fmt.Errorf("setup: %w", err)
	}

	d, err := c.CreateDatastream(ctx, w.id, w.size)
	if err != nil {
		return 0, err
	}

	if err := w.cleanup(ctx, c, true); err != nil {
		return 0, err
	}

	return d, nil
}

func (w *Worker) withDatastream(
	ctx context.Context,
	measure func(RepositoryClient) (time.Duration, error),
) (time.Duration, error) {
	c, _ := w.scoped()

	if w.existing {
		return measure(c)
	}

	if err := w.setup(ctx, c); err != nil {
		return 0, err
	}

	d, err := measure(c)
	if err != nil {
		return 0, err
	}

	if err := w.cleanup(ctx, c, true); err != nil {
		return 0, err
	}

	return d, nil
}

func (w *Worker) doDelete(ctx context.Context) (time.Duration, error) {
	c, _ := w.scoped()

	if w.existing {
		return c.DeleteObject(ctx, w.id)
	}

	if err := w.setup(ctx, c); err != nil {
		return 0, err
	}

	d, err := c.DeleteDatastream(ctx, w.id)
	if err != nil {
		return 0, err
	}

	if err := w.cleanup(ctx, c, false); err != nil {
		return 0, err
	}

	return d, nil
}

func (w *Worker) withObject(
	ctx context.Context,
	seed bool,
	measure func(RepositoryClient, string) (time.Duration, error),
) (time.Duration, error) {
	c, txID := w.scoped()

	if _, err := c.CreateObject(ctx, w.id); err != nil {
		return 0, fmt.Errorf("setup: %w", err)
	}

	if seed {
		if _, err := c.SparqlInsert(ctx, w.id, txID); err != nil {
			return 0, fmt.Errorf("setup: %w", err)
		}
	}

	d, err := measure(c, txID)
	if err != nil {
		return 0, err
	}

	if _, err := c.DeleteObject(ctx, w.id); err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	return d, nil
}

func (w *Worker) doCreateTx(ctx context.Context) (time.Duration, error) {
	txID, d, err := w.client.CreateTransaction(ctx)
	if err != nil {
		return 0, err
	}

	if err := w.tx.SetTransactionID(txID); err != nil {
		return 0, fmt.Errorf("transaction %s: %w", txID, err)
	}

	w.tx.AddToCreateTime(d.Milliseconds())

	return d, nil
}

// doCloseTx ends the attributed transaction, opening one untimed first
// when none exists yet.
func (w *Worker) doCloseTx(
	ctx context.Context,
	end func(context.Context, string) (time.Duration, error),
	record func(int64),
) (time.Duration, error) {
	txID, ok := w.tx.TransactionID()
	if !ok {
		created, _, err := w.client.CreateTransaction(ctx)
		if err != nil {
			return 0, fmt.Errorf("setup: %w", err)
		}

		if err := w.tx.SetTransactionID(created); err != nil {
			return 0, fmt.Errorf("setup: %w", err)
		}

		txID = created
	}

	d, err := end(ctx, txID)
	if err != nil {
		return 0, err
	}

	w.tx.markEnded()
	record(d.Milliseconds())

	return d, nil
}

func (w *Worker) setup(ctx context.Context, c RepositoryClient) error {
	if _, err := c.CreateObject(ctx, w.id); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if _, err := c.CreateDatastream(ctx, w.id, w.size); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	return nil
}

func (w *Worker) cleanup(ctx context.Context, c RepositoryClient, datastream bool) error {
	if datastream {
		if _, err := c.DeleteDatastream(ctx, w.id); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}

	if _, err := c.DeleteObject(ctx, w.id); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	return nil
}
