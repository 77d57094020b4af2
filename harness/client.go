package harness

import (
	"context"
	"time"
)

// RepositoryClient performs single timed calls against a repository
// server. Each method returns the time spent in the call. Implementations
// must be safe for concurrent use by all workers of a run.
type RepositoryClient interface {
	CreateObject(ctx context.Context, id string) (time.Duration, error)
	CreateDatastream(ctx context.Context, id string, size int64) (time.Duration, error)
	RetrieveDatastream(ctx context.Context, id string) (time.Duration, error)
	UpdateDatastream(ctx context.Context, id string, size int64) (time.Duration, error)
	DeleteDatastream(ctx context.Context, id string) (time.Duration, error)
	DeleteObject(ctx context.Context, id string) (time.Duration, error)

	CreateTransaction(ctx context.Context) (string, time.Duration, error)
	CommitTransaction(ctx context.Context, txID string) (time.Duration, error)
	RollbackTransaction(ctx context.Context, txID string) (time.Duration, error)

	SparqlInsert(ctx context.Context, id, txID string) (time.Duration, error)
	SparqlSelect(ctx context.Context, id, txID string) (time.Duration, error)
	SparqlUpdate(ctx context.Context, id, txID string) (time.Duration, error)
	SparqlDelete(ctx context.Context, id, txID string) (time.Duration, error)
}

// TransactionScoper is implemented by clients that can address resources
// inside an open transaction.
type TransactionScoper interface {
	InTransaction(txID string) RepositoryClient
}

// ActionSupporter is implemented by clients whose server lacks some
// actions. Unsupported actions are rejected before a run starts.
type ActionSupporter interface {
	Supports(a Action) bool
}

// ClusterSizer is implemented by clients that can report how many nodes
// serve the repository.
type ClusterSizer interface {
	ClusterSize(ctx context.Context) (int, error)
}

// ObjectLister is implemented by clients that can enumerate the objects
// already stored in the repository.
type ObjectLister interface {
	ListObjects(ctx context.Context) ([]string, error)
}
