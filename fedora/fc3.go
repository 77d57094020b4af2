package fedora

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fcrepo4-archive/benchtool/harness"
	"github.com/fcrepo4-archive/benchtool/workload"
)

// PIDNamespace prefixes every object a Fedora 3 run creates.
const PIDNamespace = "benchtool"

// ErrNotSupported is returned for operations a server dialect lacks.
var ErrNotSupported = errors.New("not supported by this repository version")

var (
	_ harness.RepositoryClient = (*FC3)(nil)
	_ harness.ActionSupporter  = (*FC3)(nil)
)

// FC3 talks to the Fedora 3 REST API rooted at <base>/objects. Fedora 3
// has neither transactions nor SPARQL update.
type FC3 struct {
	t        *Transport
	payloads *workload.Generator
}

// NewFC3 returns a Fedora 3 client. Datastream bodies come from payloads.
func NewFC3(t *Transport, payloads *workload.Generator) *FC3 {
	return &FC3{t: t, payloads: payloads}
}

// Supports reports whether a is one of the datastream actions.
func (c *FC3) Supports(a harness.Action) bool {
	return a.Valid() && !a.IsTransaction() && !a.IsSparql()
}

func pid(id string) string {
	return url.PathEscape(PIDNamespace + ":" + id)
}

func (c *FC3) CreateObject(ctx context.Context, id string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodPost,
		path:   "/objects/" + pid(id) + "?label=" + url.QueryEscape("benchtool "+id),
		want:   []int{http.StatusCreated},
	})
}

func (c *FC3) CreateDatastream(ctx context.Context, id string, size int64) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method:      http.MethodPost,
		path:        "/objects/" + pid(id) + "/datastreams/ds1?versionable=true&controlGroup=M",
		contentType: "application/octet-stream",
		body:        c.payloads.Payload(id, size),
		size:        size,
		want:        []int{http.StatusCreated},
	})
}

func (c *FC3) RetrieveDatastream(ctx context.Context, id string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodGet,
		path:   "/objects/" + pid(id) + "/datastreams/ds1/content",
		want:   []int{http.StatusOK},
	})
}

func (c *FC3) UpdateDatastream(ctx context.Context, id string, size int64) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method:      http.MethodPut,
		path:        "/objects/" + pid(id) + "/datastreams/ds1?versionable=true&controlGroup=M",
		contentType: "application/octet-stream",
		body:        c.payloads.Payload(id, size),
		size:        size,
		want:        []int{http.StatusOK},
	})
}

func (c *FC3) DeleteDatastream(ctx context.Context, id string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodDelete,
		path:   "/objects/" + pid(id) + "/datastreams/ds1",
		want:   []int{http.StatusOK},
	})
}

func (c *FC3) DeleteObject(ctx context.Context, id string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodDelete,
		path:   "/objects/" + pid(id),
		want:   []int{http.StatusOK},
	})
}

func unsupported(op string) error {
	return fmt.Errorf("fedora 3 %s: %w", op, ErrNotSupported)
}

func (c *FC3) CreateTransaction(context.Context) (string, time.Duration, error) {
	return "", 0, unsupported("transactions")
}

func (c *FC3) CommitTransaction(context.Context, string) (time.Duration, error) {
	return 0, unsupported("transactions")
}

func (c *FC3) RollbackTransaction(context.Context, string) (time.Duration, error) {
	return 0, unsupported("transactions")
}

func (c *FC3) SparqlInsert(context.Context, string, string) (time.Duration, error) {
	return 0, unsupported("sparql")
}

func (c *FC3) SparqlSelect(context.Context, string, string) (time.Duration, error) {
	return 0, unsupported("sparql")
}

func (c *FC3) SparqlUpdate(context.Context, string, string) (time.Duration, error) {
	return 0, unsupported("sparql")
}

func (c *FC3) SparqlDelete(context.Context, string, string) (time.Duration, error) {
	return 0, unsupported("sparql")
}
