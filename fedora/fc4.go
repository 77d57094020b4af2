package fedora

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/fcrepo4-archive/benchtool/harness"
	"github.com/fcrepo4-archive/benchtool/workload"
)

// ClusterSizeProperty is the repository property holding the node count.
const ClusterSizeProperty = "http://fedora.info/definitions/v4/repository#clusterSize"

var clusterSizePath = jp.R().D().C(ClusterSizeProperty)

// Properties linking a container to its children.
const (
	ldpContains      = "http://www.w3.org/ns/ldp#contains"
	hasChildProperty = "http://fedora.info/definitions/v4/repository#hasChild"
)

var childPaths = []jp.Expr{
	jp.R().D().C(ldpContains),
	jp.R().D().C(hasChildProperty),
}

var (
	_ harness.RepositoryClient  = (*FC4)(nil)
	_ harness.TransactionScoper = (*FC4)(nil)
	_ harness.ActionSupporter   = (*FC4)(nil)
	_ harness.ClusterSizer      = (*FC4)(nil)
	_ harness.ObjectLister      = (*FC4)(nil)
)

// FC4 talks to the Fedora 4 REST API rooted at <base>/rest.
type FC4 struct {
	t        *Transport
	payloads *workload.Generator
	tx       string
}

// NewFC4 returns a Fedora 4 client. Datastream bodies come from payloads.
func NewFC4(t *Transport, payloads *workload.Generator) *FC4 {
	return &FC4{t: t, payloads: payloads}
}

// InTransaction returns a client addressing resources inside txID.
func (c *FC4) InTransaction(txID string) harness.RepositoryClient {
	return &FC4{t: c.t, payloads: c.payloads, tx: txID}
}

// Supports reports true for every action.
func (c *FC4) Supports(harness.Action) bool {
	return true
}

func (c *FC4) root(txID string) string {
	if txID == "" {
		txID = c.tx
	}

	if txID == "" {
		return "/rest"
	}

	return "/rest/" + txID
}

func (c *FC4) objectPath(txID, id string) string {
	return c.root(txID) + "/objects/" + id
}

func (c *FC4) CreateObject(ctx context.Context, id string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodPost,
		path:   c.objectPath("", id),
		want:   []int{http.StatusCreated},
	})
}

func (c *FC4) CreateDatastream(ctx context.Context, id string, size int64) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method:      http.MethodPost,
		path:        c.objectPath("", id) + "/ds1/fcr:content",
		contentType: "application/octet-stream",
		body:        c.payloads.Payload(id, size),
		size:        size,
		want:        []int{http.StatusCreated},
	})
}

func (c *FC4) RetrieveDatastream(ctx context.Context, id string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodGet,
		path:   c.objectPath("", id) + "/ds1/fcr:content",
		want:   []int{http.StatusOK},
	})
}

func (c *FC4) UpdateDatastream(ctx context.Context, id string, size int64) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method:      http.MethodPut,
		path:        c.objectPath("", id) + "/ds1/fcr:content",
		contentType: "application/octet-stream",
		body:        c.payloads.Payload(id, size),
		size:        size,
		want:        []int{http.StatusNoContent},
	})
}

func (c *FC4) DeleteDatastream(ctx context.Context, id string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodDelete,
		path:   c.objectPath("", id) + "/ds1",
		want:   []int{http.StatusNoContent},
	})
}

// DeleteObject does not check the response status.
func (c *FC4) DeleteObject(ctx context.Context, id string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodDelete,
		path:   c.objectPath("", id),
	})
}

// CreateTransaction opens a transaction and returns the path segment
// that addresses it, e.g. "tx:86f0d3b1".
func (c *FC4) CreateTransaction(ctx context.Context) (string, time.Duration, error) {
	resp, d, err := c.t.exchange(ctx, request{
		method: http.MethodPost,
		path:   "/rest/fcr:tx",
		want:   []int{http.StatusCreated},
	})
	if err != nil {
		return "", 0, err
	}

	txID, err := transactionFromLocation(resp.location)
	if err != nil {
		return "", 0, err
	}

	return txID, d, nil
}

func transactionFromLocation(location string) (string, error) {
	loc := strings.TrimRight(location, "/")
	if loc == "" {
		return "", errors.New("transaction created without a Location header")
	}

	txID := loc[strings.LastIndex(loc, "/")+1:]
	if !strings.HasPrefix(txID, "tx:") {
		return "", fmt.Errorf("unexpected transaction location %q", location)
	}

	return txID, nil
}

func (c *FC4) CommitTransaction(ctx context.Context, txID string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodPost,
		path:   "/rest/" + txID + "/fcr:tx/fcr:commit",
		want:   []int{http.StatusNoContent},
	})
}

func (c *FC4) RollbackTransaction(ctx context.Context, txID string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method: http.MethodPost,
		path:   "/rest/" + txID + "/fcr:tx/fcr:rollback",
		want:   []int{http.StatusNoContent},
	})
}

func (c *FC4) sparqlUpdate(ctx context.Context, id, txID, query string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method:      http.MethodPatch,
		path:        c.objectPath(txID, id),
		contentType: ContentTypeSparqlUpdate,
		bodyString:  query,
		want:        []int{http.StatusNoContent},
	})
}

func (c *FC4) SparqlInsert(ctx context.Context, id, txID string) (time.Duration, error) {
	return c.sparqlUpdate(ctx, id, txID, InsertTitle("benchtool "+id))
}

func (c *FC4) SparqlUpdate(ctx context.Context, id, txID string) (time.Duration, error) {
	return c.sparqlUpdate(ctx, id, txID, ReplaceTitle("benchtool updated "+id))
}

func (c *FC4) SparqlDelete(ctx context.Context, id, txID string) (time.Duration, error) {
	return c.sparqlUpdate(ctx, id, txID, DeleteTitle())
}

func (c *FC4) SparqlSelect(ctx context.Context, id, txID string) (time.Duration, error) {
	return c.t.timed(ctx, request{
		method:      http.MethodPost,
		path:        c.root(txID) + "/fcr:sparql",
		contentType: ContentTypeSparqlQuery,
		accept:      AcceptSparqlResults,
		bodyString:  SelectTitle(c.t.BaseURL() + c.objectPath(txID, id)),
		want:        []int{http.StatusOK},
	})
}

// ClusterSize reads the repository's node count. A repository that does
// not report one has size 0.
func (c *FC4) ClusterSize(ctx context.Context) (int, error) {
	resp, _, err := c.t.exchange(ctx, request{
		method:   http.MethodGet,
		path:     "/rest",
		accept:   "application/ld+json",
		want:     []int{http.StatusOK},
		keepBody: true,
	})
	if err != nil {
		return 0, err
	}

	doc, err := oj.Parse(resp.body)
	if err != nil {
		return 0, fmt.Errorf("parse repository description: %w", err)
	}

	return clusterSizeOf(doc)
}

// clusterSizeOf extracts the cluster size from a JSON-LD document. The
// value may be a bare number, a string or a {"@value": ...} object, and
// may be wrapped in an array.
func clusterSizeOf(doc any) (int, error) {
	matches := clusterSizePath.Get(doc)
	if len(matches) == 0 {
		return 0, nil
	}

	v := matches[0]
	for {
		switch x := v.(type) {
		case []any:
			if len(x) == 0 {
				return 0, nil
			}

			v = x[0]
		case map[string]any:
			v = x["@value"]
		case int64:
			return int(x), nil
		case float64:
			return int(x), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return 0, fmt.Errorf("cluster size %q: %w", x, err)
			}

			return n, nil
		case nil:
			return 0, nil
		default:
			return 0, fmt.Errorf("unexpected cluster size value %v", x)
		}
	}
}

// ListObjects returns the ids of the objects directly below /rest/objects.
func (c *FC4) ListObjects(ctx context.Context) ([]string, error) {
	resp, _, err := c.t.exchange(ctx, request{
		method:   http.MethodGet,
		path:     "/rest/objects",
		accept:   "application/ld+json",
		want:     []int{http.StatusOK},
		keepBody: true,
	})
	if err != nil {
		return nil, err
	}

	doc, err := oj.Parse(resp.body)
	if err != nil {
		return nil, fmt.Errorf("parse object listing: %w", err)
	}

	return childIDs(doc), nil
}

// childIDs collects the object ids linked as children in a JSON-LD
// listing, in document order and without duplicates.
func childIDs(doc any) []string {
	var (
		ids  []string
		seen = map[string]bool{}
	)

	for _, path := range childPaths {
		for _, v := range path.Get(doc) {
			for _, ref := range resourceRefs(v) {
				_, id, ok := strings.Cut(ref, "/rest/objects/")
				id = strings.TrimRight(id, "/")

				if !ok || id == "" || strings.Contains(id, "/") || seen[id] {
					continue
				}

				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	return ids
}

// resourceRefs flattens a JSON-LD value into the resource URIs it names.
func resourceRefs(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case map[string]any:
		if id, ok := x["@id"].(string); ok {
			return []string{id}
		}
	case []any:
		var refs []string
		for _, e := range x {
			refs = append(refs, resourceRefs(e)...)
		}

		return refs
	}

	return nil
}
