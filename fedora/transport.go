// Package fedora implements harness.RepositoryClient for the Fedora
// Commons 3 and 4 REST APIs over a shared fasthttp connection pool.
package fedora

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// StatusError reports an HTTP response whose status was not expected.
type StatusError struct {
	Method string
	URL    string
	Got    int
	Want   []int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: fedora returned %d, want %s",
		e.Method, e.URL, e.Got, joinInts(e.Want))
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = fmt.Sprint(n)
	}

	return strings.Join(s, " or ")
}

// Options configures a Transport.
type Options struct {
	BaseURL  string // trailing slashes are stripped
	User     string
	Password string

	// Timeout bounds each request. Zero leaves only the context deadline.
	Timeout time.Duration

	// MaxConns caps open connections to the server. Zero uses 512.
	MaxConns int
}

// Transport sends requests to one repository and times them. It is safe
// for concurrent use and meant to be shared by every worker of a run.
type Transport struct {
	base    string
	auth    string
	timeout time.Duration
	client  *fasthttp.Client
}

// NewTransport creates a Transport from opts.
func NewTransport(opts Options) *Transport {
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 512
	}

	t := &Transport{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		client: &fasthttp.Client{
			Name:                   "benchtool",
			MaxConnsPerHost:        maxConns,
			MaxIdleConnDuration:    90 * time.Second,
			DisablePathNormalizing: true,
		},
	}

	if opts.User != "" {
		t.auth = "Basic " + base64.StdEncoding.EncodeToString(
			[]byte(opts.User+":"+opts.Password),
		)
	}

	return t
}

// BaseURL returns the repository URL requests are resolved against.
func (t *Transport) BaseURL() string {
	return t.base
}

type request struct {
	method      string
	path        string // appended to the base URL
	contentType string
	accept      string
	body        io.Reader
	bodyString  string
	size        int64
	want        []int // empty accepts any status
	keepBody    bool
}

type response struct {
	status   int
	body     []byte
	location string
}

// exchange performs r and returns the response and the time between
// sending the request and receiving the full response. Cancelling ctx
// abandons a request in flight.
func (t *Transport) exchange(ctx context.Context, r request) (response, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return response{}, 0, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	owned := true
	defer func() {
		if owned {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}
	}()

	url := t.base + r.path
	req.SetRequestURI(url)
	req.Header.SetMethod(r.method)

	if t.auth != "" {
		req.Header.Set("Authorization", t.auth)
	}

	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	}

	if r.contentType != "" {
		req.Header.SetContentType(r.contentType)
	}

	switch {
	case r.body != nil:
		req.SetBodyStream(r.body, int(r.size))
	case r.bodyString != "":
		req.SetBodyString(r.bodyString)
	}

	deadline, hasDeadline := ctx.Deadline()
	if t.timeout > 0 {
		if d := time.Now().Add(t.timeout); !hasDeadline || d.Before(deadline) {
			deadline, hasDeadline = d, true
		}
	}

	do := func() error {
		if hasDeadline {
			return t.client.DoDeadline(req, resp, deadline)
		}

		return t.client.Do(req, resp)
	}

	var err error

	start := time.Now()
	if ctx.Done() == nil {
		err = do()
	} else {
		done := make(chan error, 1)
		go func() { done <- do() }()

		select {
		case err = <-done:
		case <-ctx.Done():
			// The request still owns req and resp until fasthttp returns.
			owned = false

			go func() {
				<-done
				fasthttp.ReleaseRequest(req)
				fasthttp.ReleaseResponse(resp)
			}()

			return response{}, 0, fmt.Errorf("%s %s: %w", r.method, url, ctx.Err())
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return response{}, 0, fmt.Errorf("%s %s: request timed out: %w", r.method, url, err)
		}

		return response{}, 0, fmt.Errorf("%s %s: %w", r.method, url, err)
	}

	out := response{
		status:   resp.StatusCode(),
		location: string(resp.Header.Peek("Location")),
	}

	if len(r.want) > 0 && !containsInt(r.want, out.status) {
		return out, 0, &StatusError{Method: r.method, URL: url, Got: out.status, Want: r.want}
	}

	if r.keepBody {
		out.body = append([]byte(nil), resp.Body()...)
	}

	return out, elapsed, nil
}

func containsInt(v []int, n int) bool {
	for _, x := range v {
		if x == n {
			return true
		}
	}

	return false
}

// timed performs r and returns only its duration.
func (t *Transport) timed(ctx context.Context, r request) (time.Duration, error) {
	_, d, err := t.exchange(ctx, r)

	return d, err
}
