package fedora

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fcrepo4-archive/benchtool/harness"
	"github.com/fcrepo4-archive/benchtool/workload"
)

// Dialect is a repository REST API version.
type Dialect int

// Dialects. DialectAuto probes the server.
const (
	DialectAuto Dialect = iota
	DialectFC3
	DialectFC4
)

func (d Dialect) String() string {
	switch d {
	case DialectFC3:
		return "fcrepo3"
	case DialectFC4:
		return "fcrepo4"
	default:
		return "auto"
	}
}

// ParseDialect resolves auto, fcrepo3 or fcrepo4 (also 3 and 4).
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return DialectAuto, nil
	case "fcrepo3", "fc3", "3":
		return DialectFC3, nil
	case "fcrepo4", "fc4", "4":
		return DialectFC4, nil
	default:
		return DialectAuto, fmt.Errorf("unknown repository dialect %q", s)
	}
}

var (
	fc3Markers = []string{
		`<meta http-equiv="refresh" content="0;url=describe">`,
		`<title>Redirecting...</title>`,
		`<a href="describe">Redirecting...</a>`,
	}
	fc4Markers = []string{
		`<title>Fedora Commons Repository 4.0</title>`,
		`You probably want to visit something a little more interesting, such as:`,
		`the Fedora REST API endpoint`,
	}
)

// Detect fetches the landing page at the base URL and recognises the
// repository version from its markup.
func Detect(ctx context.Context, t *Transport) (Dialect, error) {
	resp, _, err := t.exchange(ctx, request{
		method:   http.MethodGet,
		path:     "/",
		accept:   "text/html",
		keepBody: true,
	})
	if err != nil {
		return DialectAuto, fmt.Errorf("probe repository version: %w", err)
	}

	html := string(resp.body)

	switch {
	case containsAll(html, fc3Markers):
		return DialectFC3, nil
	case containsAll(html, fc4Markers):
		return DialectFC4, nil
	default:
		return DialectAuto, fmt.Errorf(
			"unable to determine repository version at %s (status %d)", t.BaseURL(), resp.status,
		)
	}
}

func containsAll(s string, markers []string) bool {
	for _, m := range markers {
		if !strings.Contains(s, m) {
			return false
		}
	}

	return true
}

// NewClient returns the client for dialect, probing the server first when
// dialect is DialectAuto. The resolved dialect is returned alongside.
func NewClient(
	ctx context.Context,
	dialect Dialect,
	t *Transport,
	payloads *workload.Generator,
) (harness.RepositoryClient, Dialect, error) {
	if dialect == DialectAuto {
		var err error
		if dialect, err = Detect(ctx, t); err != nil {
			return nil, DialectAuto, err
		}
	}

	switch dialect {
	case DialectFC3:
		return NewFC3(t, payloads), dialect, nil
	case DialectFC4:
		return NewFC4(t, payloads), dialect, nil
	default:
		return nil, dialect, fmt.Errorf("unknown repository dialect %d", int(dialect))
	}
}
