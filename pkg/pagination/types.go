package pagination

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Page is one page of a collection listing as decoded at the transport
// boundary. Records are kept opaque; the continuation field carries whatever
// the API emitted (a next-link URL or a bare skiptoken fragment) and is
// interpreted by the configured extraction strategy.
type Page struct {
	Records  []json.RawMessage
	NextLink string
}

// DecodePage decodes a PageResult-shaped JSON body. Both next-link spellings
// emitted by directory API versions are recognized.
func DecodePage(body []byte) (*Page, error) {
	var envelope struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	page := &Page{Records: envelope.Value}
	for _, key := range []string{`@odata\.nextLink`, `odata\.nextLink`} {
		if v := gjson.GetBytes(body, key); v.Exists() {
			page.NextLink = v.String()
			break
		}
	}
	return page, nil
}

// Marker is a normalized continuation pointer: a version-less relative URL
// ready to be used verbatim as a batch sub-request URL. Both extraction
// strategies normalize to this representation at ingestion so the builder
// and runners stay strategy-agnostic.
type Marker string

// SubRequest is one multiplexed GET inside a $batch call.
type SubRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

// SubResponse is the per-sub-request slot of a $batch response. Body is
// PageResult-shaped for 2xx slots and an error envelope otherwise.
type SubResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Transport is the authenticated HTTP collaborator the engine drives. It owns
// auth headers, content-type, and any retry/throttle policy; the engine never
// retries. GetPage takes an absolute URL; PostBatch posts the sub-requests to
// batchURL and returns the decoded response slots.
type Transport interface {
	GetPage(ctx context.Context, url string) (*Page, error)
	PostBatch(ctx context.Context, batchURL string, requests []SubRequest) ([]SubResponse, error)
}

// Query names the collection to drain.
type Query struct {
	// Endpoint is the collection path relative to the versioned API root,
	// e.g. "users" or "groups/{id}/members".
	Endpoint string

	// PageSize is the $top value per page. Defaults to MaxPageSize.
	PageSize int

	// Filter is an optional $filter expression, already URL-encoded by the
	// caller (the engine inserts it into query strings verbatim).
	Filter string
}

// MaxPageSize is the documented per-page cap of the collaborating API and the
// default page size.
const MaxPageSize = 999

// withDefaults fills zero-value Query fields.
func (q Query) withDefaults() Query {
	if q.PageSize <= 0 {
		q.PageSize = MaxPageSize
	}
	return q
}

// BranchFailure records one truncated continuation branch: the sub-request
// that failed, its batch-local correlation id, and the status the API
// returned (0 when the slot was missing from the batch response entirely).
type BranchFailure struct {
	CorrelationID string
	StatusCode    int
	Marker        Marker
}

// Result is the materialized output of one fetch. Records preserve page order
// within each branch; cross-branch order under the concurrent runner follows
// round and dispatch order. Complete is false when any branch was truncated
// by a failed or dropped sub-request, so partial output is detectable without
// scraping logs.
type Result struct {
	Records  []json.RawMessage
	Count    int
	Complete bool
	Failures []BranchFailure
}
