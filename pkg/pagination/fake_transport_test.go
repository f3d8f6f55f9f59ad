package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePage describes one page the fake transport serves for a relative URL.
type fakePage struct {
	records  []string // raw JSON objects
	nextLink string
	status   int  // 0 means 200
	drop     bool // omit the sub-response entirely
	delay    time.Duration
}

// batchCall records one PostBatch invocation with its timing window.
type batchCall struct {
	start    time.Time
	end      time.Time
	requests []SubRequest
}

// fakeTransport serves configured pages keyed by relative URL, for both
// direct GETs and batch sub-requests.
type fakeTransport struct {
	mu         sync.Mutex
	pages      map[string]*fakePage
	getErr     error
	batchErr   error
	getCalls   []string
	batchCalls []batchCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pages: map[string]*fakePage{}}
}

func (f *fakeTransport) addPage(relURL string, p *fakePage) {
	f.pages[relURL] = p
}

func pageBody(records []string, nextLink string) json.RawMessage {
	var b strings.Builder
	b.WriteString(`{"value":[`)
	b.WriteString(strings.Join(records, ","))
	b.WriteString(`]`)
	if nextLink != "" {
		b.WriteString(`,"@odata.nextLink":`)
		enc, _ := json.Marshal(nextLink)
		b.Write(enc)
	}
	b.WriteString(`}`)
	return json.RawMessage(b.String())
}

// relativize strips scheme, host, and version segment so absolute first-page
// URLs hit the same page table as batch sub-request URLs.
func relativize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	rel := strings.TrimPrefix(u.Path, "/v1.0")
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	return rel
}

func (f *fakeTransport) GetPage(_ context.Context, rawURL string) (*Page, error) {
	f.mu.Lock()
	f.getCalls = append(f.getCalls, rawURL)
	p, ok := f.pages[relativize(rawURL)]
	err := f.getErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok || (p.status != 0 && p.status != 200) {
		return nil, fmt.Errorf("unexpected status for %s", rawURL)
	}
	return DecodePage(pageBody(p.records, p.nextLink))
}

func (f *fakeTransport) PostBatch(_ context.Context, _ string, requests []SubRequest) ([]SubResponse, error) {
	call := batchCall{start: time.Now(), requests: append([]SubRequest(nil), requests...)}

	f.mu.Lock()
	err := f.batchErr
	var delay time.Duration
	for _, req := range requests {
		if p, ok := f.pages[req.URL]; ok && p.delay > delay {
			delay = p.delay
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	var responses []SubResponse
	if err == nil {
		f.mu.Lock()
		for _, req := range requests {
			p, ok := f.pages[req.URL]
			if !ok {
				responses = append(responses, SubResponse{ID: req.ID, Status: 404, Body: json.RawMessage(`{"error":{"code":"NotFound"}}`)})
				continue
			}
			if p.drop {
				continue
			}
			if p.status != 0 && p.status != 200 {
				responses = append(responses, SubResponse{ID: req.ID, Status: p.status, Body: json.RawMessage(`{"error":{"code":"BadRequest"}}`)})
				continue
			}
			responses = append(responses, SubResponse{ID: req.ID, Status: 200, Body: pageBody(p.records, p.nextLink)})
		}
		f.mu.Unlock()
	}

	call.end = time.Now()
	f.mu.Lock()
	f.batchCalls = append(f.batchCalls, call)
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return responses, nil
}

// callContaining returns the recorded batch call whose sub-requests include
// the given URL, failing the test when absent.
func (f *fakeTransport) callContaining(t *testing.T, relURL string) batchCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.batchCalls {
		for _, req := range call.requests {
			if req.URL == relURL {
				return call
			}
		}
	}
	t.Fatalf("no batch call contained %s", relURL)
	return batchCall{}
}

// rec builds a small JSON record with the given id.
func rec(id string) string {
	return fmt.Sprintf(`{"id":%q}`, id)
}
