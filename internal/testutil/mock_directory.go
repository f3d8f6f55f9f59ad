// Package testutil provides testing utilities for the dirbatch client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
)

// collection holds the records served for one collection path.
type collection struct {
	records []json.RawMessage
}

// subRequest mirrors the wire shape of a $batch sub-request.
type subRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

// subResponse mirrors the wire shape of a $batch sub-response slot.
type subResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// MockDirectory is a configurable mock directory API server. It serves
// skiptoken-paginated collection listings under /v1.0/ and multiplexes
// sub-requests posted to /v1.0/$batch against the same collections.
type MockDirectory struct {
	server *httptest.Server
	mu     sync.RWMutex

	collections map[string]*collection
	failURLs    map[string]int  // sub-request URL -> forced status
	dropURLs    map[string]bool // sub-request URL -> omit slot

	// Tracking
	RequestCount   int
	BatchCount     int
	BatchSizes     []int
	LastAuthHeader string
}

// NewMockDirectory creates a new mock directory API server.
func NewMockDirectory() *MockDirectory {
	mock := &MockDirectory{
		collections: make(map[string]*collection),
		failURLs:    make(map[string]int),
		dropURLs:    make(map[string]bool),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastAuthHeader = r.Header.Get("Authorization")
		mock.mu.Unlock()

		if r.Method == http.MethodPost && r.URL.Path == "/v1.0/$batch" {
			mock.handleBatch(w, r)
			return
		}

		mock.handleCollection(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockDirectory) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockDirectory) Close() {
	m.server.Close()
}

// SetCollection configures the records served for a collection path,
// e.g. SetCollection("users", records).
func (m *MockDirectory) SetCollection(path string, records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections["/"+path] = &collection{records: records}
}

// FailSubRequest forces the given status for one exact sub-request URL.
func (m *MockDirectory) FailSubRequest(relURL string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failURLs[relURL] = status
}

// DropSubRequest makes the batch response silently omit the slot for one
// exact sub-request URL.
func (m *MockDirectory) DropSubRequest(relURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropURLs[relURL] = true
}

// GetBatchSizes returns the sub-request count of every batch call received.
func (m *MockDirectory) GetBatchSizes() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.BatchSizes...)
}

// handleCollection serves one page of a collection listing.
func (m *MockDirectory) handleCollection(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if len(path) > 5 && path[:5] == "/v1.0" {
		path = path[5:]
	}

	status, body := m.resolve(path, r.URL.Query())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

// handleBatch multiplexes sub-requests against the configured collections.
func (m *MockDirectory) handleBatch(w http.ResponseWriter, r *http.Request) {
	var envelope struct {
		Requests []subRequest `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.BatchCount++
	m.BatchSizes = append(m.BatchSizes, len(envelope.Requests))
	m.mu.Unlock()

	responses := make([]subResponse, 0, len(envelope.Requests))
	for _, req := range envelope.Requests {
		m.mu.RLock()
		forcedStatus, forced := m.failURLs[req.URL]
		dropped := m.dropURLs[req.URL]
		m.mu.RUnlock()

		if dropped {
			continue
		}
		if forced {
			responses = append(responses, subResponse{
				ID:     req.ID,
				Status: forcedStatus,
				Body:   json.RawMessage(fmt.Sprintf(`{"error":{"code":"Forced","message":"forced status %d"}}`, forcedStatus)),
			})
			continue
		}

		u, err := url.Parse(req.URL)
		if err != nil {
			responses = append(responses, subResponse{
				ID:     req.ID,
				Status: http.StatusBadRequest,
				Body:   json.RawMessage(`{"error":{"code":"BadRequest","message":"unparseable url"}}`),
			})
			continue
		}

		status, body := m.resolve(u.Path, u.Query())
		responses = append(responses, subResponse{ID: req.ID, Status: status, Body: body})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]any{"responses": responses})
}

// resolve serves one page of the collection at path. Skiptokens encode the
// record offset of the next page.
func (m *MockDirectory) resolve(path string, query url.Values) (int, json.RawMessage) {
	m.mu.RLock()
	coll, ok := m.collections[path]
	m.mu.RUnlock()

	if !ok {
		return http.StatusNotFound, json.RawMessage(`{"error":{"code":"Request_ResourceNotFound","message":"resource not found"}}`)
	}

	top := 100
	if v := query.Get("$top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			top = n
		}
	}
	offset := 0
	if v := query.Get("$skiptoken"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	if offset > len(coll.records) {
		offset = len(coll.records)
	}
	end := offset + top
	if end > len(coll.records) {
		end = len(coll.records)
	}

	page := map[string]any{"value": coll.records[offset:end]}
	if end < len(coll.records) {
		next := m.server.URL + "/v1.0" + path + "?$top=" + strconv.Itoa(top)
		if f := query.Get("$filter"); f != "" {
			next += "&$filter=" + url.QueryEscape(f)
		}
		next += "&$skiptoken=" + strconv.Itoa(end)
		page["@odata.nextLink"] = next
	}

	body, err := json.Marshal(page)
	if err != nil {
		return http.StatusInternalServerError, json.RawMessage(`{"error":{"code":"InternalServerError"}}`)
	}
	return http.StatusOK, body
}

// UserRecords builds n small user-shaped records for collection fixtures.
func UserRecords(n int) []json.RawMessage {
	records := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, json.RawMessage(fmt.Sprintf(
			`{"id":"user-%04d","displayName":"User %d","accountEnabled":true}`, i, i)))
	}
	return records
}
