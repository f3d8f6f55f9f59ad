package pagination

import (
	"context"
	"fmt"
	"testing"

	"github.com/danricht/dirbatch/pkg/environment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T) *environment.Session {
	t.Helper()
	s, err := environment.NewSession(environment.Global, environment.StaticTokenSource("tok"))
	require.NoError(t, err)
	return s
}

// widgetsTransport serves the canonical 5-records-across-[2,2,1]-pages
// scenario for endpoint "widgets" with page size 2.
func widgetsTransport() *fakeTransport {
	ft := newFakeTransport()
	ft.addPage("/widgets?$top=2", &fakePage{
		records:  []string{rec("w1"), rec("w2")},
		nextLink: "skiptoken=T1",
	})
	ft.addPage("/widgets?$top=2&$skiptoken=T1", &fakePage{
		records:  []string{rec("w3"), rec("w4")},
		nextLink: "skiptoken=T2",
	})
	ft.addPage("/widgets?$top=2&$skiptoken=T2", &fakePage{
		records: []string{rec("w5")},
	})
	return ft
}

func TestFetchAllSequentialWidgets(t *testing.T) {
	ft := widgetsTransport()
	f, err := NewFetcher(ft, testSession(t), Options{Strategy: StrategySkipToken})
	require.NoError(t, err)

	result, err := f.FetchAll(context.Background(), Query{Endpoint: "widgets", PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Count)
	assert.True(t, result.Complete)
	assert.Empty(t, result.Failures)

	// Token-strategy fan-out is 1-to-1, so page order is deterministic.
	for i, want := range []string{"w1", "w2", "w3", "w4", "w5"} {
		assert.JSONEq(t, rec(want), string(result.Records[i]))
	}

	// One continuation marker pending after each page, one batch call each.
	require.Len(t, ft.batchCalls, 2)
	assert.Len(t, ft.batchCalls[0].requests, 1)
	assert.Len(t, ft.batchCalls[1].requests, 1)
	assert.Len(t, ft.getCalls, 1, "only the first page goes out unbatched")
}

func TestFetchAllConcurrentWidgets(t *testing.T) {
	ft := widgetsTransport()
	f, err := NewFetcher(ft, testSession(t), Options{
		Strategy:          StrategySkipToken,
		Concurrent:        true,
		MaxConcurrentJobs: 5,
	})
	require.NoError(t, err)

	result, err := f.FetchAll(context.Background(), Query{Endpoint: "widgets", PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Count)
	assert.True(t, result.Complete)

	got := map[string]int{}
	for _, record := range result.Records {
		got[string(record)]++
	}
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5"} {
		assert.Equal(t, 1, got[rec(id)], "record %s must appear exactly once", id)
	}

	// Single chain: two rounds of one batch each.
	assert.Len(t, ft.batchCalls, 2)
}

func TestFetchAllEveryRecordExactlyOnce(t *testing.T) {
	const pages = 12
	buildChain := func() *fakeTransport {
		ft := newFakeTransport()
		for p := 0; p < pages; p++ {
			var next string
			if p < pages-1 {
				next = fmt.Sprintf("skiptoken=P%d", p+1)
			}
			records := []string{rec(fmt.Sprintf("r%d-a", p)), rec(fmt.Sprintf("r%d-b", p))}
			if p == 0 {
				ft.addPage("/users?$top=2", &fakePage{records: records, nextLink: next})
			} else {
				ft.addPage(fmt.Sprintf("/users?$top=2&$skiptoken=P%d", p), &fakePage{records: records, nextLink: next})
			}
		}
		return ft
	}

	for _, opts := range []Options{
		{Strategy: StrategySkipToken},
		{Strategy: StrategySkipToken, Concurrent: true, MaxConcurrentJobs: 3},
	} {
		name := "sequential"
		if opts.Concurrent {
			name = "concurrent"
		}
		t.Run(name, func(t *testing.T) {
			f, err := NewFetcher(buildChain(), testSession(t), opts)
			require.NoError(t, err)

			result, err := f.FetchAll(context.Background(), Query{Endpoint: "users", PageSize: 2})
			require.NoError(t, err)

			assert.Equal(t, pages*2, result.Count)
			seen := map[string]int{}
			for _, record := range result.Records {
				seen[string(record)]++
			}
			assert.Len(t, seen, pages*2)
			for id, n := range seen {
				assert.Equal(t, 1, n, "record %s duplicated", id)
			}
		})
	}
}

func TestFetchAllNextLinkStrategy(t *testing.T) {
	ft := newFakeTransport()
	ft.addPage("/groups?$top=3", &fakePage{
		records:  []string{rec("g1")},
		nextLink: "https://graph.microsoft.com/v1.0/groups?$top=3&$skiptoken=N1",
	})
	ft.addPage("/groups?$top=3&$skiptoken=N1", &fakePage{records: []string{rec("g2")}})

	f, err := NewFetcher(ft, testSession(t), Options{Strategy: StrategyNextLink})
	require.NoError(t, err)

	result, err := f.FetchAll(context.Background(), Query{Endpoint: "groups", PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count)
	assert.True(t, result.Complete)

	// The sub-request URL is relative and version-less.
	require.Len(t, ft.batchCalls, 1)
	assert.Equal(t, "/groups?$top=3&$skiptoken=N1", ft.batchCalls[0].requests[0].URL)
}

func TestFetchAllSinglePage(t *testing.T) {
	ft := newFakeTransport()
	ft.addPage("/users?$top=999", &fakePage{records: []string{rec("only")}})

	f, err := NewFetcher(ft, testSession(t), DefaultOptions())
	require.NoError(t, err)

	result, err := f.FetchAll(context.Background(), Query{Endpoint: "users"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.True(t, result.Complete)
	assert.Empty(t, ft.batchCalls, "nothing to batch on a single-page collection")
}

func TestFetchAllNotConnected(t *testing.T) {
	f, err := NewFetcher(newFakeTransport(), nil, DefaultOptions())
	require.NoError(t, err)

	_, err = f.FetchAll(context.Background(), Query{Endpoint: "users"})
	require.ErrorIs(t, err, environment.ErrNotConnected)
}

func TestFetchAllFirstPageFailureIsFatal(t *testing.T) {
	ft := newFakeTransport()
	ft.getErr = assert.AnError

	f, err := NewFetcher(ft, testSession(t), DefaultOptions())
	require.NoError(t, err)

	_, err = f.FetchAll(context.Background(), Query{Endpoint: "users"})
	require.Error(t, err)
	assert.Empty(t, ft.batchCalls)
}

func TestFetchAllPartialResultIsFlagged(t *testing.T) {
	ft := newFakeTransport()
	ft.addPage("/users?$top=2", &fakePage{
		records:  []string{rec("a"), rec("b")},
		nextLink: "skiptoken=DENIED",
	})
	ft.addPage("/users?$top=2&$skiptoken=DENIED", &fakePage{status: 403})

	f, err := NewFetcher(ft, testSession(t), Options{Strategy: StrategySkipToken})
	require.NoError(t, err)

	result, err := f.FetchAll(context.Background(), Query{Endpoint: "users", PageSize: 2})
	require.NoError(t, err, "sub-request failures degrade, not abort")
	assert.Equal(t, 2, result.Count)
	assert.False(t, result.Complete)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 403, result.Failures[0].StatusCode)
}

func TestFetchAllFilterInFirstPageURL(t *testing.T) {
	ft := newFakeTransport()
	ft.addPage("/users?$top=5&$filter=accountEnabled%20eq%20true", &fakePage{records: []string{rec("a")}})

	f, err := NewFetcher(ft, testSession(t), DefaultOptions())
	require.NoError(t, err)

	result, err := f.FetchAll(context.Background(), Query{
		Endpoint: "users",
		PageSize: 5,
		Filter:   "accountEnabled%20eq%20true",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
}

func TestNewFetcherValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", DefaultOptions(), false},
		{"zero jobs gets default", Options{}, false},
		{"max jobs at ceiling", Options{MaxConcurrentJobs: 20}, false},
		{"max jobs over ceiling", Options{MaxConcurrentJobs: 21}, true},
		{"negative max jobs", Options{MaxConcurrentJobs: -1}, true},
		{"negative memory threshold", Options{MemoryThresholdMB: -5}, true},
		{"unknown strategy", Options{Strategy: Strategy("bogus")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFetcher(newFakeTransport(), testSession(t), tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewFetcherRequiresTransport(t *testing.T) {
	_, err := NewFetcher(nil, testSession(t), DefaultOptions())
	require.Error(t, err)
}
