// Package pagination implements batched continuation-resolution for paginated
// directory API collections.
//
// Directory collection endpoints return bounded pages linked by continuation
// markers (a skiptoken or a full next-link URL). Draining a large collection
// one page at a time costs one round trip per page. This package instead
// groups outstanding continuations into multiplexed $batch calls (up to 20
// sub-requests per call, an API-imposed ceiling) and can run several batch
// calls concurrently, cutting round trips by an order of magnitude on large
// tenants.
//
// Example usage:
//
//	session, _ := environment.NewSession(environment.Global, tokens)
//	fetcher, _ := pagination.NewFetcher(transport, session, pagination.DefaultOptions())
//	result, err := fetcher.FetchAll(ctx, pagination.Query{Endpoint: "users", PageSize: 999})
//
// The fetcher:
//   - Issues the first page request directly (nothing to batch yet)
//   - Extracts the continuation marker and seeds a pending queue
//   - Drains the queue sequentially, or in rounds of up to MaxConcurrentJobs
//     concurrent batch calls with a barrier between rounds
//   - Tracks estimated memory growth and warns once past a threshold
//   - Returns the full materialized record set with an explicit Complete flag
//
// Failed sub-requests truncate their branch of the collection (no retry at
// this layer); the result's Failures list records every truncated branch so
// callers can detect partial output programmatically.
package pagination
