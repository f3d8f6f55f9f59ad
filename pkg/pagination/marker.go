package pagination

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Strategy selects how continuation fields are interpreted. Directory API
// versions differ here: older endpoints emit a bare skiptoken that must be
// recombined with the original endpoint, page size, and filter; newer ones
// emit a complete next-link URL.
type Strategy string

const (
	// StrategySkipToken extracts the bare token and rebuilds the follow-up
	// URL from the query's endpoint, page size, and filter.
	StrategySkipToken Strategy = "skiptoken"

	// StrategyNextLink retains the full next-link URL, stripped of host and
	// API-version segment (batch sub-requests are relative and version-less).
	StrategyNextLink Strategy = "nextlink"
)

// versionSegment matches API-version path segments such as v1.0, v2, beta.
var versionSegment = regexp.MustCompile(`^(v\d+(\.\d+)?|beta)$`)

// Extractor turns page responses into zero-or-one normalized continuation
// markers. The API emits at most one continuation field per page; its absence
// is the terminal condition for that branch.
type Extractor struct {
	strategy Strategy
	query    Query
	logger   zerolog.Logger
}

// NewExtractor creates an extractor for one fetch. The query is needed by the
// skiptoken strategy to rebuild follow-up URLs.
func NewExtractor(strategy Strategy, q Query, logger zerolog.Logger) *Extractor {
	return &Extractor{strategy: strategy, query: q.withDefaults(), logger: logger}
}

// Extract returns the page's continuation marker, if any.
func (e *Extractor) Extract(p *Page) (Marker, bool) {
	if p == nil || p.NextLink == "" {
		return "", false
	}

	switch e.strategy {
	case StrategySkipToken:
		token, ok := extractSkipToken(p.NextLink)
		if !ok {
			e.logger.Warn().
				Str("next_link", p.NextLink).
				Msg("Continuation field present but no skiptoken found - terminating branch")
			return "", false
		}
		return Marker(relativePageURL(e.query.Endpoint, e.query.PageSize, e.query.Filter, token)), true

	case StrategyNextLink:
		marker, err := relativizeNextLink(p.NextLink)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("next_link", p.NextLink).
				Msg("Unparseable next link - terminating branch")
			return "", false
		}
		return marker, true

	default:
		e.logger.Warn().
			Str("strategy", string(e.strategy)).
			Msg("Unknown continuation strategy - terminating branch")
		return "", false
	}
}

// extractSkipToken pulls the token sub-string out of a continuation field.
// Accepts both "$skiptoken=" and "skiptoken=" spellings.
func extractSkipToken(nextLink string) (string, bool) {
	idx := strings.Index(nextLink, "skiptoken=")
	if idx < 0 {
		return "", false
	}
	token := nextLink[idx+len("skiptoken="):]
	if amp := strings.IndexByte(token, '&'); amp >= 0 {
		token = token[:amp]
	}
	if token == "" {
		return "", false
	}
	return token, true
}

// relativePageURL assembles a relative collection URL. Parameter order is
// fixed ($top, $filter, $skiptoken): the collaborating API keys caches on the
// literal query string, so this must not be reordered. url.Values is not used
// here because Encode() sorts keys alphabetically.
func relativePageURL(endpoint string, pageSize int, filter, token string) string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(strings.TrimPrefix(endpoint, "/"))
	fmt.Fprintf(&b, "?$top=%d", pageSize)
	if filter != "" {
		b.WriteString("&$filter=")
		b.WriteString(filter)
	}
	if token != "" {
		b.WriteString("&$skiptoken=")
		b.WriteString(token)
	}
	return b.String()
}

// relativizeNextLink strips scheme, host, and the API-version path segment
// from an absolute next-link URL, preserving the query string verbatim.
func relativizeNextLink(nextLink string) (Marker, error) {
	u, err := url.Parse(nextLink)
	if err != nil {
		return "", fmt.Errorf("parse next link: %w", err)
	}

	path := strings.TrimPrefix(u.EscapedPath(), "/")
	if slash := strings.IndexByte(path, '/'); slash >= 0 && versionSegment.MatchString(path[:slash]) {
		path = path[slash:]
	} else {
		path = "/" + path
	}

	rel := path
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	return Marker(rel), nil
}
