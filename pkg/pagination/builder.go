package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// MaxBatchSize is the sub-request ceiling per $batch call. This is imposed by
// the collaborating API, not tunable.
const MaxBatchSize = 20

// ErrTooManyMarkers indicates a caller passed more markers than one batch can
// carry. Runners chunk to MaxBatchSize before building, so reaching this is a
// programming error, not an operational condition.
var ErrTooManyMarkers = errors.New("too many continuation markers for one batch")

// BuildBatch constructs the sub-request list for one $batch call. Correlation
// ids are 1-based strings assigned in input order; every sub-request is a GET
// of its marker's relative URL.
func BuildBatch(markers []Marker) ([]SubRequest, error) {
	if len(markers) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyMarkers, len(markers), MaxBatchSize)
	}

	requests := make([]SubRequest, 0, len(markers))
	for i, m := range markers {
		requests = append(requests, SubRequest{
			ID:     strconv.Itoa(i + 1),
			Method: http.MethodGet,
			URL:    string(m),
		})
	}
	return requests, nil
}
