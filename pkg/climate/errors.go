package climate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the pipeline's failure taxonomy.
var (
	// ErrInvalidRequest marks a request rejected before any work starts.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrFetch marks an archive that could not be downloaded or validated.
	ErrFetch = errors.New("fetch failed")

	// ErrExtraction marks a corrupt archive or a missing/ambiguous raster entry.
	ErrExtraction = errors.New("extraction failed")

	// ErrNoOverlap marks an AOI that does not intersect the raster extent.
	ErrNoOverlap = errors.New("aoi does not overlap raster")

	// ErrWrite marks an output that could not be finalized.
	ErrWrite = errors.New("write failed")

	// ErrNoDatesSucceeded marks a run in which no date reached DONE.
	ErrNoDatesSucceeded = errors.New("no dates succeeded")
)

// InvalidRequestError describes a malformed request field.
type InvalidRequestError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *InvalidRequestError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid request: %s: %s", e.Field, msg)
	}
	return "invalid request: " + msg
}

// Unwrap returns the underlying error.
func (e *InvalidRequestError) Unwrap() error { return e.Err }

// Is matches ErrInvalidRequest.
func (e *InvalidRequestError) Is(target error) bool { return target == ErrInvalidRequest }

// FetchError describes a failed download for one date.
type FetchError struct {
	Date     time.Time
	Variable Variable
	URL      string

	// Status is the HTTP status code, or zero when no response was received.
	Status int

	// Attempts is the number of attempts made.
	Attempts int

	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	date := e.Date.Format("2006-01-02")
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s %s: status %d after %d attempt(s): %v", e.Variable, date, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s %s after %d attempt(s): %v", e.Variable, date, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error { return e.Err }

// Is matches ErrFetch.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// ExtractionError describes an archive that could not yield a raster.
type ExtractionError struct {
	Archive string
	Date    time.Time
	Entry   string
	Err     error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extract %s from %s: %v", e.Entry, e.Archive, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExtractionError) Unwrap() error { return e.Err }

// Is matches ErrExtraction.
func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// NoOverlapError reports an AOI outside the raster extent.
type NoOverlapError struct {
	Date   time.Time
	Raster string

	// AOIBounds and RasterBounds are [minX, minY, maxX, maxY] in the raster CRS.
	AOIBounds    [4]float64
	RasterBounds [4]float64
}

// Error implements the error interface.
func (e *NoOverlapError) Error() string {
	return fmt.Sprintf("aoi %v does not overlap raster %s extent %v", e.AOIBounds, e.Raster, e.RasterBounds)
}

// Is matches ErrNoOverlap.
func (e *NoOverlapError) Is(target error) bool { return target == ErrNoOverlap }

// WriteError reports an output that could not be written atomically.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s (%s): %v", e.Path, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error { return e.Err }

// Is matches ErrWrite.
func (e *WriteError) Is(target error) bool { return target == ErrWrite }

// ZeroValidCellsWarning flags a date whose AOI covered only nodata cells.
// It is not an error: the date still yields a StatRecord with NoData set.
type ZeroValidCellsWarning struct {
	Date   time.Time
	Raster string
}

// String renders the warning for logs and reports.
func (w ZeroValidCellsWarning) String() string {
	return fmt.Sprintf("%s: aoi covers no valid cells of %s", w.Date.Format("2006-01-02"), w.Raster)
}

// IsInvalidRequest returns true if err is an invalid-request error.
func IsInvalidRequest(err error) bool { return errors.Is(err, ErrInvalidRequest) }

// IsFetch returns true if err is a fetch error.
func IsFetch(err error) bool { return errors.Is(err, ErrFetch) }

// IsExtraction returns true if err is an extraction error.
func IsExtraction(err error) bool { return errors.Is(err, ErrExtraction) }

// IsNoOverlap returns true if err is a no-overlap error.
func IsNoOverlap(err error) bool { return errors.Is(err, ErrNoOverlap) }

// IsWrite returns true if err is a write error.
func IsWrite(err error) bool { return errors.Is(err, ErrWrite) }

// FailureKind is the structured reason recorded for a failed date.
type FailureKind string

// Failure kinds, one per error in the taxonomy plus cancellation and a
// catch-all for unexpected processing faults.
const (
	KindInvalidRequest FailureKind = "invalid_request"
	KindFetch          FailureKind = "fetch"
	KindExtraction     FailureKind = "extraction"
	KindNoOverlap      FailureKind = "no_overlap"
	KindWrite          FailureKind = "write"
	KindCancelled      FailureKind = "cancelled"
	KindProcessing     FailureKind = "processing"
)

// KindOf classifies err into a FailureKind.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case IsInvalidRequest(err):
		return KindInvalidRequest
	case IsFetch(err):
		return KindFetch
	case IsExtraction(err):
		return KindExtraction
	case IsNoOverlap(err):
		return KindNoOverlap
	case IsWrite(err):
		return KindWrite
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}
	return KindProcessing
}
