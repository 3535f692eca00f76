package climate

import (
	"errors"
	"time"

	"github.com/3leaps/climgrid/pkg/aoi"
)

// Request describes one run: which grids to summarize over which area.
// It is immutable once a run starts.
type Request struct {
	Variable   Variable
	Unit       Unit
	Resolution Resolution
	Range      DateRange
	AOI        *aoi.AOI
}

// Validate checks the request and returns an *InvalidRequestError on the
// first problem found.
func (r Request) Validate() error {
	if !r.Variable.Valid() {
		return &InvalidRequestError{Field: "variable", Message: "unknown variable " + string(r.Variable)}
	}
	if r.Unit.Family() == "" {
		return &InvalidRequestError{Field: "unit", Message: "unknown unit " + string(r.Unit)}
	}
	if !r.Unit.Compatible(r.Variable) {
		return &InvalidRequestError{Field: "unit", Message: string(r.Unit) + " cannot express " + string(r.Variable)}
	}
	if r.Resolution != Daily && r.Resolution != Monthly {
		return &InvalidRequestError{Field: "resolution", Message: "unknown resolution " + string(r.Resolution)}
	}
	if r.Range.Start.IsZero() || r.Range.End.IsZero() {
		return &InvalidRequestError{Field: "date_range", Message: "start and end are required"}
	}
	if r.Resolution.Truncate(r.Range.End).Before(r.Resolution.Truncate(r.Range.Start)) {
		return &InvalidRequestError{
			Field:   "date_range",
			Message: "start " + r.Range.Start.Format(time.DateOnly) + " is after end " + r.Range.End.Format(time.DateOnly),
		}
	}
	if r.AOI == nil {
		return &InvalidRequestError{Field: "aoi", Err: aoi.ErrEmpty}
	}
	if err := r.AOI.Validate(); err != nil {
		return &InvalidRequestError{Field: "aoi", Err: err}
	}
	return nil
}

// Dates returns the requested dates, ascending.
func (r Request) Dates() []time.Time {
	return r.Range.Dates(r.Resolution)
}

// Key builds the grid key for date, with cell values in unit.
func (r Request) Key(date time.Time, unit Unit) Key {
	return Key{
		Variable:   r.Variable,
		Unit:       unit,
		Resolution: r.Resolution,
		Date:       r.Resolution.Truncate(date),
	}
}

// AsInvalidRequest wraps err as an *InvalidRequestError unless it already is one.
func AsInvalidRequest(field string, err error) error {
	if err == nil {
		return nil
	}
	var ire *InvalidRequestError
	if errors.As(err, &ire) {
		return err
	}
	return &InvalidRequestError{Field: field, Err: err}
}
