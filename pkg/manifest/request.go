package manifest

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/3leaps/climgrid/pkg/aoi"
	"github.com/3leaps/climgrid/pkg/climate"
)

// ToRequest builds the run request, loading the AOI file. Any problem is an
// *climate.InvalidRequestError; file errors stay reachable through
// errors.Is (os.ErrNotExist for a missing AOI).
func (m *Manifest) ToRequest() (climate.Request, error) {
	var req climate.Request

	v, err := climate.ParseVariable(m.Request.Variable)
	if err != nil {
		return req, climate.AsInvalidRequest("request.variable", err)
	}
	req.Variable = v

	req.Unit = v.NativeUnit()
	if m.Request.Unit != "" {
		u, err := climate.ParseUnit(m.Request.Unit)
		if err != nil {
			return req, climate.AsInvalidRequest("request.unit", err)
		}
		req.Unit = u
	}

	resolution := m.Request.Resolution
	if resolution == "" {
		resolution = DefaultResolution
	}
	r, err := climate.ParseResolution(resolution)
	if err != nil {
		return req, climate.AsInvalidRequest("request.resolution", err)
	}
	req.Resolution = r

	if req.Range.Start, err = ParseDate(m.Request.Start); err != nil {
		return req, climate.AsInvalidRequest("request.start", err)
	}
	if req.Range.End, err = ParseDate(m.Request.End); err != nil {
		return req, climate.AsInvalidRequest("request.end", err)
	}
	// A month given for a daily range covers the whole month.
	if r == climate.Daily && len(m.Request.End) == len("2006-01") {
		req.Range.End = climate.Monthly.Step(req.Range.End, 1).AddDate(0, 0, -1)
	}

	a, err := aoi.Load(m.ResolvePath(m.AOI.Path), m.AOI.CRS)
	if err != nil {
		return req, climate.AsInvalidRequest("aoi", err)
	}
	req.AOI = a

	return req, req.Validate()
}

// ResolvePath resolves p against the manifest directory.
func (m *Manifest) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// OutputPath is the series path resolved against the manifest directory.
func (m *Manifest) OutputPath() string {
	return m.ResolvePath(m.Output.Path)
}

// ParseDate accepts YYYY-MM-DD or YYYY-MM (the first of the month), in UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or YYYY-MM)", s)
}
