package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/climgrid/internal/assets/schemas"
	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/clip"
	"github.com/3leaps/climgrid/pkg/match"
	"github.com/3leaps/climgrid/pkg/pipeline"
	"github.com/3leaps/climgrid/pkg/resolver"
)

// SchemaID is the schema identifier for job manifests.
const SchemaID = "climgrid/v1.0.0/job-manifest"

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the field, e.g. "/request/start".
	Path string

	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every issue found in one manifest.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns ErrValidationFailed.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a typed manifest against the schema and the semantic
// rules. Unknown fields are lost in the struct, so loaders use ValidateRaw
// on the input instead.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return ValidateSemantics(m)
}

// ValidateRaw checks JSON data against the embedded manifest schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateSemantics checks the rules the schema cannot express. The AOI file
// is not opened here; ToRequest loads it.
func ValidateSemantics(m *Manifest) error {
	var errs ValidationErrors
	add := func(path string, err error) {
		errs = append(errs, ValidationError{Path: path, Message: err.Error()})
	}

	v, err := climate.ParseVariable(m.Request.Variable)
	if err != nil {
		add("/request/variable", err)
	}
	if m.Request.Unit != "" && err == nil {
		u, uerr := climate.ParseUnit(m.Request.Unit)
		switch {
		case uerr != nil:
			add("/request/unit", uerr)
		case !u.Compatible(v):
			add("/request/unit", fmt.Errorf("%s cannot express %s", u, v))
		}
	}
	start, serr := ParseDate(m.Request.Start)
	if serr != nil {
		add("/request/start", serr)
	}
	end, eerr := ParseDate(m.Request.End)
	if eerr != nil {
		add("/request/end", eerr)
	}
	if serr == nil && eerr == nil && end.Before(start) {
		add("/request/end", fmt.Errorf("end %s is before start %s", m.Request.End, m.Request.Start))
	}

	if m.Source.URLTemplate != "" {
		if _, err := resolver.Compile(m.Source.URLTemplate); err != nil {
			add("/source/url_template", err)
		}
	}
	if len(m.Source.Patterns) > 0 {
		if _, err := match.New(match.Config{Includes: m.Source.Patterns}); err != nil {
			add("/source/patterns", err)
		}
	}
	if m.Processing.Mask != "" {
		if _, err := clip.ParseMaskMode(m.Processing.Mask); err != nil {
			add("/processing/mask", err)
		}
	}
	if m.Processing.NAPI.Enabled && err == nil && v != climate.Precipitation {
		add("/processing/napi", fmt.Errorf("the index needs precipitation, not %s", v))
	}
	if _, err := pipeline.ParseRetention(m.Output.Retention); err != nil {
		add("/output/retention", err)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// getValidator compiles the embedded schema once.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
