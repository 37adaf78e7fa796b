// Package validate implements the data-quality pipeline every raw reading
// passes through before persistence: schema, sanity, quality penalties,
// statistical anomaly scoring, and checksum stamping, plus the cross-source
// consensus check.
package validate

import (
	"fmt"
	"math"

	"github.com/sawpanic/boombust/internal/domain"
)

// Bounds is an optional numeric range. Nil means unbounded on that side.
type Bounds struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

// Check reports whether v lies within the bounds.
func (b *Bounds) Check(v float64) error {
	if b == nil {
		return nil
	}
	if b.Min != nil && v < *b.Min {
		return fmt.Errorf("value %g below minimum %g", v, *b.Min)
	}
	if b.Max != nil && v > *b.Max {
		return fmt.Errorf("value %g above maximum %g", v, *b.Max)
	}
	return nil
}

// Schema declares the structure an adapter's readings must conform to.
// Composite readings additionally declare part cardinality and per-part
// bounds; scalar schemas only bound the headline value.
type Schema struct {
	Kind            domain.ReadingKind `yaml:"kind"`
	Value           *Bounds            `yaml:"value"`
	PartBounds      *Bounds            `yaml:"part_bounds"`
	MinParts        int                `yaml:"min_parts"`
	MaxParts        int                `yaml:"max_parts"`
	RequiredStrings []string           `yaml:"required_strings"`
}

// checkSchema is stage 1: required fields present, types conform, numeric
// fields inside declared ranges. Failures here are hard rejections.
func checkSchema(r *domain.RawReading, s Schema) []string {
	var errs []string

	if r.Kind != s.Kind {
		errs = append(errs, fmt.Sprintf("reading kind %q does not match schema kind %q", r.Kind, s.Kind))
		return errs
	}
	if err := s.Value.Check(r.Scalar); err != nil {
		errs = append(errs, fmt.Sprintf("scalar: %v", err))
	}
	if r.Kind == domain.ReadingComposite {
		for name, v := range r.Parts {
			if err := s.PartBounds.Check(v); err != nil {
				errs = append(errs, fmt.Sprintf("part %s: %v", name, err))
			}
		}
	}
	for _, key := range s.RequiredStrings {
		if _, ok := r.Strings[key]; !ok {
			errs = append(errs, fmt.Sprintf("required field %q missing", key))
		}
	}
	return errs
}

// checkSanity is stage 2: no NaN/±Inf anywhere, required strings non-empty,
// composite part counts inside the declared cardinality. Hard rejections.
func checkSanity(r *domain.RawReading, s Schema) []string {
	var errs []string

	if math.IsNaN(r.Scalar) || math.IsInf(r.Scalar, 0) {
		errs = append(errs, "scalar is NaN or infinite")
	}
	for name, v := range r.Parts {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Sprintf("part %s is NaN or infinite", name))
		}
	}
	for _, key := range s.RequiredStrings {
		if v, ok := r.Strings[key]; ok && v == "" {
			errs = append(errs, fmt.Sprintf("required field %q is empty", key))
		}
	}
	if r.Kind == domain.ReadingComposite {
		n := len(r.Parts)
		if s.MinParts > 0 && n < s.MinParts {
			errs = append(errs, fmt.Sprintf("composite has %d parts, need at least %d", n, s.MinParts))
		}
		if s.MaxParts > 0 && n > s.MaxParts {
			errs = append(errs, fmt.Sprintf("composite has %d parts, limit is %d", n, s.MaxParts))
		}
	}
	return errs
}

// Float is a convenience for literal bounds in adapter schemas.
func Float(v float64) *float64 { return &v }
