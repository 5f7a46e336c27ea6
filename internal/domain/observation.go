package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// QualityFlag is one quality annotation attached to an observation.
type QualityFlag struct {
	Scheme string `json:"scheme"`
	Flag   string `json:"flag"`
	Value  string `json:"value"`
}

// FeatureOfInterest is one feature-of-interest annotation attached to an
// observation.
type FeatureOfInterest struct {
	URI      string `json:"uri"`
	Label    string `json:"label"`
	Relation string `json:"relation"`
}

// VerticalCoordinate is the optional structured vertical extension of an
// observation location.
type VerticalCoordinate struct {
	Value float64 `json:"value"`
	Units string  `json:"units,omitempty"`
}

// ObservationRecord is the normalized, storage-ready unit produced by the
// decode stage. Every reference-style field holds a resolved integer
// identifier; a record never carries raw URIs. Construct through
// ObservationBuilder.
type ObservationRecord struct {
	Longitude float64
	Latitude  float64
	Vertical  *VerticalCoordinate

	HostID               int64
	ObserverID           *int64
	ObservationTypeID    int64
	ObservedPropertyID   int64
	ObservingProcedureID int64
	ReportTypeID         int64
	ReportIdentifierID   int64
	DatasetID            int64

	PhenomenonTimeStart time.Time
	PhenomenonTimeEnd   time.Time
	PhenomenonDuration  time.Duration
	ResultTime          time.Time

	ResultValue       *float64
	ResultUnitsID     *int64
	ResultUncertainty *float64
	ResultCodeTableID *int64
	ResultDescription string

	QualityFlags       []QualityFlag
	FeaturesOfInterest []FeatureOfInterest

	// Extensions holds free-form decoder parameters that have no dedicated
	// column, keyed by snake_case name.
	Extensions map[string]any
}

// BuildError reports which field made an observation unbuildable.
type BuildError struct {
	Field  string
	Reason string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build observation: %s: %s", e.Field, e.Reason)
}

// ObservationBuilder accumulates the fields of an ObservationRecord and
// validates them on Build. The zero value is ready to use.
type ObservationBuilder struct {
	ObservationRecord
}

// Build validates the accumulated fields and returns the immutable record.
// Failures return a *BuildError naming the offending field.
func (b *ObservationBuilder) Build() (ObservationRecord, error) {
	if err := b.validate(); err != nil {
		return ObservationRecord{}, err
	}
	rec := b.ObservationRecord
	if rec.PhenomenonDuration == 0 && !rec.PhenomenonTimeStart.Equal(rec.PhenomenonTimeEnd) {
		rec.PhenomenonDuration = rec.PhenomenonTimeEnd.Sub(rec.PhenomenonTimeStart)
	}
	return rec, nil
}

func (b *ObservationBuilder) validate() error {
	if !finite(b.Longitude) || !finite(b.Latitude) {
		return &BuildError{Field: "location", Reason: "coordinates must be finite"}
	}
	required := []struct {
		field string
		id    int64
	}{
		{"host", b.HostID},
		{"observation_type", b.ObservationTypeID},
		{"observed_property", b.ObservedPropertyID},
		{"observing_procedure", b.ObservingProcedureID},
		{"report_type", b.ReportTypeID},
		{"report_identifier", b.ReportIdentifierID},
		{"is_member_of", b.DatasetID},
	}
	for _, r := range required {
		if r.id <= 0 {
			return &BuildError{Field: r.field, Reason: "identifier not resolved"}
		}
	}
	if b.PhenomenonTimeStart.IsZero() || b.PhenomenonTimeEnd.IsZero() {
		return &BuildError{Field: "phenomenon_time", Reason: "missing"}
	}
	if b.PhenomenonTimeEnd.Before(b.PhenomenonTimeStart) {
		return &BuildError{Field: "phenomenon_time", Reason: "end before start"}
	}
	if b.ResultTime.IsZero() {
		return &BuildError{Field: "result_time", Reason: "missing"}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ParsePhenomenonTime parses a phenomenon time expressed either as a single
// RFC 3339 instant or as a "start/end" interval. For an instant, start and
// end are equal and the duration is zero.
func ParsePhenomenonTime(s string) (start, end time.Time, duration time.Duration, err error) {
	if s == "" {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("parse phenomenon time: empty")
	}
	if from, to, ok := strings.Cut(s, "/"); ok {
		start, err = time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, 0, fmt.Errorf("parse phenomenon time start %q: %w", from, err)
		}
		end, err = time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, 0, fmt.Errorf("parse phenomenon time end %q: %w", to, err)
		}
		return start, end, end.Sub(start), nil
	}
	end, err = time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("parse phenomenon time %q: %w", s, err)
	}
	return end, end, 0, nil
}
