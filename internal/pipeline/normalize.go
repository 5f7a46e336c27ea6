package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
	"github.com/couchcryptid/wis2-ingest-service/internal/uricache"
)

// hostUnknown is resolved in place of an absent host property so the
// not-null constraint on observations always holds.
const hostUnknown = "UNKNOWN"

// radarReportPrefix marks report types this pipeline does not support;
// matching features are dropped with a logged reason.
const radarReportPrefix = "006"

// errBadResult marks a result block that cannot be interpreted. The feature
// carrying it is skipped; identifier resolution failures are never wrapped
// with it and stay fatal for the whole job.
var errBadResult = errors.New("bad result block")

// Parameter keys handled structurally, excluded from the extension map.
var structuralParameters = map[string]bool{
	"additionalProperties": true,
	"reportType":           true,
	"reportIdentifier":     true,
	"isMemberOf":           true,
}

// Normalizer decodes an acquired file into geospatial features and
// normalizes each into a storage-ready ObservationRecord, resolving every
// reference URI through the identifier cache. Individual malformed features
// are logged and skipped; they never abort the batch.
type Normalizer struct {
	decoder  domain.Decoder
	resolver *uricache.Resolver
	logger   *slog.Logger
	metrics  *observability.Metrics

	// staticProperties short-circuits resolution for a small closed set of
	// hot-path observed property URIs; anything else goes through the cache.
	staticProperties map[string]int64
}

// NewNormalizer creates the decode stage. staticProperties may be nil.
func NewNormalizer(decoder domain.Decoder, resolver *uricache.Resolver, staticProperties map[string]int64, logger *slog.Logger, metrics *observability.Metrics) *Normalizer {
	return &Normalizer{
		decoder:          decoder,
		resolver:         resolver,
		logger:           logger,
		metrics:          metrics,
		staticProperties: staticProperties,
	}
}

// DecodeAndNormalize produces the observation records for one acquisition.
// A result without StatusSuccess yields an empty batch and no error. A
// decoder failure is fatal for the file (but only for this file; other jobs
// are unaffected). Identifier-cache failures propagate and fail the job.
func (n *Normalizer) DecodeAndNormalize(ctx context.Context, res domain.AcquisitionResult) ([]domain.ObservationRecord, error) {
	if res.Status != domain.StatusSuccess {
		return nil, nil
	}

	data, err := os.ReadFile(res.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", res.FilePath, err)
	}
	features, err := n.decoder.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", res.FilePath, err)
	}

	dataset := res.Dataset
	if dataset == "" {
		dataset = "NA"
	}
	datasetID, err := n.resolver.Resolve(ctx, uricache.CategoryDataset, dataset)
	if err != nil {
		return nil, err
	}

	records := make([]domain.ObservationRecord, 0, len(features))
	for _, df := range features {
		feature := df.GeoJSON
		if feature == nil {
			continue
		}
		rec, skip, err := n.normalize(ctx, feature, datasetID, res.FilePath)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		records = append(records, rec)
		n.metrics.RecordsNormalized.Inc()
	}
	return records, nil
}

// normalize converts one decoded feature. skip reports an intentionally
// dropped feature; err is reserved for resolver failures, which are fatal
// for the job.
func (n *Normalizer) normalize(ctx context.Context, feature *domain.Feature, datasetID int64, datafile string) (domain.ObservationRecord, bool, error) {
	var b domain.ObservationBuilder

	lon, lat, vertical, ok := pointCoordinates(feature.Geometry)
	if !ok {
		n.logger.Error("bad location, skipping feature", "file", datafile)
		n.metrics.RecordsSkipped.WithLabelValues("geometry").Inc()
		return domain.ObservationRecord{}, true, nil
	}
	b.Longitude = lon
	b.Latitude = lat
	b.Vertical = vertical

	props := feature.Properties

	reportType, _ := props.Parameter["reportType"].(string)
	if strings.HasPrefix(reportType, radarReportPrefix) {
		n.logger.Error("radar data, skipping feature", "file", datafile, "report_type", reportType)
		n.metrics.RecordsSkipped.WithLabelValues("radar").Inc()
		return domain.ObservationRecord{}, true, nil
	}

	if err := n.normalizeResult(ctx, &b, props); err != nil {
		if !errors.Is(err, errBadResult) {
			return domain.ObservationRecord{}, false, err
		}
		n.logger.Error("unusable result block, skipping feature",
			"file", datafile, "error", err)
		n.metrics.RecordsSkipped.WithLabelValues("unparseable").Inc()
		return domain.ObservationRecord{}, true, nil
	}

	if err := n.resolveReferences(ctx, &b, props, reportType, datasetID); err != nil {
		return domain.ObservationRecord{}, false, err
	}

	start, end, duration, err := domain.ParsePhenomenonTime(props.PhenomenonTime)
	if err != nil {
		n.logger.Error("bad phenomenon time, skipping feature",
			"file", datafile, "error", err)
		n.metrics.RecordsSkipped.WithLabelValues("unparseable").Inc()
		return domain.ObservationRecord{}, true, nil
	}
	b.PhenomenonTimeStart = start
	b.PhenomenonTimeEnd = end
	b.PhenomenonDuration = duration

	resultTime, err := time.Parse(time.RFC3339, props.ResultTime)
	if err != nil {
		n.logger.Error("bad result time, skipping feature",
			"file", datafile, "error", err)
		n.metrics.RecordsSkipped.WithLabelValues("unparseable").Inc()
		return domain.ObservationRecord{}, true, nil
	}
	b.ResultTime = resultTime

	for _, flag := range props.ResultQuality {
		if flag.InScheme == "" {
			continue
		}
		b.QualityFlags = append(b.QualityFlags, domain.QualityFlag{
			Scheme: flag.InScheme,
			Flag:   flag.Flag,
			Value:  flag.FlagValue,
		})
	}
	for _, foi := range props.FeatureOfInterest {
		if foi.ID == "" {
			continue
		}
		b.FeaturesOfInterest = append(b.FeaturesOfInterest, domain.FeatureOfInterest{
			URI:      foi.ID,
			Label:    foi.Label,
			Relation: foi.Relation,
		})
	}

	for key, value := range props.Parameter {
		if structuralParameters[key] {
			continue
		}
		if b.Extensions == nil {
			b.Extensions = make(map[string]any)
		}
		b.Extensions[camelToSnake(key)] = value
	}

	rec, err := b.Build()
	if err != nil {
		n.logger.Error("observation construction failed, skipping feature",
			"file", datafile, "error", err)
		n.metrics.RecordsSkipped.WithLabelValues("build").Inc()
		return domain.ObservationRecord{}, true, nil
	}
	return rec, false, nil
}

// normalizeResult interprets the result block according to the observation
// type discriminator: a measurement carries a numeric value with units and
// uncertainty; a categorical value carries either a bit-flag entry (binary
// string literal) or a code-table entry with a description. Malformed blocks
// come back wrapped in errBadResult; any other error is a resolver failure.
func (n *Normalizer) normalizeResult(ctx context.Context, b *domain.ObservationBuilder, props domain.FeatureProperties) error {
	switch props.ObservationType {
	case domain.ObservationTypeMeasurement:
		var result domain.MeasurementResult
		if err := json.Unmarshal(props.Result, &result); err != nil {
			return fmt.Errorf("%w: measurement result: %v", errBadResult, err)
		}
		b.ResultValue = result.Value
		b.ResultUncertainty = result.StandardUncertainty
		if result.Units != "" {
			id, err := n.resolver.Resolve(ctx, uricache.CategoryUnits, result.Units)
			if err != nil {
				return err
			}
			b.ResultUnitsID = &id
		}

	case domain.ObservationTypeCategorical:
		var result domain.CategoricalResult
		if err := json.Unmarshal(props.Result, &result); err != nil {
			return fmt.Errorf("%w: categorical result: %v", errBadResult, err)
		}
		var value float64
		var codeTableURI string
		if result.Value.Flags != "" {
			// Bit-flag entry: a binary string literal.
			bits, err := strconv.ParseInt(result.Value.Entry, 2, 64)
			if err != nil {
				return fmt.Errorf("%w: flag entry %q: %v", errBadResult, result.Value.Entry, err)
			}
			value = float64(bits)
			codeTableURI = result.Value.Flags
			b.ResultDescription = ""
		} else {
			entry, err := strconv.ParseInt(result.Value.Entry, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: code table entry %q: %v", errBadResult, result.Value.Entry, err)
			}
			value = float64(entry)
			codeTableURI = result.Value.CodeTable
			b.ResultDescription = result.Value.Description
		}
		b.ResultValue = &value
		b.ResultUncertainty = result.StandardUncertainty
		if result.Units != "" {
			id, err := n.resolver.Resolve(ctx, uricache.CategoryUnits, result.Units)
			if err != nil {
				return err
			}
			b.ResultUnitsID = &id
		}
		if codeTableURI != "" {
			id, err := n.resolver.Resolve(ctx, uricache.CategoryCodeTable, codeTableURI)
			if err != nil {
				return err
			}
			b.ResultCodeTableID = &id
		}
	}
	return nil
}

func (n *Normalizer) resolveReferences(ctx context.Context, b *domain.ObservationBuilder, props domain.FeatureProperties, reportType string, datasetID int64) error {
	if props.ObservationType != "" {
		id, err := n.resolver.Resolve(ctx, uricache.CategoryObservationType, props.ObservationType)
		if err != nil {
			return err
		}
		b.ObservationTypeID = id
	}
	if props.ObservingProcedure != "" {
		id, err := n.resolver.Resolve(ctx, uricache.CategoryObservingProcedure, props.ObservingProcedure)
		if err != nil {
			return err
		}
		b.ObservingProcedureID = id
	}
	if props.ObservedProperty != "" {
		if id, ok := n.staticProperties[props.ObservedProperty]; ok {
			b.ObservedPropertyID = id
		} else {
			id, err := n.resolver.Resolve(ctx, uricache.CategoryObservedProperty, props.ObservedProperty)
			if err != nil {
				return err
			}
			b.ObservedPropertyID = id
		}
	}

	host := props.Host
	if host == "" {
		host = hostUnknown
	}
	hostID, err := n.resolver.Resolve(ctx, uricache.CategoryHost, host)
	if err != nil {
		return err
	}
	b.HostID = hostID

	if props.Observer != "" {
		id, err := n.resolver.Resolve(ctx, uricache.CategoryObserver, props.Observer)
		if err != nil {
			return err
		}
		b.ObserverID = &id
	}

	if reportType != "" {
		id, err := n.resolver.Resolve(ctx, uricache.CategoryReportType, reportType)
		if err != nil {
			return err
		}
		b.ReportTypeID = id
	}

	// Report identifiers are one-per-report; memoizing them would grow the
	// cache without bound, so the memo is bypassed.
	if reportID, ok := props.Parameter["reportIdentifier"].(string); ok && reportID != "" {
		id, err := n.resolver.ResolveUncached(ctx, uricache.CategoryReportIdentifier, reportID)
		if err != nil {
			return err
		}
		b.ReportIdentifierID = id
	}

	b.DatasetID = datasetID
	return nil
}

// pointCoordinates validates that geometry is a point with two non-null
// finite coordinates, returning the optional third (vertical) coordinate.
func pointCoordinates(g *domain.Geometry) (lon, lat float64, vertical *domain.VerticalCoordinate, ok bool) {
	if g == nil || g.Type != "Point" || len(g.Coordinates) < 2 {
		return 0, 0, nil, false
	}
	if g.Coordinates[0] == nil || g.Coordinates[1] == nil {
		return 0, 0, nil, false
	}
	lon = *g.Coordinates[0]
	lat = *g.Coordinates[1]
	if len(g.Coordinates) >= 3 && g.Coordinates[2] != nil {
		vertical = &domain.VerticalCoordinate{Value: *g.Coordinates[2]}
	}
	return lon, lat, vertical, true
}

// camelToSnake rewrites a camelCase parameter key as snake_case.
func camelToSnake(s string) string {
	var out strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				out.WriteByte('_')
			}
			out.WriteRune(unicode.ToLower(r))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}
