package domain

import "context"

// Observation type discriminator URIs (OGC O&M 2.0). The categorical URI is
// reproduced exactly as the decoder emits it.
const (
	ObservationTypeMeasurement = "http://www.opengis.net/def/observationType/OGC-OM/2.0/OM_Measurement"
	ObservationTypeCategorical = "http//www.opengis.net/def/observationType/OGC-OM/2.0/OM_CategoryObservation"
)

// Geometry is the GeoJSON geometry of a decoded feature. Coordinates use
// pointer elements so a JSON null coordinate is distinguishable from zero.
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates []*float64 `json:"coordinates"`
}

// CategoricalValue is the result value of a category observation: either a
// code-table entry with a human description, or a bit-flag entry whose Entry
// field is a binary string literal.
type CategoricalValue struct {
	Entry       string `json:"entry"`
	CodeTable   string `json:"codetable,omitempty"`
	Flags       string `json:"flags,omitempty"`
	Description string `json:"description,omitempty"`
}

// MeasurementResult is the result block of a measurement-type feature.
type MeasurementResult struct {
	Value               *float64 `json:"value"`
	Units               string   `json:"units"`
	StandardUncertainty *float64 `json:"standardUncertainty"`
}

// CategoricalResult is the result block of a category-type feature.
type CategoricalResult struct {
	Value               CategoricalValue `json:"value"`
	Units               string           `json:"units"`
	StandardUncertainty *float64         `json:"standardUncertainty"`
}

// QualityAnnotation is one entry of a feature's resultQuality list.
type QualityAnnotation struct {
	InScheme  string `json:"inScheme"`
	Flag      string `json:"flag"`
	FlagValue string `json:"flagValue"`
}

// InterestAnnotation is one entry of a feature's featureOfInterest list.
type InterestAnnotation struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Relation string `json:"relation"`
}

// FeatureProperties holds the decoded observation properties of a feature.
// Result is deliberately raw: its shape depends on ObservationType and is
// interpreted by the normalizer.
type FeatureProperties struct {
	ObservationType    string               `json:"observationType"`
	ObservingProcedure string               `json:"observingProcedure,omitempty"`
	ObservedProperty   string               `json:"observedProperty,omitempty"`
	Host               string               `json:"host,omitempty"`
	Observer           string               `json:"observer,omitempty"`
	PhenomenonTime     string               `json:"phenomenonTime"`
	ResultTime         string               `json:"resultTime"`
	Result             RawResult            `json:"result"`
	Parameter          map[string]any       `json:"parameter"`
	ResultQuality      []QualityAnnotation  `json:"resultQuality"`
	FeatureOfInterest  []InterestAnnotation `json:"featureOfInterest"`
}

// RawResult defers interpretation of the result block until the observation
// type is known.
type RawResult []byte

func (r *RawResult) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func (r RawResult) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// Feature is one geospatial observation feature emitted by the decoder.
type Feature struct {
	Geometry   *Geometry         `json:"geometry"`
	Properties FeatureProperties `json:"properties"`
}

// DecodedFeature wraps a feature in the decoder's envelope. GeoJSON is nil
// for envelope entries that carry no feature.
type DecodedFeature struct {
	GeoJSON *Feature `json:"geojson"`
}

// Decoder converts a binary bulletin into geospatial features. It is an
// opaque external capability (the bufr2geojson service); the pipeline treats
// it as a pure function.
type Decoder interface {
	Decode(ctx context.Context, data []byte) ([]DecodedFeature, error)
}
