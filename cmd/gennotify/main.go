// Command gennotify generates synthetic WIS2 notification messages and the
// matching decoded-feature fixtures for the test suites. It uses the actual
// domain package so the fixtures stay aligned with pipeline behavior.
//
// Usage:
//
//	go run ./cmd/gennotify \
//	  -count 50 \
//	  -base-url https://example.org/data \
//	  -notify-out data/mock/notifications.json \
//	  -features-out data/mock/decoded_features.json
package main

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var baseDate = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// centre describes one synthetic WIS2 publishing centre.
type centre struct {
	topic   string
	target  string
	wigosID string
	lon     float64
	lat     float64
}

var centres = []centre{
	{"origin/a/wis2/ch-meteoswiss/data/core/weather/surface-based-observations/synop", "switzerland", "0-20000-0-06610", 6.94, 46.81},
	{"origin/a/wis2/fr-meteofrance/data/core/weather/surface-based-observations/synop", "france", "0-20000-0-07149", 2.38, 48.82},
	{"origin/a/wis2/de-dwd/data/core/weather/surface-based-observations/synop", "germany", "0-20000-0-10381", 13.40, 52.46},
	{"origin/a/wis2/it-meteoam/data/core/weather/surface-based-observations/synop", "italy", "0-20000-0-16080", 9.28, 45.43},
}

// message pairs a notification with the topic it is published on, the shape
// the broker replay tooling expects.
type message struct {
	Topic        string              `json:"topic"`
	Notification domain.Notification `json:"notification"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	count := flag.Int("count", 50, "number of notifications to generate")
	baseURL := flag.String("base-url", "https://example.org/data", "base URL for download links")
	notifyOut := flag.String("notify-out", "", "output path for the notification fixture")
	featuresOut := flag.String("features-out", "", "output path for the decoded-feature fixture")
	seed := flag.Int64("seed", 1, "PRNG seed for reproducible fixtures")
	flag.Parse()

	if *notifyOut == "" || *featuresOut == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -notify-out, -features-out")
	}

	// Fixed clock for reproducible timestamps.
	domain.SetClock(clockwork.NewFakeClockAt(baseDate))
	defer domain.SetClock(nil)

	rng := rand.New(rand.NewSource(*seed))
	uuid.SetRand(rng)

	messages := make([]message, 0, *count)
	features := make(map[string][]domain.DecodedFeature, *count)

	for i := 0; i < *count; i++ {
		c := centres[i%len(centres)]
		reportTime := baseDate.Add(-time.Duration(rng.Intn(120)) * time.Minute)
		basename := fmt.Sprintf("%s_%s.bufr4", c.wigosID, reportTime.Format("20060102T150405"))

		payload := []byte(fmt.Sprintf("BUFR synthetic bulletin %s %d", basename, rng.Int63()))
		sum := sha512.Sum512(payload)

		n := domain.Notification{
			ID: uuid.NewString(),
			Properties: domain.NotificationProperties{
				DataID: fmt.Sprintf("wis2/%s/%s", c.target, basename),
				Integrity: &domain.Integrity{
					Method: "sha512",
					Value:  base64.StdEncoding.EncodeToString(sum[:]),
				},
			},
			Links: []domain.Link{
				{
					Rel:    domain.LinkRelCanonical,
					Href:   fmt.Sprintf("%s/%s/%s", *baseURL, c.target, basename),
					Length: int64(len(payload)),
				},
			},
		}
		messages = append(messages, message{Topic: c.topic, Notification: n})
		features[n.Properties.DataID] = []domain.DecodedFeature{
			synthesizeFeature(rng, c, reportTime),
		}
	}

	log.Printf("generated %d notifications across %d centres", len(messages), len(centres))

	if err := writeJSON(*notifyOut, messages); err != nil {
		return fmt.Errorf("writing notification fixture: %w", err)
	}
	log.Printf("wrote notification fixture: %s", *notifyOut)

	if err := writeJSON(*featuresOut, features); err != nil {
		return fmt.Errorf("writing feature fixture: %w", err)
	}
	log.Printf("wrote feature fixture: %s", *featuresOut)
	return nil
}

// synthesizeFeature produces one plausible surface temperature observation
// for the centre's station.
func synthesizeFeature(rng *rand.Rand, c centre, reportTime time.Time) domain.DecodedFeature {
	lon := c.lon + rng.Float64()*0.02
	lat := c.lat + rng.Float64()*0.02
	elevation := 300 + rng.Float64()*1500
	temperature := 258.15 + rng.Float64()*45

	result := fmt.Sprintf(`{"value": %.2f, "units": "K", "standardUncertainty": 0.1}`, temperature)

	return domain.DecodedFeature{
		GeoJSON: &domain.Feature{
			Geometry: &domain.Geometry{
				Type:        "Point",
				Coordinates: []*float64{&lon, &lat, &elevation},
			},
			Properties: domain.FeatureProperties{
				ObservationType:    domain.ObservationTypeMeasurement,
				ObservingProcedure: "http://codes.wmo.int/wmdr/SourceOfObservation/automaticReading",
				ObservedProperty:   "https://codes.wmo.int/bufr4/b/12/_101",
				Host:               c.wigosID,
				PhenomenonTime:     reportTime.Format(time.RFC3339),
				ResultTime:         reportTime.Add(time.Minute).Format(time.RFC3339),
				Result:             domain.RawResult(result),
				Parameter: map[string]any{
					"reportType":       "000",
					"reportIdentifier": fmt.Sprintf("%s-%s", c.wigosID, reportTime.Format("20060102T1504")),
					"stationHeight":    elevation,
				},
			},
		},
	}
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
