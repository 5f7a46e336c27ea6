package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
)

// ErrOutOfRange reports an observation whose phenomenon time end falls
// outside the pre-created partition window. The insert is refused outright
// rather than silently dropped.
var ErrOutOfRange = errors.New("phenomenon time outside pre-created partitions")

// Router places observation records into per-day partitions keyed by the
// phenomenon time end. The window is inclusive of From and exclusive of To;
// a timestamp exactly on a day boundary belongs to the day it starts.
type Router struct {
	From time.Time
	To   time.Time
}

// NewRouter creates a Router over [from, to), both truncated to UTC days.
func NewRouter(from, to time.Time) Router {
	return Router{From: day(from), To: day(to)}
}

// Route returns the partition day for a record, or ErrOutOfRange.
func (r Router) Route(rec domain.ObservationRecord) (time.Time, error) {
	d := day(rec.PhenomenonTimeEnd)
	if d.Before(r.From) || !d.Before(r.To) {
		return time.Time{}, fmt.Errorf("%w: %s not in [%s, %s)",
			ErrOutOfRange,
			rec.PhenomenonTimeEnd.UTC().Format(time.RFC3339),
			r.From.Format("2006-01-02"),
			r.To.Format("2006-01-02"),
		)
	}
	return d, nil
}

// PartitionName returns the child table name for a partition day.
func (r Router) PartitionName(d time.Time) string {
	return "observation_" + d.Format("20060102")
}

// Days iterates the partition days of the window in order.
func (r Router) Days() []time.Time {
	var days []time.Time
	for d := r.From; d.Before(r.To); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
