// Package subscription maintains the topic subscription table and dispatches
// inbound broker messages to pipeline jobs.
package subscription

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
)

// Broker is the subset of the MQTT client the router needs for keeping the
// broker-side subscription set in line with its table.
type Broker interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Entry is one registered subscription.
type Entry struct {
	Topic  string `json:"topic"`
	Target string `json:"target"`

	segments []string
	wildcard bool
}

// Router maps inbound topics to registered targets. Exact topics resolve
// through a map; subscriptions containing MQTT wildcards (+, #) fall back to
// a linear scan in insertion order, so tie-breaking between overlapping
// patterns is deterministic within a process run.
type Router struct {
	broker  string
	client  Broker
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	exact   map[string]*Entry
	ordered []*Entry
}

// New creates an empty router. brokerName is recorded on every job for
// diagnostics.
func New(client Broker, brokerName string, logger *slog.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		broker:  brokerName,
		client:  client,
		logger:  logger,
		metrics: metrics,
		exact:   make(map[string]*Entry),
	}
}

// Subscribe registers a topic pattern and issues the broker-level subscribe.
// Re-subscribing an already registered topic is a warn-logged no-op, not an
// update. Returns a snapshot of the current table.
func (r *Router) Subscribe(topic, target string) map[string]string {
	r.mu.Lock()
	if _, exists := r.exact[topic]; exists {
		r.mu.Unlock()
		r.logger.Warn("topic already subscribed", "topic", topic)
		return r.Snapshot()
	}
	e := &Entry{
		Topic:    topic,
		Target:   target,
		segments: strings.Split(topic, "/"),
		wildcard: strings.ContainsAny(topic, "+#"),
	}
	r.exact[topic] = e
	r.ordered = append(r.ordered, e)
	r.mu.Unlock()

	if err := r.client.Subscribe(topic); err != nil {
		// Keep the table honest: an entry the broker never accepted would
		// show up on the list endpoint but never deliver.
		r.logger.Error("broker subscribe failed, dropping entry", "topic", topic, "error", err)
		r.remove(topic)
	} else {
		r.logger.Info("subscribed", "topic", topic, "target", target)
	}
	return r.Snapshot()
}

// Unsubscribe removes a registered topic and issues the broker-level
// unsubscribe. A missing topic is a warn-logged no-op. Returns a snapshot of
// the current table.
func (r *Router) Unsubscribe(topic string) map[string]string {
	r.mu.Lock()
	if _, exists := r.exact[topic]; !exists {
		r.mu.Unlock()
		r.logger.Warn("subscription not found", "topic", topic)
		return r.Snapshot()
	}
	r.mu.Unlock()
	r.remove(topic)

	if err := r.client.Unsubscribe(topic); err != nil {
		r.logger.Error("broker unsubscribe failed", "topic", topic, "error", err)
	} else {
		r.logger.Info("unsubscribed", "topic", topic)
	}
	return r.Snapshot()
}

func (r *Router) remove(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exact, topic)
	for i, e := range r.ordered {
		if e.Topic == topic {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
}

// Snapshot returns the current subscription table as topic -> target.
func (r *Router) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.exact))
	for topic, e := range r.exact {
		out[topic] = e.Target
	}
	return out
}

// Dispatch matches an inbound message to a registered target and builds the
// pipeline job. It runs on the broker delivery thread and does no I/O. ok is
// false when no subscription matches or the payload does not parse; both are
// counted per reason and logged, not errors.
func (r *Router) Dispatch(topic string, payload []byte) (domain.JobDescriptor, bool) {
	received := domain.Now()

	target, matched := r.match(topic)
	if !matched {
		r.logger.Warn("message received but unable to match target",
			"topic", topic,
			"payload_bytes", len(payload),
			"subscriptions", r.Snapshot(),
		)
		r.metrics.JobsDropped.WithLabelValues("unmatched").Inc()
		return domain.JobDescriptor{}, false
	}

	notification, err := domain.ParseNotification(payload)
	if err != nil {
		r.logger.Warn("unparseable notification, dropping message",
			"topic", topic, "error", err)
		r.metrics.JobsDropped.WithLabelValues("unparseable").Inc()
		return domain.JobDescriptor{}, false
	}

	return domain.JobDescriptor{
		Topic:      topic,
		Payload:    notification,
		Target:     target,
		Broker:     r.broker,
		ReceivedAt: received,
		QueuedAt:   domain.Now(),
	}, true
}

func (r *Router) match(topic string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.exact[topic]; ok {
		return e.Target, true
	}
	levels := strings.Split(topic, "/")
	for _, e := range r.ordered {
		if e.wildcard && matchSegments(e.segments, levels) {
			return e.Target, true
		}
	}
	return "", false
}

// matchSegments applies MQTT wildcard semantics level by level: "+" matches
// exactly one level, "#" matches the whole remainder.
func matchSegments(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "#" {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if p != "+" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}
