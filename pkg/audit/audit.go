package audit

import (
	"context"
	"log"
	"time"
)

// ActorSystem is used when no identity is behind an action (retries,
// webhook-driven transitions, settlement).
const ActorSystem = "system"

// Record is one append-only audit fact. Before/After carry structured
// snapshots; for remote calls they hold request and response metadata.
type Record struct {
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	Entity        string         `json:"entity"`
	EntityID      string         `json:"entity_id,omitempty"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	OriginIP      string         `json:"origin_ip,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	At            time.Time      `json:"at"`
}

type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

type originKey struct{}

// Origin identifies the inbound request behind an audited operation. The
// HTTP layer stamps it onto the context so deeper writers pick it up
// without any transport awareness.
type Origin struct {
	IP            string
	CorrelationID string
}

func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

func OriginFrom(ctx context.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}

// Stamp fills the record's origin fields from the context when unset.
func Stamp(ctx context.Context, rec Record) Record {
	o := OriginFrom(ctx)
	if rec.OriginIP == "" {
		rec.OriginIP = o.IP
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = o.CorrelationID
	}
	return rec
}

type safeRecorder struct {
	inner Recorder
}

// Safe wraps a Recorder so that write failures are logged locally and
// swallowed. An audit failure must never abort the triggering operation.
func Safe(inner Recorder) Recorder {
	return &safeRecorder{inner: inner}
}

func (s *safeRecorder) Record(ctx context.Context, rec Record) error {
	if err := s.inner.Record(ctx, rec); err != nil {
		log.Printf("audit: dropped record action=%s entity=%s: %v", rec.Action, rec.Entity, err)
	}
	return nil
}

// Nop discards every record. Used where an audit trail is not wired up.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Record) error { return nil }
