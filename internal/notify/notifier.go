package notify

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/queue"
)

// SnapshotSource reads the committed queue state; satisfied by the queue
// repository.
type SnapshotSource interface {
	Snapshot(ctx context.Context, date string, recentLimit int) (*queue.Snapshot, error)
}

// Broker carries updates between processes; satisfied by the Redis bridge.
type Broker interface {
	PublishQueueUpdate(ctx context.Context, u QueueUpdate) error
}

// Notifier implements queue.Notifier: after every committed mutation it
// re-reads the snapshot, recomputes positions, and pushes the result to all
// observers. When a broker is configured, delivery goes through it so every
// instance's hub (including this one's) receives the update.
type Notifier struct {
	src               SnapshotSource
	hub               *Hub
	broker            Broker
	avgServiceMinutes int
	recentLimit       int
	log               zerolog.Logger
}

func NewNotifier(src SnapshotSource, hub *Hub, broker Broker, avgServiceMinutes, recentLimit int, log zerolog.Logger) *Notifier {
	return &Notifier{
		src:               src,
		hub:               hub,
		broker:            broker,
		avgServiceMinutes: avgServiceMinutes,
		recentLimit:       recentLimit,
		log:               log,
	}
}

// QueueChanged re-derives and publishes the day snapshot. The snapshot is
// read after the commit, so it may already be newer than the version that
// triggered it; the hub's version gate makes that harmless.
func (n *Notifier) QueueChanged(ctx context.Context, date string, version int64) {
	snap, err := n.src.Snapshot(ctx, date, n.recentLimit)
	if err != nil {
		n.log.Warn().Err(err).Str("date", date).Msg("failed to load snapshot for notification")
		return
	}

	u := BuildQueueUpdate(snap, n.avgServiceMinutes)

	if n.broker != nil {
		if err := n.broker.PublishQueueUpdate(ctx, u); err != nil {
			n.log.Warn().Err(err).Str("date", date).Msg("broker publish failed, delivering locally")
			n.Dispatch(u)
		}
		return
	}

	n.Dispatch(u)
}

// Dispatch fans one update out to the hub: the whole-queue topic plus one
// per-appointment projection for every patient in the snapshot.
func (n *Notifier) Dispatch(u QueueUpdate) {
	payload, err := json.Marshal(u)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to marshal queue update")
		return
	}
	n.hub.Broadcast(TopicQueue(u.Date), u.Version, payload)

	for _, pu := range PatientUpdates(u) {
		data, err := json.Marshal(pu)
		if err != nil {
			continue
		}
		n.hub.Broadcast(TopicAppointment(pu.AppointmentID), pu.Version, data)
	}
}

// CurrentUpdate builds the latest snapshot for a newly attached observer.
func (n *Notifier) CurrentUpdate(ctx context.Context, date string) (QueueUpdate, error) {
	snap, err := n.src.Snapshot(ctx, date, n.recentLimit)
	if err != nil {
		return QueueUpdate{}, err
	}
	return BuildQueueUpdate(snap, n.avgServiceMinutes), nil
}

// Hub exposes the hub for subscription handlers.
func (n *Notifier) Hub() *Hub {
	return n.hub
}
