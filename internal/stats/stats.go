package stats

import (
	"context"
	"time"

	"duet/pkg/logger"
)

// Snapshot is a point-in-time view of relay load
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	Sessions      int       `json:"sessions" bson:"sessions"`
	Waiting       int       `json:"waiting" bson:"waiting"`
	PairRooms     int       `json:"pairRooms" bson:"pair_rooms"`
	GroupRooms    int       `json:"groupRooms" bson:"group_rooms"`
	GroupMembers  int       `json:"groupMembers" bson:"group_members"`
	EventsRelayed uint64    `json:"eventsRelayed" bson:"events_relayed"`
	Uptime        string    `json:"uptime" bson:"uptime"`
}

// Recorder persists snapshots
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
	Close(ctx context.Context) error
}

// NopRecorder discards snapshots
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Snapshot) error { return nil }
func (NopRecorder) Close(context.Context) error            { return nil }

// Source produces the current snapshot
type Source func(ctx context.Context) (Snapshot, error)

// Reporter periodically records snapshots taken from a Source
type Reporter struct {
	source   Source
	recorder Recorder
	interval time.Duration
	timeout  time.Duration
}

func NewReporter(source Source, recorder Recorder, interval time.Duration) *Reporter {
	return &Reporter{
		source:   source,
		recorder: recorder,
		interval: interval,
		timeout:  5 * time.Second,
	}
}

// Run records a snapshot every interval until ctx is cancelled
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick takes and records one snapshot. Failures are logged; the relay keeps running.
func (r *Reporter) Tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	snap, err := r.source(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to take relay statistics snapshot")
		return
	}
	if err := r.recorder.Record(ctx, snap); err != nil {
		logger.WithError(err).Error("Failed to store relay statistics")
		return
	}
	logger.LogPerformance("stats_record", time.Since(start), map[string]interface{}{
		"sessions": snap.Sessions,
		"waiting":  snap.Waiting,
	})
}
