package federation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"outbox/pkg/storage"
)

// AllHosts is the pseudo-host holding counters aggregated over every host.
const AllHosts = "*"

const (
	DefaultStatsRetention = 28 * 24 * time.Hour
	maxHistoryHours       = 24 * 90
)

// HourlyHistory is the delivery activity of one clock hour.
type HourlyHistory struct {
	HourStart time.Time `json:"hour_start"`
	Success   int64     `json:"success"`
	Failure   int64     `json:"failure"`
}

// StatsTracker keeps per-host hourly delivery counters. It is purely observational.
type StatsTracker struct {
	store     storage.KeyedStore
	retention time.Duration
	clock     clock.Clock
	logger    *zap.Logger
}

type StatsTrackerOptions struct {
	Retention time.Duration
	Clock     clock.Clock
}

func NewStatsTracker(store storage.KeyedStore, opts StatsTrackerOptions, logger *zap.Logger) *StatsTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultStatsRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &StatsTracker{
		store:     store,
		retention: opts.Retention,
		clock:     opts.Clock,
		logger:    logger,
	}
}

func statsKey(host string, hour time.Time, kind string) string {
	return "stats:" + host + ":" + strconv.FormatInt(hour.Unix(), 10) + ":" + kind
}

func (st *StatsTracker) TrackSuccess(ctx context.Context, host string) error {
	return st.track(ctx, host, "success")
}

func (st *StatsTracker) TrackFailure(ctx context.Context, host string) error {
	return st.track(ctx, host, "failure")
}

func (st *StatsTracker) track(ctx context.Context, host, kind string) error {
	hour := st.clock.Now().UTC().Truncate(time.Hour)
	host = strings.ToLower(host)

	for _, h := range []string{host, AllHosts} {
		if _, err := st.store.Incr(ctx, statsKey(h, hour, kind), st.retention); err != nil {
			return fmt.Errorf("failed to record %s for %s: %w", kind, host, err)
		}
	}
	return nil
}

// HourlyDeliveryHistories returns activity over all hosts, one record per hour
// between from and to inclusive.
func (st *StatsTracker) HourlyDeliveryHistories(ctx context.Context, from, to time.Time) ([]HourlyHistory, error) {
	return st.HostDeliveryHistories(ctx, AllHosts, from, to)
}

// HostDeliveryHistories returns one record per hour for host, zero-filled.
func (st *StatsTracker) HostDeliveryHistories(ctx context.Context, host string, from, to time.Time) ([]HourlyHistory, error) {
	start := from.UTC().Truncate(time.Hour)
	end := to.UTC().Truncate(time.Hour)
	if end.Before(start) {
		return nil, nil
	}
	hours := int(end.Sub(start)/time.Hour) + 1
	if hours > maxHistoryHours {
		return nil, fmt.Errorf("history range of %d hours exceeds limit of %d", hours, maxHistoryHours)
	}

	host = strings.ToLower(host)
	keys := make([]string, 0, hours*2)
	histories := make([]HourlyHistory, hours)
	for i := range histories {
		hour := start.Add(time.Duration(i) * time.Hour)
		histories[i].HourStart = hour
		keys = append(keys, statsKey(host, hour, "success"), statsKey(host, hour, "failure"))
	}

	values, err := st.store.Counters(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery stats for %s: %w", host, err)
	}
	for i := range histories {
		histories[i].Success = values[2*i]
		histories[i].Failure = values[2*i+1]
	}
	return histories, nil
}
