package federation

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"outbox/pkg/storage"
	"outbox/pkg/types"
)

// DefaultFailureThreshold is the number of distinct failing days after which an
// inbox is considered unavailable.
const DefaultFailureThreshold = 7

const (
	unavailableInboxesKey = "unavailable_inboxes"
	dayBucketLayout       = "20060102"
	// Streak sets expire when an inbox has not failed for this long.
	failureBucketTTL = 30 * 24 * time.Hour
)

// FailureTracker is the per-inbox circuit breaker. Each failing UTC calendar day is
// recorded once; when the number of recorded days reaches the threshold the inbox
// is marked unavailable and filtered out of future broadcasts. Any success clears
// both the streak and the flag.
type FailureTracker struct {
	store     storage.KeyedStore
	threshold int64
	clock     clock.Clock
	metrics   *DeliveryMetrics
	logger    *zap.Logger
}

type FailureTrackerOptions struct {
	Threshold int
	Clock     clock.Clock
	Metrics   *DeliveryMetrics
}

func NewFailureTracker(store storage.KeyedStore, opts FailureTrackerOptions, logger *zap.Logger) *FailureTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultFailureThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &FailureTracker{
		store:     store,
		threshold: int64(opts.Threshold),
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

func failuresKey(inbox string) string {
	return "failures:" + inbox
}

// TrackFailure records today as a failing day for inbox.
func (ft *FailureTracker) TrackFailure(ctx context.Context, inbox string) error {
	today := ft.clock.Now().UTC().Format(dayBucketLayout)
	days, err := ft.store.SetAdd(ctx, failuresKey(inbox), today, failureBucketTTL)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", inbox, err)
	}
	if days < ft.threshold {
		return nil
	}

	tripped, err := ft.store.SetInsert(ctx, unavailableInboxesKey, inbox)
	if err != nil {
		return fmt.Errorf("failed to mark %s unavailable: %w", inbox, err)
	}
	if !tripped {
		return nil
	}
	ft.metrics.breakerTripped()
	ft.logger.Info("Inbox marked unavailable",
		zap.String("inbox", inbox),
		zap.Int64("failing_days", days))
	return nil
}

// TrackActorFailure records a failure against the actor's inbox and, when it has
// one, its shared inbox.
func (ft *FailureTracker) TrackActorFailure(ctx context.Context, actor types.Actor) error {
	for _, inbox := range actorInboxes(actor) {
		if err := ft.TrackFailure(ctx, inbox); err != nil {
			return err
		}
	}
	return nil
}

// TrackSuccess resets the streak for inbox and makes it available again.
func (ft *FailureTracker) TrackSuccess(ctx context.Context, inbox string) error {
	wasUnavailable, err := ft.store.SetIsMember(ctx, unavailableInboxesKey, inbox)
	if err != nil {
		return fmt.Errorf("failed to read availability of %s: %w", inbox, err)
	}
	if err := ft.store.Delete(ctx, failuresKey(inbox)); err != nil {
		return fmt.Errorf("failed to clear failures for %s: %w", inbox, err)
	}
	if !wasUnavailable {
		return nil
	}
	if err := ft.store.SetRemove(ctx, unavailableInboxesKey, inbox); err != nil {
		return fmt.Errorf("failed to mark %s available: %w", inbox, err)
	}
	ft.metrics.breakerReset()
	ft.logger.Info("Inbox available again", zap.String("inbox", inbox))
	return nil
}

// TrackInverseSuccess is called when an authenticated request arrives from actor:
// a server that can reach us is assumed reachable, so both of its inboxes reset.
func (ft *FailureTracker) TrackInverseSuccess(ctx context.Context, actor types.Actor) error {
	for _, inbox := range actorInboxes(actor) {
		if err := ft.TrackSuccess(ctx, inbox); err != nil {
			return err
		}
	}
	return nil
}

// Reset is the operator-facing form of TrackSuccess.
func (ft *FailureTracker) Reset(ctx context.Context, inbox string) error {
	ft.logger.Info("Resetting inbox health", zap.String("inbox", inbox))
	return ft.TrackSuccess(ctx, inbox)
}

func (ft *FailureTracker) Available(ctx context.Context, inbox string) (bool, error) {
	unavailable, err := ft.Unavailable(ctx, inbox)
	return !unavailable, err
}

func (ft *FailureTracker) Unavailable(ctx context.Context, inbox string) (bool, error) {
	unavailable, err := ft.store.SetIsMember(ctx, unavailableInboxesKey, inbox)
	if err != nil {
		return false, fmt.Errorf("failed to read availability of %s: %w", inbox, err)
	}
	return unavailable, nil
}

// Days returns the number of distinct failing days recorded since the last success.
func (ft *FailureTracker) Days(ctx context.Context, inbox string) (int, error) {
	n, err := ft.store.SetCard(ctx, failuresKey(inbox))
	if err != nil {
		return 0, fmt.Errorf("failed to read failures for %s: %w", inbox, err)
	}
	return int(n), nil
}

// Filter drops every unavailable inbox, keeping the order of the rest.
func (ft *FailureTracker) Filter(ctx context.Context, inboxes []string) ([]string, error) {
	if len(inboxes) == 0 {
		return nil, nil
	}
	members, err := ft.store.SetMembers(ctx, unavailableInboxesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list unavailable inboxes: %w", err)
	}
	if len(members) == 0 {
		return inboxes, nil
	}

	unavailable := make(map[string]struct{}, len(members))
	for _, m := range members {
		unavailable[m] = struct{}{}
	}
	available := make([]string, 0, len(inboxes))
	for _, inbox := range inboxes {
		if _, skip := unavailable[inbox]; !skip {
			available = append(available, inbox)
		}
	}
	return available, nil
}

// UnavailableInboxes lists every inbox currently marked unavailable.
func (ft *FailureTracker) UnavailableInboxes(ctx context.Context) ([]string, error) {
	members, err := ft.store.SetMembers(ctx, unavailableInboxesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list unavailable inboxes: %w", err)
	}
	return members, nil
}

func actorInboxes(actor types.Actor) []string {
	var inboxes []string
	if actor.InboxURL != "" {
		inboxes = append(inboxes, actor.InboxURL)
	}
	if actor.SharedInboxURL != "" && actor.SharedInboxURL != actor.InboxURL {
		inboxes = append(inboxes, actor.SharedInboxURL)
	}
	return inboxes
}
