package federation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"outbox/pkg/storage"
	"outbox/pkg/types"
)

type coordinatorFixture struct {
	coordinator *Coordinator
	failures    *FailureTracker
	stats       *StatsTracker
	metrics     *DeliveryMetrics
	clock       *clock.Mock
	rel         *fakeRelationships

	mu   sync.Mutex
	hits map[string]int
}

func (f *coordinatorFixture) hit(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[path]++
}

func (f *coordinatorFixture) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{hits: make(map[string]int)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hit(r.Host + r.URL.Path)
		switch r.Host {
		case "gone.example":
			w.WriteHeader(http.StatusGone)
		case "broken.example":
			w.WriteHeader(http.StatusInternalServerError)
		case "busy.example":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	t.Cleanup(srv.Close)

	n := newTestNet()
	for i, host := range []string{"ok.example", "other.example", "gone.example", "broken.example", "busy.example", "tripped.example"} {
		n.host(host, fmt.Sprintf("93.184.216.%d", i+1), srv)
	}
	n.resolver.addrs["private.example"] = []string{"192.168.1.10"}

	f.clock = clock.NewMock()
	f.clock.Set(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	f.metrics = NewDeliveryMetrics(prometheus.NewRegistry())
	store := storage.NewMemoryStore(f.clock)
	f.failures = NewFailureTracker(store, FailureTrackerOptions{Clock: f.clock, Metrics: f.metrics}, nil)
	f.stats = NewStatsTracker(store, StatsTrackerOptions{Clock: f.clock}, nil)
	f.rel = newFakeRelationships()

	signer := newTestSigner(t, nil)
	tr := n.transport(t, f.metrics, 0)
	f.coordinator = NewCoordinator(NewReachResolver(f.rel, nil), f.failures, f.stats, signer, tr,
		CoordinatorOptions{Concurrency: 4, Metrics: f.metrics}, zap.NewNop())
	return f
}

func TestCoordinator_DeliverToClassifiesOutcomes(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	tripped := "http://tripped.example/inbox"
	for i := 0; i < DefaultFailureThreshold; i++ {
		require.NoError(t, f.failures.TrackFailure(ctx, tripped))
		f.clock.Add(24 * time.Hour)
	}

	inboxes := []string{
		"http://ok.example/inbox",
		"http://gone.example/inbox",
		"http://broken.example/inbox",
		"http://busy.example/inbox",
		"http://private.example/inbox",
		"http://nowhere.example/inbox",
		tripped,
	}
	d := Delivery{ActorURI: testActorURI, Payload: []byte(`{"type":"Create"}`)}

	results, err := f.coordinator.DeliverTo(ctx, d, inboxes)
	require.Len(t, results, len(inboxes))

	want := []Outcome{
		OutcomeDelivered,
		OutcomeRejected,
		OutcomeFailed,
		OutcomeFailed,
		OutcomeFailed,
		OutcomeFailed,
		OutcomeSkipped,
	}
	for i, r := range results {
		assert.Equal(t, inboxes[i], r.Inbox)
		assert.Equal(t, want[i], r.Outcome, "outcome for %s", r.Inbox)
	}
	assert.Equal(t, http.StatusGone, results[1].StatusCode)
	assert.False(t, IsRetryable(results[1].Err))
	assert.True(t, IsRetryable(results[2].Err))
	assert.True(t, IsRetryable(results[3].Err))
	assert.False(t, IsRetryable(results[4].Err))
	assert.ErrorIs(t, results[4].Err, ErrSSRFBlocked)
	assert.Len(t, multierr.Errors(err), 5)

	assert.Equal(t, 0, f.hitCount("tripped.example/inbox"))
	assert.Equal(t, 1, f.hitCount("ok.example/inbox"))

	days := func(inbox string) int {
		n, err := f.failures.Days(ctx, inbox)
		require.NoError(t, err)
		return n
	}
	assert.Equal(t, 0, days("http://ok.example/inbox"))
	assert.Equal(t, 0, days("http://gone.example/inbox"))
	assert.Equal(t, 1, days("http://broken.example/inbox"))
	assert.Equal(t, 1, days("http://busy.example/inbox"))
	assert.Equal(t, 1, days("http://private.example/inbox"))
	assert.Equal(t, 1, days("http://nowhere.example/inbox"))

	now := f.clock.Now()
	okStats, err := f.stats.HostDeliveryHistories(ctx, "ok.example", now, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), okStats[0].Success)
	all, err := f.stats.HourlyDeliveryHistories(ctx, now, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), all[0].Success)
	assert.Equal(t, int64(5), all[0].Failure)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("failed")))
}

func TestCoordinator_SuccessClearsBreaker(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	inbox := "http://ok.example/inbox"

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		require.NoError(t, f.failures.TrackFailure(ctx, inbox))
		f.clock.Add(24 * time.Hour)
	}

	results, err := f.coordinator.DeliverTo(ctx, Delivery{ActorURI: testActorURI, Payload: []byte("{}")}, []string{inbox})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, results[0].Outcome)

	days, err := f.failures.Days(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, 0, days)
}

func TestCoordinator_RejectionClearsBreaker(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	inbox := "http://gone.example/inbox"

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		require.NoError(t, f.failures.TrackFailure(ctx, inbox))
		f.clock.Add(24 * time.Hour)
	}

	results, err := f.coordinator.DeliverTo(ctx, Delivery{ActorURI: testActorURI, Payload: []byte("{}")}, []string{inbox})
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, results[0].Outcome)

	days, err := f.failures.Days(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, 0, days)

	now := f.clock.Now()
	stats, err := f.stats.HostDeliveryHistories(ctx, "gone.example", now, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[0].Failure)
}

func TestCoordinator_MissingKeyDoesNotPenalizeInbox(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	inbox := "http://ok.example/inbox"

	results, err := f.coordinator.DeliverTo(ctx, Delivery{ActorURI: "https://local.example/users/ghost"}, []string{inbox})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	var validation *ValidationError
	assert.ErrorAs(t, results[0].Err, &validation)

	days, err := f.failures.Days(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, 0, days)
	assert.Equal(t, 0, f.hitCount("ok.example/inbox"))
}

func TestCoordinator_Broadcast(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	author := localActor("alice")
	status := types.Status{ID: "42", Account: author}
	shared := func(name string) types.Actor {
		return types.Actor{
			ID:             types.AccountID(name),
			URI:            "http://ok.example/users/" + name,
			InboxURL:       "http://ok.example/users/" + name + "/inbox",
			SharedInboxURL: "http://ok.example/inbox",
		}
	}
	other := types.Actor{ID: "o", URI: "http://other.example/users/o", InboxURL: "http://other.example/users/o/inbox"}
	f.rel.followers[author.ID] = []types.Actor{shared("a"), shared("b"), other}
	f.rel.mentions[status.ID] = []types.Actor{shared("c")}

	results, err := f.coordinator.Broadcast(ctx, Delivery{ActorURI: testActorURI, Status: status, Payload: []byte("{}")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "http://ok.example/inbox", results[0].Inbox)
	assert.Equal(t, "http://other.example/users/o/inbox", results[1].Inbox)

	assert.Equal(t, 1, f.hitCount("ok.example/inbox"))
	assert.Equal(t, 1, f.hitCount("other.example/users/o/inbox"))
}

func TestCoordinator_EmptyReach(t *testing.T) {
	f := newCoordinatorFixture(t)

	results, err := f.coordinator.Broadcast(context.Background(), Delivery{
		ActorURI: testActorURI,
		Status:   types.Status{ID: "1", Account: localActor("alice")},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", OutcomeDelivered.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
