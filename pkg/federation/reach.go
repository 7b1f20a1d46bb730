package federation

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"outbox/pkg/storage"
	"outbox/pkg/types"
)

// RelationshipReader is the read side of the account and relationship store.
type RelationshipReader interface {
	Status(ctx context.Context, id types.StatusID) (*types.Status, error)
	Followers(ctx context.Context, account types.AccountID) ([]types.Actor, error)
	Mentions(ctx context.Context, status types.StatusID) ([]types.Actor, error)
	Rebloggers(ctx context.Context, status types.StatusID) ([]types.Actor, error)
	Favouriters(ctx context.Context, status types.StatusID) ([]types.Actor, error)
	Repliers(ctx context.Context, status types.StatusID) ([]types.Actor, error)
}

// ReachTarget is the set of inbox URLs an event is delivered to.
type ReachTarget map[string]struct{}

func (r ReachTarget) Add(inbox string) {
	if inbox != "" {
		r[inbox] = struct{}{}
	}
}

func (r ReachTarget) Contains(inbox string) bool {
	_, ok := r[inbox]
	return ok
}

func (r ReachTarget) Len() int {
	return len(r)
}

// Sorted returns the inboxes in lexical order.
func (r ReachTarget) Sorted() []string {
	out := make([]string, 0, len(r))
	for inbox := range r {
		out = append(out, inbox)
	}
	sort.Strings(out)
	return out
}

// ReachResolver computes which remote inboxes must receive a status.
type ReachResolver struct {
	relationships RelationshipReader
	logger        *zap.Logger
}

func NewReachResolver(relationships RelationshipReader, logger *zap.Logger) *ReachResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReachResolver{
		relationships: relationships,
		logger:        logger,
	}
}

// Resolve never fails: missing relationship data only narrows the result.
//
// A local status reaches the author's followers, its mentions and, for a reply,
// the parent's author, rebloggers, mentions and repliers. A remote status reaches
// its own mentions, rebloggers and favouriters; when it replies to a local status
// the parent author's followers and the parent's rebloggers and mentions are added.
// Replies between remote statuses are not expanded through the parent.
func (rr *ReachResolver) Resolve(ctx context.Context, status types.Status) ReachTarget {
	target := make(ReachTarget)
	c := &reachCollector{rr: rr, status: status.ID, target: target}

	parent := rr.parent(ctx, status)

	if status.Local() {
		c.from("followers")(rr.relationships.Followers(ctx, status.Account.ID))
		c.from("mentions")(rr.relationships.Mentions(ctx, status.ID))
		if parent != nil {
			c.actor(parent.Account)
			c.from("parent rebloggers")(rr.relationships.Rebloggers(ctx, parent.ID))
			c.from("parent mentions")(rr.relationships.Mentions(ctx, parent.ID))
			c.from("parent repliers")(rr.relationships.Repliers(ctx, parent.ID))
		}
	} else {
		c.from("mentions")(rr.relationships.Mentions(ctx, status.ID))
		c.from("rebloggers")(rr.relationships.Rebloggers(ctx, status.ID))
		c.from("favouriters")(rr.relationships.Favouriters(ctx, status.ID))
		if parent != nil && parent.Local() {
			c.from("parent author followers")(rr.relationships.Followers(ctx, parent.Account.ID))
			c.from("parent rebloggers")(rr.relationships.Rebloggers(ctx, parent.ID))
			c.from("parent mentions")(rr.relationships.Mentions(ctx, parent.ID))
		}
	}

	delete(target, status.Account.InboxURL)
	delete(target, status.Account.PreferredInbox())

	rr.logger.Debug("Resolved reach",
		zap.String("status", string(status.ID)),
		zap.Bool("local", status.Local()),
		zap.Int("inboxes", target.Len()))
	return target
}

func (rr *ReachResolver) parent(ctx context.Context, status types.Status) *types.Status {
	if !status.IsReply() {
		return nil
	}
	parent, err := rr.relationships.Status(ctx, status.InReplyToID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			rr.logger.Warn("Failed to load parent status",
				zap.String("status", string(status.ID)),
				zap.String("parent", string(status.InReplyToID)),
				zap.Error(err))
		}
		return nil
	}
	return parent
}

type reachCollector struct {
	rr     *ReachResolver
	status types.StatusID
	target ReachTarget
}

// from returns a sink for one relationship lookup. Lookup errors are logged and
// contribute nothing.
func (c *reachCollector) from(source string) func([]types.Actor, error) {
	return func(actors []types.Actor, err error) {
		if err != nil {
			c.rr.logger.Warn("Failed to load relationship",
				zap.String("status", string(c.status)),
				zap.String("source", source),
				zap.Error(err))
			return
		}
		for _, a := range actors {
			c.actor(a)
		}
	}
}

// actor adds the preferred inbox of a remote actor. Local accounts are delivered
// to in-process and have no remote inbox.
func (c *reachCollector) actor(a types.Actor) {
	if a.Local {
		return
	}
	c.target.Add(a.PreferredInbox())
}
