package types

import (
	"time"
)

type AccountID string
type StatusID string
type JobID string

// Actor is a read-only view of an account as supplied by the identity store.
type Actor struct {
	ID             AccountID `json:"id"`
	URI            string    `json:"uri"`
	InboxURL       string    `json:"inbox_url"`
	SharedInboxURL string    `json:"shared_inbox_url,omitempty"`
	Local          bool      `json:"local"`
}

// PreferredInbox returns the shared inbox when the actor advertises one.
func (a Actor) PreferredInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

// KeyID is the signature keyId published for the actor.
func (a Actor) KeyID() string {
	return a.URI + "#main-key"
}

type Status struct {
	ID          StatusID `json:"id"`
	Account     Actor    `json:"account"`
	InReplyToID StatusID `json:"in_reply_to_id,omitempty"`
}

func (s Status) Local() bool {
	return s.Account.Local
}

func (s Status) IsReply() bool {
	return s.InReplyToID != ""
}

// Job is one unit of delivery work handed to a worker.
// An empty Inboxes list means the status reach is resolved at delivery time.
type Job struct {
	ID          JobID     `json:"id"`
	ActorURI    string    `json:"actor_uri"`
	Status      Status    `json:"status"`
	Inboxes     []string  `json:"inboxes,omitempty"`
	Payload     []byte    `json:"payload"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
}
