// Package notification holds the domain model and service for the
// notification fan-out pipeline: producer events, queue entries, bundling,
// and the persisted notification record.
package notification

import (
	"fmt"
	"time"
)

// Kind classifies what happened to the recipient's content.
type Kind string

const (
	KindGeneral        Kind = "general"
	KindUpvotedPost    Kind = "upvoted_post"
	KindUpvotedComment Kind = "upvoted_comment"
	KindReplied        Kind = "replied"
	KindPosted         Kind = "posted"
	KindReposted       Kind = "re-posted"
)

// ValidKind reports whether k is one of the closed set of kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindGeneral, KindUpvotedPost, KindUpvotedComment, KindReplied, KindPosted, KindReposted:
		return true
	}
	return false
}

// Event is a producer-created "someone interacted with your content" event.
// Immutable once created.
type Event struct {
	RecipientID   string `json:"recipient_id"`
	PostID        string `json:"post_id,omitempty"`
	Kind          Kind   `json:"kind"`
	ActorUsername string `json:"actor_username"`
	Content       string `json:"content,omitempty"`
}

// Validate checks the fields a producer must fill in.
func (e Event) Validate() error {
	if e.RecipientID == "" {
		return fmt.Errorf("event missing recipient id")
	}
	if !ValidKind(e.Kind) {
		return fmt.Errorf("unknown notification kind %q", e.Kind)
	}
	return nil
}

// QueueEntry is an Event plus durable-log metadata. The log owns the entry;
// workers reference it by LogID and never mutate it in place.
type QueueEntry struct {
	LogID      string
	RetryCount int
	Event      Event
}

// Notification is the durable per-recipient record. Near-duplicate events
// collapse into one record per (recipient, post, kind) with the actor set
// merged.
type Notification struct {
	ID             string    `json:"id"`
	RecipientID    string    `json:"recipient_id"`
	PostID         string    `json:"post_id,omitempty"`
	Kind           Kind      `json:"kind"`
	ActorUsernames []string  `json:"actor_usernames"`
	Content        string    `json:"content,omitempty"`
	Seen           bool      `json:"seen"`
	CreatedAt      time.Time `json:"created_at"`
	Post           *PostRef  `json:"post,omitempty"`
}

// PostRef is the minimal slice of a referenced post joined into read results.
type PostRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
}
