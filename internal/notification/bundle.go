package notification

import "sort"

// bundleKey identifies events that collapse into a single user-facing record.
type bundleKey struct {
	recipient string
	post      string
	kind      Kind
}

// Bundled is one merged record plus the positions of the input events it
// absorbed. Indexes[0] is the canonical event; the rest are superseded.
type Bundled struct {
	RecipientID    string
	PostID         string
	Kind           Kind
	ActorUsernames []string
	Content        string
	Indexes        []int
}

// Bundle groups events by (recipient, post, kind) and merges actor usernames
// as a set union. The result is stable regardless of input order: groups
// appear in first-seen order of the sorted key set, and actor names are
// sorted. No distinct actor is ever dropped.
func Bundle(events []Event) []Bundled {
	groups := make(map[bundleKey]*Bundled)
	var keys []bundleKey

	for i, ev := range events {
		key := bundleKey{recipient: ev.RecipientID, post: ev.PostID, kind: ev.Kind}
		b, ok := groups[key]
		if !ok {
			b = &Bundled{
				RecipientID: ev.RecipientID,
				PostID:      ev.PostID,
				Kind:        ev.Kind,
				Content:     ev.Content,
			}
			groups[key] = b
			keys = append(keys, key)
		}
		if ev.ActorUsername != "" && !containsString(b.ActorUsernames, ev.ActorUsername) {
			b.ActorUsernames = append(b.ActorUsernames, ev.ActorUsername)
		}
		if b.Content == "" {
			b.Content = ev.Content
		}
		b.Indexes = append(b.Indexes, i)
	}

	// Sort keys so output order does not depend on input permutation.
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.recipient != b.recipient {
			return a.recipient < b.recipient
		}
		if a.post != b.post {
			return a.post < b.post
		}
		return a.kind < b.kind
	})

	out := make([]Bundled, 0, len(keys))
	for _, key := range keys {
		b := groups[key]
		sort.Strings(b.ActorUsernames)
		out = append(out, *b)
	}
	return out
}

// Superseded returns the input positions that were folded into another
// event's record, i.e. every index except each group's first.
func Superseded(bundles []Bundled) []int {
	var out []int
	for _, b := range bundles {
		if len(b.Indexes) > 1 {
			out = append(out, b.Indexes[1:]...)
		}
	}
	sort.Ints(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
