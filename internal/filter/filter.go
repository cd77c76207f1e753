// Package filter implements the Filter Matcher: scoring a client's declared
// filter entries against a channel's properties.
package filter

import (
	"sort"

	"go.chandispatch.dev/internal/channel"
)

// Filter is one named set of property matchers, e.g. one Observer filter or
// one Handler filter belonging to a client. An empty Filter matches every
// channel (score 1); each additional entry both narrows the match and
// raises the score on success.
type Filter struct {
	Entries channel.PropertyMap
}

// Match reports whether every entry in f matches the corresponding property
// on props, and if so the quality score: len(Entries) + 1. A filter with a
// property name absent from props never matches (score 0, ok false).
func (f Filter) Match(props channel.PropertyMap) (score int, ok bool) {
	for name, want := range f.Entries {
		got, present := props[name]
		if !present || !got.Equal(want) {
			return 0, false
		}
	}
	return len(f.Entries) + 1, true
}

// ClientFilters is the ordered filter list one client has declared for one
// capability (Observer, Approver or Handler). A client's score against a
// channel is the best of its own filters, never their sum.
type ClientFilters []Filter

// BestScore returns the highest score among fs's filters that match props,
// and whether any filter matched at all.
func (fs ClientFilters) BestScore(props channel.PropertyMap) (best int, matched bool) {
	for _, f := range fs {
		if score, ok := f.Match(props); ok && score > best {
			best = score
			matched = true
		}
	}
	return best, matched
}

// Candidate is one client in contention for a dispatch role, carrying the
// score it achieved and its bypass-approval flag.
type Candidate struct {
	BusName        string
	Score          int
	BypassApproval bool
}

// SelectHandlers orders candidate handlers for one channel: clients that
// bypass approval sort before those that don't, and within each group
// higher score sorts first. Candidates that did not match (Score == 0 with
// no matching filter) must be excluded by the caller before calling this —
// SelectHandlers only orders, it does not disqualify.
func SelectHandlers(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BypassApproval != out[j].BypassApproval {
			return out[i].BypassApproval
		}
		return out[i].Score > out[j].Score
	})
	return out
}
