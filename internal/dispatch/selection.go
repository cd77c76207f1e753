package dispatch

import (
	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/filter"
	"go.chandispatch.dev/internal/registry"
)

// SelectPossibleHandlers computes the ranked candidate handler list for a
// channel batch: a client's total score is the sum of its per-channel
// scores; if any channel scores 0 the client is disqualified for the whole
// batch. The caller (take_channels) is responsible for refusing the batch
// before a Context is created when this returns empty, so every Context
// that reaches the observer phase has a non-empty possible-handlers list.
func SelectPossibleHandlers(reg *registry.Registry, channels []*channel.Channel) []filter.Candidate {
	var candidates []filter.Candidate

	for _, c := range reg.Alive() {
		if !c.HasCapability(registry.CapHandler) {
			continue
		}

		total := 0
		disqualified := false
		for _, ch := range channels {
			score, ok := c.HandlerFilters.BestScore(ch.Properties)
			if !ok {
				disqualified = true
				break
			}
			total += score
		}
		if disqualified {
			continue
		}

		candidates = append(candidates, filter.Candidate{
			BusName:        c.BusName,
			Score:          total,
			BypassApproval: c.BypassApproval,
		})
	}

	return filter.SelectHandlers(candidates)
}

// matchingObservers returns, for each alive client with the Observer
// capability, the subset of channels its ObserverFilters matched. Every
// active client whose Observer filter matches at least one channel is
// invoked; clients matching none of the batch are omitted.
func matchingObservers(reg *registry.Registry, channels []*channel.Channel) map[string][]*channel.Channel {
	out := map[string][]*channel.Channel{}
	for _, c := range reg.Alive() {
		if !c.HasCapability(registry.CapObserver) {
			continue
		}
		var matched []*channel.Channel
		for _, ch := range channels {
			if _, ok := c.ObserverFilters.BestScore(ch.Properties); ok {
				matched = append(matched, ch)
			}
		}
		if len(matched) > 0 {
			out[c.BusName] = matched
		}
	}
	return out
}

// matchingApprovers returns the bus names of alive clients with the
// Approver capability whose ApproverFilters match at least one channel in
// the batch.
func matchingApprovers(reg *registry.Registry, channels []*channel.Channel) []string {
	var out []string
	for _, c := range reg.Alive() {
		if !c.HasCapability(registry.CapApprover) {
			continue
		}
		for _, ch := range channels {
			if _, ok := c.ApproverFilters.BestScore(ch.Properties); ok {
				out = append(out, c.BusName)
				break
			}
		}
	}
	return out
}
