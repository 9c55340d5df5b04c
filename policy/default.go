package policy

import "sort"

// Default is a deterministic FIFO-by-load-tick policy: prefer evicting
// clean objects with the oldest load tick; if that is insufficient, fall
// back to synchronizing dirty objects, oldest first. Ties on load tick
// break on ascending ObjectId so the plan is fully deterministic.
type Default struct{}

// NewDefault constructs the reference policy. It is stateless; all state
// needed for the decision is passed in on every call.
func NewDefault() *Default { return &Default{} }

func (Default) ChooseVictims(resident []ResidentInfo, requiredFreeBytes, requiredDirtyHeadroom uint32) []ObjectId {
	candidates := make([]ResidentInfo, 0, len(resident))
	for _, r := range resident {
		if r.Pinned || r.Locked {
			continue
		}
		candidates = append(candidates, r)
	}

	clean := filterSorted(candidates, false)
	dirty := filterSorted(candidates, true)

	var plan []ObjectId
	var freed, headroom uint32

	for _, r := range clean {
		if freed >= requiredFreeBytes && headroom >= requiredDirtyHeadroom {
			break
		}
		plan = append(plan, r.ID)
		freed += r.Size
	}
	for _, r := range dirty {
		if freed >= requiredFreeBytes && headroom >= requiredDirtyHeadroom {
			break
		}
		plan = append(plan, r.ID)
		freed += r.Size
		headroom += r.Size
	}
	return plan
}

func filterSorted(in []ResidentInfo, dirty bool) []ResidentInfo {
	out := make([]ResidentInfo, 0, len(in))
	for _, r := range in {
		if r.Dirty == dirty {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoadTick != out[j].LoadTick {
			return out[i].LoadTick < out[j].LoadTick
		}
		return out[i].ID < out[j].ID
	})
	return out
}
