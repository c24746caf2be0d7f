package sync

import "github.com/njoerd114/calrelay/internal/model"

// action describes what an incoming upsert does to the sink.
type action int

const (
	actionNone   action = iota
	actionCreate        // no sink record
	actionUpdate        // source strictly newer than sink
)

// Delta is the set of sink mutations for one pass.
type Delta struct {
	Creates []model.Event
	Updates []model.Event
	Deletes []string

	// Unchanged counts upserts that lost to an equal or newer sink record.
	Unchanged int
	// IgnoredDeletes counts deletions of IDs the sink never held.
	IgnoredDeletes int
}

// decide classifies an upsert. On equal timestamps the sink wins.
func decide(existing *model.Event, incoming *model.Event) action {
	switch {
	case existing == nil:
		return actionCreate
	case existing.LastModified.Before(incoming.LastModified):
		return actionUpdate
	default:
		return actionNone
	}
}

// normalizeChanges collapses duplicate upserts to the one with the newest
// LastModified (the later entry wins a tie), drops upserts whose ID is also
// deleted in the same change-set, and de-duplicates deletes. Order of first
// appearance is kept.
//
// A delete always wins over an upsert of the same ID, including when the sink
// has never held that ID: such an event is not created at all, so the sink
// matches the source's final state instead of briefly holding a cancelled
// event.
func normalizeChanges(upserts []model.Event, deletes []string) ([]model.Event, []string) {
	deleted := make(map[string]bool, len(deletes))
	uniqDeletes := make([]string, 0, len(deletes))
	for _, id := range deletes {
		if !deleted[id] {
			deleted[id] = true
			uniqDeletes = append(uniqDeletes, id)
		}
	}

	index := make(map[string]int, len(upserts))
	uniq := make([]model.Event, 0, len(upserts))
	for _, e := range upserts {
		if deleted[e.ID] {
			continue
		}
		if i, ok := index[e.ID]; ok {
			if !e.LastModified.Before(uniq[i].LastModified) {
				uniq[i] = e
			}
			continue
		}
		index[e.ID] = len(uniq)
		uniq = append(uniq, e)
	}
	return uniq, uniqDeletes
}

// touchedIDs returns upsert IDs followed by delete IDs, without repeats.
func touchedIDs(upserts []model.Event, deletes []string) []string {
	seen := make(map[string]bool, len(upserts)+len(deletes))
	ids := make([]string, 0, len(upserts)+len(deletes))
	for _, e := range upserts {
		if !seen[e.ID] {
			seen[e.ID] = true
			ids = append(ids, e.ID)
		}
	}
	for _, id := range deletes {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// computeDelta classifies normalised upserts and deletes against the sink
// records of the touched IDs.
func computeDelta(upserts []model.Event, deletes []string, existing []model.Event) Delta {
	byID := make(map[string]*model.Event, len(existing))
	for i := range existing {
		byID[existing[i].ID] = &existing[i]
	}

	var d Delta
	for i := range upserts {
		e := &upserts[i]
		switch decide(byID[e.ID], e) {
		case actionCreate:
			d.Creates = append(d.Creates, *e)
		case actionUpdate:
			d.Updates = append(d.Updates, *e)
		default:
			d.Unchanged++
		}
	}

	d.Deletes = make([]string, 0, len(deletes))
	for _, id := range deletes {
		if _, ok := byID[id]; ok {
			d.Deletes = append(d.Deletes, id)
		} else {
			d.IgnoredDeletes++
		}
	}
	return d
}
