package store

import "sort"

// ApplyFilter narrows, orders and pages an in-memory record set according to
// the filter, dropping records whose expiry has passed. Backends that cannot
// push the full filter into their store use this so every implementation
// pages identically.
func ApplyFilter(recs []Record, filter RecordFilter, nowMillis int64) *RecordPage {
	var wantIDs map[string]bool
	if len(filter.IDs) > 0 {
		wantIDs = make(map[string]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			wantIDs[id] = true
		}
	}

	kept := recs[:0:0]
	for _, rec := range recs {
		if rec.Expiry <= nowMillis {
			continue
		}
		if wantIDs != nil && !wantIDs[rec.ID] {
			continue
		}
		if filter.Newer != nil && rec.Modified <= *filter.Newer {
			continue
		}
		if filter.Older != nil && rec.Modified >= *filter.Older {
			continue
		}
		kept = append(kept, rec)
	}

	switch filter.Sort {
	case SortIndex:
		sort.SliceStable(kept, func(i, j int) bool {
			a, b := sortIndexOf(kept[i]), sortIndexOf(kept[j])
			if a != b {
				return a > b
			}
			return kept[i].ID < kept[j].ID
		})
	case SortNewest:
		sort.SliceStable(kept, func(i, j int) bool {
			if kept[i].Modified != kept[j].Modified {
				return kept[i].Modified > kept[j].Modified
			}
			return kept[i].ID < kept[j].ID
		})
	default:
		sort.SliceStable(kept, func(i, j int) bool {
			if kept[i].Modified != kept[j].Modified {
				return kept[i].Modified < kept[j].Modified
			}
			return kept[i].ID < kept[j].ID
		})
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(kept) {
			kept = nil
		} else {
			kept = kept[filter.Offset:]
		}
	}
	page := &RecordPage{Records: kept}
	if filter.Limit > 0 && len(kept) > filter.Limit {
		page.Records = kept[:filter.Limit]
		page.More = true
		page.NextOffset = filter.Offset + filter.Limit
	}
	return page
}

// Records without a sort index order after every indexed record.
const minSortIndex = int64(-1) << 32

func sortIndexOf(r Record) int64 {
	if r.SortIndex == nil {
		return minSortIndex
	}
	return int64(*r.SortIndex)
}
