package kdbxmerge

import "sort"

// sortedHistoryAsc returns a copy of history sorted ascending by
// LastModificationTime, leaving the original slice untouched. History is
// normally already maintained in this order by insertHistorySorted, but
// callers here can't assume that about a tree built by hand or by the v3
// converter.
func sortedHistoryAsc(history []*Entry) []*Entry {
	out := append([]*Entry{}, history...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Times.LastModificationTime.Before(out[j].Times.LastModificationTime)
	})
	return out
}

// findCommonAncestor walks both entries' histories plus their live state
// from earliest to latest looking for the deepest shared tail (equal
// LastModificationTime at every step up to that point). If the earliest
// items don't even match, the ancestor is ambiguous and the caller must
// fall back to a 2-way merge.
func findCommonAncestor(dest, src *Entry) (ancestor *Entry, ambiguous bool) {
	destSeq := append(sortedHistoryAsc(dest.History), dest)
	srcSeq := append(sortedHistoryAsc(src.History), src)

	if len(destSeq) == 0 || len(srcSeq) == 0 {
		return nil, true
	}
	if !destSeq[0].Times.LastModificationTime.Equal(srcSeq[0].Times.LastModificationTime) {
		return nil, true
	}

	ancestor = destSeq[0]
	for i := 1; i < len(destSeq) && i < len(srcSeq); i++ {
		if !destSeq[i].Times.LastModificationTime.Equal(srcSeq[i].Times.LastModificationTime) {
			break
		}
		ancestor = destSeq[i]
	}
	return ancestor, false
}

// mergeHistories stitches src's history into dest's, keeping dest's own
// items whenever timestamps coincide and inserting everything src has
// that dest doesn't, preserving ascending order. Items newer than the
// entry's own (post-merge) LastModificationTime are dropped: a history
// list never outruns the value it's the history of.
func mergeHistories(dest, src *Entry, result *MergeResult) {
	if len(src.History) == 0 {
		return
	}

	destSorted := sortedHistoryAsc(dest.History)
	srcSorted := sortedHistoryAsc(src.History)
	merged := make([]*Entry, 0, len(destSorted)+len(srcSorted))

	i, j := 0, 0
	for i < len(destSorted) || j < len(srcSorted) {
		switch {
		case i >= len(destSorted):
			merged = append(merged, srcSorted[j])
			result.record(Operation{Kind: OpAddHistory, UUID: dest.UUID, Path: getPwPath(dest), NewValue: srcSorted[j].Times.LastModificationTime.String()})
			j++
		case j >= len(srcSorted):
			merged = append(merged, destSorted[i])
			i++
		default:
			dt := destSorted[i].Times.LastModificationTime
			st := srcSorted[j].Times.LastModificationTime
			switch {
			case dt.Equal(st):
				merged = append(merged, destSorted[i])
				i++
				j++
			case dt.Before(st):
				merged = append(merged, destSorted[i])
				i++
			default:
				merged = append(merged, srcSorted[j])
				result.record(Operation{Kind: OpAddHistory, UUID: dest.UUID, Path: getPwPath(dest), NewValue: srcSorted[j].Times.LastModificationTime.String()})
				j++
			}
		}
	}

	filtered := merged[:0]
	for _, h := range merged {
		if h.Times.LastModificationTime.After(dest.Times.LastModificationTime) {
			continue
		}
		filtered = append(filtered, h)
	}
	dest.History = filtered
}
