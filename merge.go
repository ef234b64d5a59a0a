package kdbxmerge

import (
	"time"

	"github.com/google/uuid"
	"gopkg.in/gholt/brimtime.v1"
)

// Mode selects how aggressively Merge reconciles two trees, per the three
// documented strategies.
type Mode int

const (
	// ModeOverwriteIfNewer does a plain entry-level last-write-wins merge.
	// No moves, no tombstone application.
	ModeOverwriteIfNewer Mode = iota
	// ModeSynchronize adds location-change tracking, DeletedObjects
	// merging, and bidirectional history stitching. This is the default
	// a caller should reach for absent a specific reason to pick another.
	ModeSynchronize
	// ModeSynchronize3Way does a field-level three-way merge using the
	// common ancestor found in each entry's history.
	ModeSynchronize3Way
)

// Merge reconciles src into dest in place and returns the operation log.
// Both trees must already be unprotected (plaintext Strings) — merge
// compares values directly and has no notion of the inner cipher.
func Merge(dest, src *KeePassFile, mode Mode, mergeMetadata bool) (*MergeResult, error) {
	result := &MergeResult{}

	if mergeMetadata {
		if err := mergeMeta(&dest.Meta, &src.Meta, result); err != nil {
			return nil, err
		}
	}

	index := buildUUIDIndex(dest.Root.Groups)

	for _, srcGroup := range src.Root.Groups {
		if _, err := mergeGroup(dest, index, srcGroup, mode, result); err != nil {
			return nil, err
		}
	}

	if mode != ModeOverwriteIfNewer {
		mergeDeletedObjects(dest, src, index, result)
	}

	return result, nil
}

func mergeMeta(dest, src *Meta, result *MergeResult) error {
	if len(dest.Binaries) > 0 || len(src.Binaries) > 0 || len(dest.CustomData) > 0 || len(src.CustomData) > 0 {
		return newErr(KindUnsupportedMeta, "Meta.Binaries/CustomData are not mergeable")
	}

	type field struct {
		name          string
		destVal       *string
		srcVal        string
		destChanged   *time.Time
		srcChanged    time.Time
	}
	fields := []field{
		{"DatabaseName", &dest.DatabaseName, src.DatabaseName, &dest.DatabaseNameChanged, src.DatabaseNameChanged},
		{"DatabaseDescription", &dest.DatabaseDescription, src.DatabaseDescription, &dest.DatabaseDescriptionChanged, src.DatabaseDescriptionChanged},
		{"DefaultUserName", &dest.DefaultUserName, src.DefaultUserName, &dest.DefaultUserNameChanged, src.DefaultUserNameChanged},
	}
	for _, f := range fields {
		if f.destChanged.Before(f.srcChanged) {
			old := *f.destVal
			*f.destVal = f.srcVal
			*f.destChanged = f.srcChanged
			result.record(Operation{Kind: OpModMetaProp, Field: f.name, OldValue: old, NewValue: f.srcVal})
		}
	}
	if dest.EntryTemplatesGroupChanged.Before(src.EntryTemplatesGroupChanged) {
		old := dest.EntryTemplatesGroup
		dest.EntryTemplatesGroup = src.EntryTemplatesGroup
		dest.EntryTemplatesGroupChanged = src.EntryTemplatesGroupChanged
		result.record(Operation{Kind: OpModMetaProp, Field: "EntryTemplatesGroup", OldValue: old.String(), NewValue: src.EntryTemplatesGroup.String()})
	}
	if dest.RecycleBinChanged.Before(src.RecycleBinChanged) {
		old := dest.RecycleBinUUID
		dest.RecycleBinUUID = src.RecycleBinUUID
		dest.RecycleBinChanged = src.RecycleBinChanged
		result.record(Operation{Kind: OpModMetaProp, Field: "RecycleBinUUID", OldValue: old.String(), NewValue: src.RecycleBinUUID.String()})
	}
	return nil
}

// resolveDestParent finds the destination Group matching srcParent's UUID,
// or nil (meaning attach at Root) when srcParent is nil.
func resolveDestParent(dest *KeePassFile, index map[uuid.UUID]node, srcParent *Group) *Group {
	if srcParent == nil {
		return nil
	}
	if n, ok := index[srcParent.UUID]; ok {
		if g, ok := n.(*Group); ok {
			return g
		}
	}
	return nil
}

func attachGroup(dest *KeePassFile, parent *Group, g *Group) {
	g.Parent = parent
	if parent == nil {
		dest.Root.Groups = append(dest.Root.Groups, g)
		return
	}
	parent.Groups = append(parent.Groups, g)
}

func detachGroup(dest *KeePassFile, g *Group) {
	if g.Parent == nil {
		dest.Root.Groups = removeGroup(dest.Root.Groups, g)
		return
	}
	g.Parent.Groups = removeGroup(g.Parent.Groups, g)
}

func removeGroup(groups []*Group, target *Group) []*Group {
	out := groups[:0]
	for _, g := range groups {
		if g != target {
			out = append(out, g)
		}
	}
	return out
}

func attachEntry(parent *Group, e *Entry) {
	e.Parent = parent
	parent.Entries = append(parent.Entries, e)
}

func detachEntry(e *Entry) {
	if e.Parent == nil {
		return
	}
	parent := e.Parent
	out := parent.Entries[:0]
	for _, x := range parent.Entries {
		if x != e {
			out = append(out, x)
		}
	}
	parent.Entries = out
}

func parentUUID(g *Group) uuid.UUID {
	if g == nil || g.Parent == nil {
		return uuid.Nil
	}
	return g.Parent.UUID
}

// mergeGroup finds or materializes the destination counterpart of
// srcGroup, merges its own metadata, recurses into children, and
// re-parents it if a location change is pending.
func mergeGroup(dest *KeePassFile, index map[uuid.UUID]node, srcGroup *Group, mode Mode, result *MergeResult) (*Group, error) {
	var destGroup *Group
	isNew := false

	if n, ok := index[srcGroup.UUID]; ok {
		g, ok := n.(*Group)
		if !ok {
			return nil, newErr(KindInvariantViolation, "UUID %s names an Entry in dest but a Group in src", srcGroup.UUID)
		}
		destGroup = g
	} else {
		isNew = true
		destGroup = &Group{UUID: srcGroup.UUID}
		parent := resolveDestParent(dest, index, srcGroup.Parent)
		attachGroup(dest, parent, destGroup)
		index[destGroup.UUID] = destGroup
		result.prop(OpAddGroup, destGroup, "", "", "")
	}

	locationChanged := false
	if !isNew {
		locationChanged = destGroup.Times.LocationChanged.Before(srcGroup.Times.LocationChanged) &&
			parentUUID(destGroup) != parentUUID(srcGroup)
	}

	mergeGroupMetadata(destGroup, srcGroup, result)

	for _, childGroup := range srcGroup.Groups {
		if _, err := mergeGroup(dest, index, childGroup, mode, result); err != nil {
			return nil, err
		}
	}
	for _, childEntry := range srcGroup.Entries {
		if err := mergeEntry(dest, index, destGroup, childEntry, mode, result); err != nil {
			return nil, err
		}
	}

	if locationChanged && mode != ModeOverwriteIfNewer {
		oldPath := getPwPath(destGroup)
		newParent := resolveDestParent(dest, index, srcGroup.Parent)
		detachGroup(dest, destGroup)
		attachGroup(dest, newParent, destGroup)
		destGroup.Times.LocationChanged = srcGroup.Times.LocationChanged
		result.record(Operation{Kind: OpMove, UUID: destGroup.UUID, Path: oldPath, OldValue: oldPath, NewValue: getPwPath(destGroup)})
	}

	return destGroup, nil
}

// mergeGroupMetadata copies src's fields into dest when src carries a
// strictly newer LastModificationTime, or just the access-time fields
// when the modification times tie but src's access time is newer.
func mergeGroupMetadata(dest, src *Group, result *MergeResult) {
	if src.Times.LastModificationTime.After(dest.Times.LastModificationTime) {
		setGroupField(result, dest, "Name", dest.Name, src.Name, func() { dest.Name = src.Name })
		setGroupField(result, dest, "Notes", dest.Notes, src.Notes, func() { dest.Notes = src.Notes })
		if dest.IconID != src.IconID {
			result.prop(OpModProp, dest, "IconID", itoa(dest.IconID), itoa(src.IconID))
			dest.IconID = src.IconID
		}
		dest.IsExpanded = src.IsExpanded
		dest.EnableAutoType = src.EnableAutoType
		dest.EnableSearching = src.EnableSearching
		dest.DefaultAutoTypeSequence = src.DefaultAutoTypeSequence
		dest.LastTopVisibleEntry = src.LastTopVisibleEntry
		dest.CustomIconUUID = src.CustomIconUUID
		dest.Times = src.Times
	} else if src.Times.LastModificationTime.Equal(dest.Times.LastModificationTime) &&
		src.Times.LastAccessTime.After(dest.Times.LastAccessTime) {
		dest.Times.LastAccessTime = src.Times.LastAccessTime
		dest.Times.UsageCount = src.Times.UsageCount
	}
}

func setGroupField(result *MergeResult, g *Group, field, oldVal, newVal string, apply func()) {
	if oldVal == newVal {
		return
	}
	result.prop(OpModProp, g, field, oldVal, newVal)
	apply()
}

// mergeEntry finds or materializes the destination counterpart of
// srcEntry and applies the mode-appropriate reconciliation strategy.
func mergeEntry(dest *KeePassFile, index map[uuid.UUID]node, parentDestGroup *Group, srcEntry *Entry, mode Mode, result *MergeResult) error {
	n, ok := index[srcEntry.UUID]
	if !ok {
		destEntry := srcEntry.clone()
		attachEntry(parentDestGroup, destEntry)
		index[destEntry.UUID] = destEntry
		result.prop(OpAddEntry, destEntry, "", "", "")
		return nil
	}

	destEntry, ok := n.(*Entry)
	if !ok {
		return newErr(KindInvariantViolation, "UUID %s names a Group in dest but an Entry in src", srcEntry.UUID)
	}

	locationChanged := destEntry.Parent != nil && srcEntry.Parent != nil &&
		destEntry.Parent.UUID != srcEntry.Parent.UUID &&
		destEntry.Times.LocationChanged.Before(srcEntry.Times.LocationChanged)

	switch mode {
	case ModeSynchronize3Way:
		ancestor, ambiguous := findCommonAncestor(destEntry, srcEntry)
		if ambiguous {
			result.AmbiguousAncestors++
			result.prop("AmbiguousAncestor", destEntry, "", "", "")
			twoWayMergeEntry(destEntry, srcEntry, result)
		} else {
			threeWayMergeEntry(destEntry, srcEntry, ancestor, result)
		}
	default:
		twoWayMergeEntry(destEntry, srcEntry, result)
	}

	mergeHistories(destEntry, srcEntry, result)
	destEntry.History = trimHistory(destEntry.History, dest.Meta.HistoryMaxItems)

	if locationChanged && mode != ModeOverwriteIfNewer {
		oldPath := getPwPath(destEntry)
		newParent := resolveDestParent(dest, index, srcEntry.Parent)
		if newParent != nil {
			detachEntry(destEntry)
			attachEntry(newParent, destEntry)
			destEntry.Times.LocationChanged = srcEntry.Times.LocationChanged
			result.record(Operation{Kind: OpMove, UUID: destEntry.UUID, Path: oldPath, OldValue: oldPath, NewValue: getPwPath(destEntry)})
		}
	}

	return nil
}

// twoWayMergeEntry implements the cmp-based OVERWRITE_IF_NEWER/
// SYNCHRONIZE branch, and doubles as the fallback path when a
// SYNCHRONIZE_3WAY ancestor lookup comes back ambiguous.
func twoWayMergeEntry(dest, src *Entry, result *MergeResult) {
	cmp := cmpTime(dest.Times.LastModificationTime, src.Times.LastModificationTime)
	switch {
	case cmp < 0: // dest older: src wins
		preimage := dest.clone()
		mergeStringsInto(dest, src, result)
		mergeNonStringFields(dest, src, result)
		dest.Times = src.Times
		dest.History = insertHistorySorted(dest.History, preimage)
	case cmp > 0: // dest newer: keep dest, fold src's value into history
		dest.History = insertHistorySorted(dest.History, src.clone())
	default: // tie: propagate only access bookkeeping
		if src.Times.LastAccessTime.After(dest.Times.LastAccessTime) {
			dest.Times.LastAccessTime = src.Times.LastAccessTime
			dest.Times.UsageCount = src.Times.UsageCount
		}
	}
}

// threeWayMergeEntry implements the field-level reconciliation against a
// common ancestor.
func threeWayMergeEntry(dest, src, ancestor *Entry, result *MergeResult) {
	cmpAncDest := cmpTime(ancestor.Times.LastModificationTime, dest.Times.LastModificationTime)
	cmpAncSrc := cmpTime(ancestor.Times.LastModificationTime, src.Times.LastModificationTime)

	switch {
	case cmpAncDest < 0 && cmpAncSrc < 0:
		realThreeWayMerge(dest, src, ancestor, result)
	case cmpAncDest < 0 && cmpAncSrc == 0:
		// source is an ancestor of destination: destination already wins.
	case cmpAncDest == 0 && cmpAncSrc < 0:
		preimage := dest.clone()
		mergeStringsInto(dest, src, result)
		mergeNonStringFields(dest, src, result)
		dest.Times = src.Times
		dest.History = insertHistorySorted(dest.History, preimage)
	default: // both == 0
		if src.Times.LastAccessTime.After(dest.Times.LastAccessTime) {
			dest.Times.LastAccessTime = src.Times.LastAccessTime
			dest.Times.UsageCount = src.Times.UsageCount
		}
	}
}

func realThreeWayMerge(dest, src, ancestor *Entry, result *MergeResult) {
	ancestorStrings := make(map[string]string, len(ancestor.Strings))
	for _, s := range ancestor.Strings {
		ancestorStrings[s.Key] = s.Value
	}

	changed := false
	keys := unionKeys(dest.Strings, src.Strings)
	for _, key := range keys {
		destVal := fieldValue(dest.Strings, key)
		srcVal := fieldValue(src.Strings, key)
		ancVal, hadAncestor := ancestorStrings[key]

		var resolved string
		switch {
		case hadAncestor && srcVal == ancVal:
			resolved = destVal // source unchanged since ancestor: keep dest
		case hadAncestor && destVal == ancVal:
			resolved = srcVal // dest unchanged since ancestor: take source
		case destVal == srcVal:
			resolved = destVal
		default:
			// both sides changed the same key differently: newer wins by
			// entry-level modification time.
			if cmpTime(dest.Times.LastModificationTime, src.Times.LastModificationTime) < 0 {
				resolved = srcVal
			} else {
				resolved = destVal
			}
		}

		if resolved != destVal {
			result.prop(OpModProp, dest, key, destVal, resolved)
			dest.setString(key, resolved)
			changed = true
		}
	}

	if mergeNonStringFields(dest, src, result) {
		changed = true
	}

	if changed {
		now := time.Now()
		destPre := dest.clone()
		dest.Times.touch(now)
		dest.History = insertHistorySorted(dest.History, destPre)
		dest.History = insertHistorySorted(dest.History, src.clone())
	}
}

func unionKeys(a, b []StringField) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, s := range a {
		if !seen[s.Key] {
			seen[s.Key] = true
			keys = append(keys, s.Key)
		}
	}
	for _, s := range b {
		if !seen[s.Key] {
			seen[s.Key] = true
			keys = append(keys, s.Key)
		}
	}
	return keys
}

func fieldValue(fields []StringField, key string) string {
	for _, f := range fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// mergeStringsInto adds any source String missing from dest and replaces
// the Value of ones that already exist and differ, used by the plain
// (non-ancestor-aware) 2-way branches.
func mergeStringsInto(dest, src *Entry, result *MergeResult) {
	for _, s := range src.Strings {
		old := fieldValue(dest.Strings, s.Key)
		if !hasStringKey(dest.Strings, s.Key) {
			result.prop(OpAddProp, dest, s.Key, "", s.Value)
			dest.setString(s.Key, s.Value)
		} else if old != s.Value {
			result.prop(OpModProp, dest, s.Key, old, s.Value)
			dest.setString(s.Key, s.Value)
		}
	}
}

func hasStringKey(fields []StringField, key string) bool {
	for _, f := range fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// mergeNonStringFields copies the remaining entry-level metadata fields
// from src into dest when they differ, reporting whether anything
// actually changed.
func mergeNonStringFields(dest, src *Entry, result *MergeResult) bool {
	changed := false
	if dest.IconID != src.IconID {
		result.prop(OpModProp, dest, "IconID", itoa(dest.IconID), itoa(src.IconID))
		dest.IconID = src.IconID
		changed = true
	}
	if !customIconUUIDEqual(dest.CustomIconUUID, src.CustomIconUUID) {
		dest.CustomIconUUID = src.CustomIconUUID
		changed = true
	}
	if dest.ForegroundColor != src.ForegroundColor {
		result.prop(OpModProp, dest, "ForegroundColor", dest.ForegroundColor, src.ForegroundColor)
		dest.ForegroundColor = src.ForegroundColor
		changed = true
	}
	if dest.BackgroundColor != src.BackgroundColor {
		result.prop(OpModProp, dest, "BackgroundColor", dest.BackgroundColor, src.BackgroundColor)
		dest.BackgroundColor = src.BackgroundColor
		changed = true
	}
	if dest.OverrideURL != src.OverrideURL {
		result.prop(OpModProp, dest, "OverrideURL", dest.OverrideURL, src.OverrideURL)
		dest.OverrideURL = src.OverrideURL
		changed = true
	}
	if dest.Tags != src.Tags {
		result.prop(OpModProp, dest, "Tags", dest.Tags, src.Tags)
		dest.Tags = src.Tags
		changed = true
	}
	if dest.AutoType.Enabled != src.AutoType.Enabled || dest.AutoType.DefaultSequence != src.AutoType.DefaultSequence {
		dest.AutoType = src.AutoType
		changed = true
	}
	return changed
}

// mergeDeletedObjects folds src's tombstones into dest, keeping the
// latest DeletionTime on a collision, and removes any live destination
// copy that is older than its tombstone (a remote delete that hasn't
// been superseded by a later local edit).
func mergeDeletedObjects(dest, src *KeePassFile, index map[uuid.UUID]node, result *MergeResult) {
	destByUUID := make(map[uuid.UUID]*DeletedObject, len(dest.Root.DeletedObjects))
	for i := range dest.Root.DeletedObjects {
		destByUUID[dest.Root.DeletedObjects[i].UUID] = &dest.Root.DeletedObjects[i]
	}

	for _, t := range src.Root.DeletedObjects {
		if existing, ok := destByUUID[t.UUID]; ok {
			if existing.DeletionTime.Before(t.DeletionTime) {
				existing.DeletionTime = t.DeletionTime
			}
			continue
		}

		dest.Root.DeletedObjects = append(dest.Root.DeletedObjects, t)

		live, ok := index[t.UUID]
		if !ok {
			continue
		}
		switch n := live.(type) {
		case *Group:
			if n.Times.LastModificationTime.Before(t.DeletionTime) {
				detachGroup(dest, n)
				delete(index, t.UUID)
				result.prop(OpDelGroup, n, "", "", "")
			}
		case *Entry:
			if n.Times.LastModificationTime.Before(t.DeletionTime) {
				detachEntry(n)
				delete(index, t.UUID)
				result.prop(OpDelEntry, n, "", "", "")
			}
		}
	}
}

// customIconUUIDEqual compares two possibly-nil custom icon UUID pointers
// by value.
func customIconUUIDEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// cmpTime orders two timestamps at microsecond resolution, the same unit
// brimtime.TimeToUnixMicro exposes for integer timestamp comparisons.
func cmpTime(a, b time.Time) int {
	ua, ub := brimtime.TimeToUnixMicro(a), brimtime.TimeToUnixMicro(b)
	switch {
	case ua < ub:
		return -1
	case ua > ub:
		return 1
	default:
		return 0
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
