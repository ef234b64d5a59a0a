package kdbxmerge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gholt/brimtext"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// EqualityOptions configures which parts of two trees structural equality
// considers, mirroring the ignore-set the original check tool exposed.
type EqualityOptions struct {
	Metadata         bool
	IgnoreTimes      bool
	History          bool
	DeletedObjects   bool
	IgnoreAttrs      bool
	IgnoreAccessTime bool
}

// Diff accumulates human-readable reasons two trees were found unequal. A
// Diff with no reasons recorded represents equality.
type Diff struct {
	reasons []string
}

func (d *Diff) add(format string, args ...interface{}) {
	d.reasons = append(d.reasons, fmt.Sprintf(format, args...))
}

// Equal reports whether no differences were recorded.
func (d *Diff) Equal() bool {
	return d == nil || len(d.reasons) == 0
}

// String renders the diff as an aligned report, one reason per row.
func (d *Diff) String() string {
	if d.Equal() {
		return "equal"
	}
	rows := make([][]string, 0, len(d.reasons)+1)
	rows = append(rows, []string{"#", "reason"})
	for i, r := range d.reasons {
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), r})
	}
	return brimtext.Align(rows, nil)
}

// Equal compares two KeePassFile trees per opts and returns whether they
// match along with a Diff describing every discrepancy found.
func Equal(a, b *KeePassFile, opts EqualityOptions) (bool, *Diff) {
	d := &Diff{}

	if opts.Metadata {
		metadataEqual(a.Meta, b.Meta, opts, d)
	}
	rootEqual(a.Root, b.Root, opts, d)
	if opts.DeletedObjects {
		deletedObjectsEqual(a.Root.DeletedObjects, b.Root.DeletedObjects, d)
	}

	return d.Equal(), d
}

func metadataEqual(a, b Meta, opts EqualityOptions, d *Diff) {
	if a.DatabaseName != b.DatabaseName {
		d.add("Meta.DatabaseName differs: %q != %q", a.DatabaseName, b.DatabaseName)
	}
	if a.DatabaseDescription != b.DatabaseDescription {
		d.add("Meta.DatabaseDescription differs: %q != %q", a.DatabaseDescription, b.DatabaseDescription)
	}
	if a.DefaultUserName != b.DefaultUserName {
		d.add("Meta.DefaultUserName differs: %q != %q", a.DefaultUserName, b.DefaultUserName)
	}
	if a.EntryTemplatesGroup != b.EntryTemplatesGroup {
		d.add("Meta.EntryTemplatesGroup differs: %s != %s", a.EntryTemplatesGroup, b.EntryTemplatesGroup)
	}
	if a.RecycleBinEnabled != b.RecycleBinEnabled {
		d.add("Meta.RecycleBinEnabled differs: %v != %v", a.RecycleBinEnabled, b.RecycleBinEnabled)
	}
	if a.RecycleBinUUID != b.RecycleBinUUID {
		d.add("Meta.RecycleBinUUID differs: %s != %s", a.RecycleBinUUID, b.RecycleBinUUID)
	}
	// HeaderHash, LastSelectedGroup, LastTopVisibleGroup are deliberately
	// excluded: they reflect where a file happened to be saved from, not
	// content.
	if !opts.IgnoreTimes {
		if !a.DatabaseNameChanged.Equal(b.DatabaseNameChanged) {
			d.add("Meta.DatabaseNameChanged differs: %s != %s", a.DatabaseNameChanged, b.DatabaseNameChanged)
		}
		if !a.DatabaseDescriptionChanged.Equal(b.DatabaseDescriptionChanged) {
			d.add("Meta.DatabaseDescriptionChanged differs: %s != %s", a.DatabaseDescriptionChanged, b.DatabaseDescriptionChanged)
		}
		if !a.DefaultUserNameChanged.Equal(b.DefaultUserNameChanged) {
			d.add("Meta.DefaultUserNameChanged differs: %s != %s", a.DefaultUserNameChanged, b.DefaultUserNameChanged)
		}
		if !a.EntryTemplatesGroupChanged.Equal(b.EntryTemplatesGroupChanged) {
			d.add("Meta.EntryTemplatesGroupChanged differs: %s != %s", a.EntryTemplatesGroupChanged, b.EntryTemplatesGroupChanged)
		}
		if !a.RecycleBinChanged.Equal(b.RecycleBinChanged) {
			d.add("Meta.RecycleBinChanged differs: %s != %s", a.RecycleBinChanged, b.RecycleBinChanged)
		}
	}
}

// rootEqual builds a UUID → node map over each tree (Groups and Entries,
// excluding anything reachable only through History), verifies the key
// sets match, then compares each matched pair by its tag-appropriate
// routine.
func rootEqual(a, b Root, opts EqualityOptions, d *Diff) {
	mapA := buildUUIDIndex(a.Groups)
	mapB := buildUUIDIndex(b.Groups)

	setA := make(map[uuid.UUID]bool, len(mapA))
	for u := range mapA {
		setA[u] = true
	}
	setB := make(map[uuid.UUID]bool, len(mapB))
	for u := range mapB {
		setB[u] = true
	}

	var onlyA, onlyB []uuid.UUID
	for u := range setA {
		if !setB[u] {
			onlyA = append(onlyA, u)
		}
	}
	for u := range setB {
		if !setA[u] {
			onlyB = append(onlyB, u)
		}
	}
	if len(onlyA) > 0 || len(onlyB) > 0 {
		sortUUIDs(onlyA)
		sortUUIDs(onlyB)
		d.add("UUID sets do not match: only in left=%v, only in right=%v", onlyA, onlyB)
		return
	}

	for u, nodeA := range mapA {
		nodeB := mapB[u]
		switch na := nodeA.(type) {
		case *Group:
			nb, ok := nodeB.(*Group)
			if !ok {
				d.add("UUID %s is a Group on the left but not on the right", u)
				continue
			}
			groupEqual(na, nb, opts, d)
		case *Entry:
			nb, ok := nodeB.(*Entry)
			if !ok {
				d.add("UUID %s is an Entry on the left but not on the right", u)
				continue
			}
			entryEqual(na, nb, opts, d)
		}
	}
}

// groupEqual compares a Group's own metadata and Times, then checks that
// its immediate Group/Entry children carry the same UUID set (the
// recursive descent happens naturally because rootEqual already iterates
// over every node in the flattened map).
func groupEqual(a, b *Group, opts EqualityOptions, d *Diff) {
	if fingerprintGroup(a, opts) != fingerprintGroup(b, opts) {
		if a.Name != b.Name {
			d.add("Group[%s].Name differs: %q != %q", a.UUID, a.Name, b.Name)
		}
		if a.Notes != b.Notes {
			d.add("Group[%s].Notes differs: %q != %q", a.UUID, a.Notes, b.Notes)
		}
		if a.IconID != b.IconID {
			d.add("Group[%s].IconID differs: %d != %d", a.UUID, a.IconID, b.IconID)
		}
		if a.IsExpanded != b.IsExpanded {
			d.add("Group[%s].IsExpanded differs: %v != %v", a.UUID, a.IsExpanded, b.IsExpanded)
		}
		if !tristatePtrEqual(a.EnableAutoType, b.EnableAutoType) {
			d.add("Group[%s].EnableAutoType differs", a.UUID)
		}
		if !tristatePtrEqual(a.EnableSearching, b.EnableSearching) {
			d.add("Group[%s].EnableSearching differs", a.UUID)
		}
		if a.DefaultAutoTypeSequence != b.DefaultAutoTypeSequence {
			d.add("Group[%s].DefaultAutoTypeSequence differs: %q != %q", a.UUID, a.DefaultAutoTypeSequence, b.DefaultAutoTypeSequence)
		}
		if !timesEqual(a.Times, b.Times, opts) {
			d.add("Group[%s].Times differs", a.UUID)
		}
	}

	childrenA := childUUIDs(a)
	childrenB := childUUIDs(b)
	if !equalUUIDSets(childrenA, childrenB) {
		d.add("Group[%s] child UUID sets do not match", a.UUID)
	}
}

func entryEqual(a, b *Entry, opts EqualityOptions, d *Diff) {
	if !matchUnordered(a.Strings, b.Strings, func(x, y StringField) bool {
		return stringFieldEqual(x, y, opts)
	}) {
		d.add("Entry[%s].Strings differ", a.UUID)
	}
	if !matchUnordered(a.AutoType.Associations, b.AutoType.Associations, associationEqual) {
		d.add("Entry[%s].AutoType.Associations differ", a.UUID)
	}
	if a.AutoType.Enabled != b.AutoType.Enabled || a.AutoType.DefaultSequence != b.AutoType.DefaultSequence {
		d.add("Entry[%s].AutoType differs", a.UUID)
	}
	if a.ForegroundColor != b.ForegroundColor || a.BackgroundColor != b.BackgroundColor {
		d.add("Entry[%s] colours differ", a.UUID)
	}
	if a.Tags != b.Tags {
		d.add("Entry[%s].Tags differ: %q != %q", a.UUID, a.Tags, b.Tags)
	}
	if !timesEqual(a.Times, b.Times, opts) {
		d.add("Entry[%s].Times differs", a.UUID)
	}
	if opts.History {
		if !matchUnordered(a.History, b.History, func(x, y *Entry) bool {
			eq, _ := entryHistoryItemEqual(x, y, opts)
			return eq
		}) {
			d.add("Entry[%s].History differs", a.UUID)
		}
	}
}

func entryHistoryItemEqual(a, b *Entry, opts EqualityOptions) (bool, *Diff) {
	sub := &Diff{}
	entryEqual(a, b, opts, sub)
	return sub.Equal(), sub
}

func timesEqual(a, b Times, opts EqualityOptions) bool {
	if opts.IgnoreTimes {
		return true
	}
	if !a.CreationTime.Equal(b.CreationTime) || !a.LastModificationTime.Equal(b.LastModificationTime) {
		return false
	}
	if a.Expires != b.Expires || !a.ExpiryTime.Equal(b.ExpiryTime) {
		return false
	}
	if !opts.IgnoreAccessTime {
		if !a.LastAccessTime.Equal(b.LastAccessTime) || a.UsageCount != b.UsageCount {
			return false
		}
	}
	return true
}

func deletedObjectsEqual(a, b []DeletedObject, d *Diff) {
	setA := make(map[uuid.UUID]bool, len(a))
	for _, o := range a {
		setA[o.UUID] = true
	}
	setB := make(map[uuid.UUID]bool, len(b))
	for _, o := range b {
		setB[o.UUID] = true
	}
	if !equalUUIDSets(setA, setB) {
		d.add("DeletedObjects UUID sets do not match")
	}
}

func childUUIDs(g *Group) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(g.Groups)+len(g.Entries))
	for _, c := range g.Groups {
		out[c.UUID] = true
	}
	for _, e := range g.Entries {
		out[e.UUID] = true
	}
	return out
}

func equalUUIDSets(a, b map[uuid.UUID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for u := range a {
		if !b[u] {
			return false
		}
	}
	return true
}

// stringFieldEqual compares a Key/Value pair, consulting the Protected
// attribute only when opts.IgnoreAttrs is unset — with it set, a field
// that was promoted to or demoted from in-memory protection but kept its
// value still counts as equal.
func stringFieldEqual(a, b StringField, opts EqualityOptions) bool {
	if a.Key != b.Key || a.Value != b.Value {
		return false
	}
	return opts.IgnoreAttrs || a.Protected == b.Protected
}

func associationEqual(a, b AutoTypeAssociation) bool {
	return a.Window == b.Window && a.KeystrokeSequence == b.KeystrokeSequence
}

func tristatePtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// matchUnordered reports whether every element of as finds a distinct,
// not-yet-matched equal element of bs, with none left over on either
// side — the same "find a not-yet-matched equal child" rule the element
// tree comparison uses, generalized to any comparable slice type.
func matchUnordered[T any](as, bs []T, eq func(T, T) bool) bool {
	if len(as) != len(bs) {
		return false
	}
	used := make([]bool, len(bs))
	for _, a := range as {
		found := false
		for i, b := range bs {
			if used[i] {
				continue
			}
			if eq(a, b) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// fingerprintGroup hashes a Group's own comparable fields (not its
// children) so groupEqual can skip the field-by-field walk, and its
// per-field diagnostic messages, on the overwhelmingly common case where
// two groups are identical. A fingerprint mismatch never produces a false
// "equal" verdict: the slow path below still runs and reports the
// specific field that differs.
func fingerprintGroup(g *Group, opts EqualityOptions) uint64 {
	var sb strings.Builder
	sb.WriteString(g.Name)
	sb.WriteString("\x00")
	sb.WriteString(g.Notes)
	fmt.Fprintf(&sb, "\x00%d\x00%v\x00%s", g.IconID, g.IsExpanded, g.DefaultAutoTypeSequence)
	for _, p := range []*bool{g.EnableAutoType, g.EnableSearching} {
		if p == nil {
			sb.WriteString("\x00nil")
		} else {
			fmt.Fprintf(&sb, "\x00%v", *p)
		}
	}
	if !opts.IgnoreTimes {
		fmt.Fprintf(&sb, "\x00%d\x00%d", g.Times.CreationTime.UnixNano(), g.Times.LastModificationTime.UnixNano())
		fmt.Fprintf(&sb, "\x00%v\x00%d", g.Times.Expires, g.Times.ExpiryTime.UnixNano())
		if !opts.IgnoreAccessTime {
			fmt.Fprintf(&sb, "\x00%d\x00%d", g.Times.LastAccessTime.UnixNano(), g.Times.UsageCount)
		}
	}
	return murmur3.Sum64([]byte(sb.String()))
}

func sortUUIDs(us []uuid.UUID) {
	sort.Slice(us, func(i, j int) bool { return us[i].String() < us[j].String() })
}
