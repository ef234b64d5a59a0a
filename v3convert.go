package kdbxmerge

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// convertV3Plaintext parses a v3 container's decrypted plaintext body
// (group stream immediately followed by entry stream, counts taken from
// the fixed header) and converts it into a v4-shaped KeePassFile.
func convertV3Plaintext(plaintext []byte, groupCount, entryCount uint32) (*KeePassFile, error) {
	groups, pos, err := parseV3Groups(plaintext, int(groupCount))
	if err != nil {
		return nil, err
	}
	entries, err := parseV3Entries(plaintext, int(entryCount), pos)
	if err != nil {
		return nil, err
	}
	return convertV3ToKeePassFile(groups, entries)
}

// v3 binary record type ids, per the group/entry TLV streams.
const (
	v3FieldGroupID      = 1
	v3FieldGroupTitle   = 2
	v3FieldGroupCreated = 3
	v3FieldGroupMod     = 4
	v3FieldGroupAccess  = 5
	v3FieldGroupExpires = 6
	v3FieldGroupIcon    = 7
	v3FieldGroupLevel   = 8
	v3FieldGroupFlags   = 9

	v3FieldEntryID       = 1
	v3FieldEntryGroupID  = 2
	v3FieldEntryIcon     = 3
	v3FieldEntryTitle    = 4
	v3FieldEntryURL      = 5
	v3FieldEntryUser     = 6
	v3FieldEntryPassword = 7
	v3FieldEntryNotes    = 8
	v3FieldEntryCreated  = 9
	v3FieldEntryMod      = 0xA
	v3FieldEntryAccess   = 0xB
	v3FieldEntryExpires  = 0xC
	v3FieldEntryBinDesc  = 0xD
	v3FieldEntryBinary   = 0xE

	v3RecordTerminator = 0xFFFF

	orphanedGroupID = -1
)

// v3Group is one decoded record from the v3 group stream, before it is
// stitched into a tree.
type v3Group struct {
	groupID    int64
	title      string
	icon       int
	created    time.Time
	modified   time.Time
	accessed   time.Time
	expires    time.Time
	level      int
	expanded   bool
	hasLevel   bool
	parentID   int64
	hasParent  bool
}

// v3Entry is one decoded record from the v3 entry stream.
type v3Entry struct {
	id       [16]byte
	groupID  int64
	icon     int
	title    string
	url      string
	username string
	password string
	notes    string
	created  time.Time
	modified time.Time
	accessed time.Time
	expires  time.Time
	binDesc  string
	binary   []byte
}

// parseV3Groups walks the leading group TLV stream, validating that level
// nesting only ever increases by at most one step at a time, and returns
// the decoded groups plus the byte offset the entry stream starts at.
func parseV3Groups(buf []byte, n int) ([]*v3Group, int, error) {
	pos := 0
	previousLevel := 0
	var stack []*v3Group
	var groups []*v3Group
	g := &v3Group{}

	for n > 0 {
		typeID, size, err := readV3RecordHeader(buf, &pos)
		if err != nil {
			return nil, 0, err
		}
		if typeID == v3RecordTerminator {
			n--
			level := 0
			if g.hasLevel {
				level = g.level
			}
			switch {
			case len(stack) == 0:
				if level >= 1 {
					return nil, 0, newErr(KindInvariantViolation, "root group %d has nonzero level %d", g.groupID, level)
				}
				stack = append(stack, g)
			case previousLevel < level:
				if previousLevel != level-1 {
					return nil, 0, newErr(KindInvariantViolation, "group %d level jumped from %d to %d", g.groupID, previousLevel, level)
				}
				g.parentID = stack[len(stack)-1].groupID
				g.hasParent = true
				stack = append(stack, g)
			case previousLevel == level:
				if level > 0 {
					g.parentID = stack[len(stack)-1].parentID
					g.hasParent = stack[len(stack)-1].hasParent
				}
				stack[len(stack)-1] = g
			default: // previousLevel > level
				stack = stack[:len(stack)+level-previousLevel]
				if level > 0 && len(stack) > 0 {
					g.parentID = stack[len(stack)-1].parentID
					g.hasParent = stack[len(stack)-1].hasParent
				}
				if len(stack) > 0 {
					stack[len(stack)-1] = g
				} else {
					stack = append(stack, g)
				}
			}
			previousLevel = level
			groups = append(groups, g)
			g = &v3Group{}
			continue
		}

		field := buf[pos : pos+size]
		switch typeID {
		case v3FieldGroupID:
			g.groupID = int64(binary.LittleEndian.Uint32(field))
		case v3FieldGroupTitle:
			g.title = parseNullTerminated(field)
		case v3FieldGroupCreated:
			g.created = parseV3Date(field)
		case v3FieldGroupMod:
			g.modified = parseV3Date(field)
		case v3FieldGroupAccess:
			g.accessed = parseV3Date(field)
		case v3FieldGroupExpires:
			g.expires = parseV3Date(field)
		case v3FieldGroupIcon:
			g.icon = int(binary.LittleEndian.Uint32(field))
		case v3FieldGroupLevel:
			g.level = int(binary.LittleEndian.Uint16(field))
			g.hasLevel = true
		case v3FieldGroupFlags:
			// flags are read and discarded, matching the source's own
			// handling.
		}
		pos += size
	}

	return groups, pos, nil
}

// parseV3Entries walks the entry TLV stream that immediately follows the
// group stream.
func parseV3Entries(buf []byte, n int, pos int) ([]*v3Entry, error) {
	var entries []*v3Entry
	e := &v3Entry{}

	for n > 0 {
		typeID, size, err := readV3RecordHeader(buf, &pos)
		if err != nil {
			return nil, err
		}
		if typeID == v3RecordTerminator {
			n--
			entries = append(entries, e)
			e = &v3Entry{}
			continue
		}

		field := buf[pos : pos+size]
		switch typeID {
		case v3FieldEntryID:
			copy(e.id[:], field)
		case v3FieldEntryGroupID:
			e.groupID = int64(binary.LittleEndian.Uint32(field))
		case v3FieldEntryIcon:
			e.icon = int(binary.LittleEndian.Uint32(field))
		case v3FieldEntryTitle:
			e.title = parseNullTerminated(field)
		case v3FieldEntryURL:
			e.url = parseNullTerminated(field)
		case v3FieldEntryUser:
			e.username = parseNullTerminated(field)
		case v3FieldEntryPassword:
			e.password = parseNullTerminated(field)
		case v3FieldEntryNotes:
			e.notes = parseNullTerminated(field)
		case v3FieldEntryCreated:
			e.created = parseV3Date(field)
		case v3FieldEntryMod:
			e.modified = parseV3Date(field)
		case v3FieldEntryAccess:
			e.accessed = parseV3Date(field)
		case v3FieldEntryExpires:
			e.expires = parseV3Date(field)
		case v3FieldEntryBinDesc:
			e.binDesc = parseNullTerminated(field)
		case v3FieldEntryBinary:
			e.binary = append([]byte{}, field...)
		}
		pos += size
	}

	return entries, nil
}

func readV3RecordHeader(buf []byte, pos *int) (typeID int, size int, err error) {
	p := *pos
	if p+2 > len(buf) {
		return 0, 0, newErr(KindInvariantViolation, "v3 record header out of range at offset %d", p)
	}
	typeID = int(binary.LittleEndian.Uint16(buf[p : p+2]))
	p += 2
	if p+4 > len(buf) {
		return 0, 0, newErr(KindInvariantViolation, "v3 record size out of range at offset %d", p)
	}
	size = int(binary.LittleEndian.Uint32(buf[p : p+4]))
	p += 4
	if p+size > len(buf) {
		return 0, 0, newErr(KindInvariantViolation, "v3 record body out of range at offset %d size %d", p, size)
	}
	*pos = p
	return typeID, size, nil
}

// parseNullTerminated strips the single trailing NUL byte the v3 format
// pads every string field with.
func parseNullTerminated(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// parseV3Date decodes the packed 5-byte date format: a bitfield spread
// across the bytes rather than any of the standard wire encodings.
func parseV3Date(b []byte) time.Time {
	if len(b) < 5 {
		return time.Time{}
	}
	year := int(b[0])<<6 | int(b[1])>>2
	month := time.Month((int(b[1]&0x03) << 2) | int(b[2])>>6)
	day := int(b[2]&0x3F) >> 1
	hour := (int(b[2]&0x01) << 4) | int(b[3])>>4
	minute := (int(b[3]&0x0F) << 2) | int(b[4])>>6
	second := int(b[4] & 0x3F)
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

// groupUUIDFromV3ID derives a deterministic v4 UUID for a v3 numeric group
// id: SHA-256(id as little-endian u32), truncated to 16 bytes.
func groupUUIDFromV3ID(id int64) uuid.UUID {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], uint32(id))
	sum := sha256.Sum256(le[:])
	var out uuid.UUID
	copy(out[:], sum[:16])
	return out
}

// convertV3ToKeePassFile transforms the decoded v3 group/entry records into
// a v4-shaped tree: it reparents orphaned entries into a synthetic
// "*Orphaned*" group, interprets Meta-Info side-channel entries rather
// than surfacing them as user entries, derives deterministic UUIDs for
// groups from their numeric v3 ids, and uses each entry's 16-byte v3 id as
// its UUID.
func convertV3ToKeePassFile(groups []*v3Group, entries []*v3Entry) (*KeePassFile, error) {
	byID := make(map[int64]*Group, len(groups))
	order := make([]int64, 0, len(groups))
	nodes := make(map[int64]*Group, len(groups))

	for _, vg := range groups {
		u := groupUUIDFromV3ID(vg.groupID)
		grp := &Group{
			UUID:       u,
			Name:       vg.title,
			IconID:     vg.icon,
			IsExpanded: vg.expanded,
			Times: Times{
				CreationTime:         vg.created,
				LastModificationTime: vg.modified,
				LastAccessTime:       vg.accessed,
				ExpiryTime:           vg.expires,
			},
		}
		nodes[vg.groupID] = grp
		byID[vg.groupID] = grp
		order = append(order, vg.groupID)
	}

	var roots []*Group
	for i, vg := range groups {
		grp := nodes[order[i]]
		if vg.hasParent {
			if parent, ok := byID[vg.parentID]; ok {
				parent.Groups = append(parent.Groups, grp)
				grp.Parent = parent
				continue
			}
		}
		roots = append(roots, grp)
	}

	var orphaned *Group
	orphanGroup := func() *Group {
		if orphaned == nil {
			orphaned = &Group{UUID: groupUUIDFromV3ID(orphanedGroupID), Name: "*Orphaned*"}
			roots = append(roots, orphaned)
		}
		return orphaned
	}

	byEntryUUID := make(map[uuid.UUID]*Entry, len(entries))
	var metaEntries []*v3Entry

	for _, ve := range entries {
		if ve.title == "Meta-Info" && ve.username == "SYSTEM" && ve.url == "$" {
			metaEntries = append(metaEntries, ve)
			continue
		}

		entry := &Entry{
			UUID:   uuid.UUID(ve.id),
			IconID: ve.icon,
			Times: Times{
				CreationTime:         ve.created,
				LastModificationTime: ve.modified,
				LastAccessTime:       ve.accessed,
				ExpiryTime:           ve.expires,
			},
		}
		entry.setString("Title", ve.title)
		entry.setString("URL", ve.url)
		entry.setString("UserName", ve.username)
		entry.setString("Password", ve.password)
		entry.setString("Notes", ve.notes)
		if len(ve.binary) > 0 {
			entry.Binaries = ve.binary
		}

		parent, ok := byID[ve.groupID]
		if !ok {
			Logger.Printf("v3 entry %x names missing group %d; reparented to *Orphaned*", ve.id, ve.groupID)
			parent = orphanGroup()
		}
		entry.Parent = parent
		parent.Entries = append(parent.Entries, entry)
		byEntryUUID[entry.UUID] = entry
	}

	// Meta-Info entries are applied only once every real entry exists, since
	// KPX_CUSTOM_ICONS_4's entry table references entries by UUID and may
	// appear anywhere in the stream relative to the entries it annotates.
	for _, ve := range metaEntries {
		if err := applyV3MetaInfo(ve, byID, byEntryUUID); err != nil {
			return nil, err
		}
	}

	return &KeePassFile{Root: Root{Groups: roots}}, nil
}

// applyV3MetaInfo interprets a Meta-Info side-channel entry. Unrecognized
// Meta-Info notes are silently discarded, matching the source's
// best-effort handling of a format that was never formally specified.
func applyV3MetaInfo(e *v3Entry, byID map[int64]*Group, byEntryUUID map[uuid.UUID]*Entry) error {
	switch e.notes {
	case "KPX_GROUP_TREE_STATE":
		return applyGroupTreeState(e.binary, byID)
	case "KPX_CUSTOM_ICONS_4":
		return applyCustomIcons(e.binary, byID, byEntryUUID)
	}
	return nil
}

// applyGroupTreeState decodes the (group_id u32, is_expanded u8) pairs
// this metastream packs, used to restore each group's expanded/collapsed
// state in the KeePass UI.
func applyGroupTreeState(data []byte, byID map[int64]*Group) error {
	if len(data) < 4 {
		return newErr(KindUnsupportedMeta, "KPX_GROUP_TREE_STATE metastream too short")
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if n*5 != len(data)-4 {
		return newErr(KindUnsupportedMeta, "KPX_GROUP_TREE_STATE metastream length mismatch")
	}
	for i := 0; i < n; i++ {
		off := 4 + i*5
		groupID := int64(binary.LittleEndian.Uint32(data[off : off+4]))
		expanded := data[off+4] != 0
		if g, ok := byID[groupID]; ok {
			g.IsExpanded = expanded
		}
	}
	return nil
}

// applyCustomIcons decodes the icon-table metastream and applies custom
// icon ids to the groups/entries that reference them. Icon image bytes
// themselves are not retained: the object model only tracks a numeric
// IconID, matching how the v4 XML format represents built-in icons.
func applyCustomIcons(data []byte, byID map[int64]*Group, byEntryUUID map[uuid.UUID]*Entry) error {
	if len(data) < 12 {
		return newErr(KindUnsupportedMeta, "KPX_CUSTOM_ICONS_4 metastream too short")
	}
	nIcons := int(binary.LittleEndian.Uint32(data[0:4]))
	nEntries := int(binary.LittleEndian.Uint32(data[4:8]))
	nGroups := int(binary.LittleEndian.Uint32(data[8:12]))

	pos := 12
	for i := 0; i < nIcons; i++ {
		if pos+4 > len(data) {
			return newErr(KindUnsupportedMeta, "KPX_CUSTOM_ICONS_4 icon table truncated")
		}
		size := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4 + size
	}

	if pos+nEntries*20 > len(data) {
		return newErr(KindUnsupportedMeta, "KPX_CUSTOM_ICONS_4 entry table truncated")
	}
	for i := 0; i < nEntries; i++ {
		off := pos + i*20
		var entryUUID uuid.UUID
		copy(entryUUID[:], data[off:off+16])
		iconID := int(binary.LittleEndian.Uint32(data[off+16 : off+20]))
		if e, ok := byEntryUUID[entryUUID]; ok {
			e.IconID = iconID
		}
	}
	pos += nEntries * 20

	if pos+nGroups*8 > len(data) {
		return newErr(KindUnsupportedMeta, "KPX_CUSTOM_ICONS_4 group table truncated")
	}
	for i := 0; i < nGroups; i++ {
		off := pos + i*8
		groupID := int64(binary.LittleEndian.Uint32(data[off : off+4]))
		iconID := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		if g, ok := byID[groupID]; ok {
			g.IconID = iconID
		}
	}
	return nil
}
