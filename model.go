package kdbxmerge

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// timeFormat is the fixed-resolution UTC timestamp format used for every
// Times field.
const timeFormat = "2006-01-02T15:04:05Z"

// uuidToBase64 and uuidFromBase64 convert between the 16-byte uuid.UUID
// type and the base64 text the XML schema carries.
func uuidToBase64(u uuid.UUID) string {
	return base64.StdEncoding.EncodeToString(u[:])
}

func uuidFromBase64(s string) (uuid.UUID, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return uuid.UUID{}, newErr(KindXMLParseError, "decoding uuid %q: %v", s, err)
	}
	if len(b) != 16 {
		return uuid.UUID{}, newErr(KindXMLParseError, "uuid %q decodes to %d bytes, want 16", s, len(b))
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

// Times carries the five timestamps, the Expires flag and the UsageCount
// counter every Group and Entry node has.
type Times struct {
	CreationTime         time.Time
	LastModificationTime time.Time
	LastAccessTime       time.Time
	ExpiryTime           time.Time
	Expires              bool
	UsageCount           uint32
	LocationChanged      time.Time
}

// touch bumps LastModificationTime and LastAccessTime to now and
// increments UsageCount, the standard side effect of an in-place mutation.
func (t *Times) touch(now time.Time) {
	t.LastModificationTime = now
	t.LastAccessTime = now
	t.UsageCount++
}

// StringField is one Entry String element: a Key/Value pair where Value
// may be stored protected (Salsa20-scrambled, base64-encoded) or plain.
// ProtectedValue preserves the original ciphertext text across an
// unprotect() call; a non-empty ProtectedValue is also the marker protect()
// uses to decide which unprotected Strings to encrypt again.
type StringField struct {
	Key            string
	Value          string
	Protected      bool
	ProtectedValue string
}

// AutoTypeAssociation is one Window/KeystrokeSequence pairing inside an
// Entry's AutoType block.
type AutoTypeAssociation struct {
	Window            string
	KeystrokeSequence string
}

// AutoType is an Entry's auto-type configuration.
type AutoType struct {
	Enabled                 bool
	DataTransferObfuscation int
	DefaultSequence         string
	Associations            []AutoTypeAssociation
}

// Entry is a single credential record. History holds prior versions of
// this same Entry; history items never carry their own History.
type Entry struct {
	UUID            uuid.UUID
	IconID          int
	ForegroundColor string
	BackgroundColor string
	OverrideURL     string
	Tags            string
	CustomIconUUID  *uuid.UUID
	Times           Times
	Strings         []StringField
	AutoType        AutoType
	History         []*Entry
	Binaries        []byte

	Parent *Group `json:"-"`
}

// Title returns the Entry's Title string value, or "" if unset.
func (e *Entry) Title() string {
	return e.stringValue("Title")
}

func (e *Entry) stringValue(key string) string {
	for _, s := range e.Strings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

// setString inserts or replaces the Value of the String with the given
// Key, preserving its Protected flag if it already exists.
func (e *Entry) setString(key, value string) {
	for i := range e.Strings {
		if e.Strings[i].Key == key {
			e.Strings[i].Value = value
			return
		}
	}
	e.Strings = append(e.Strings, StringField{Key: key, Value: value})
}

// clone deep-copies an Entry, used when pushing a pre-image into History
// and when materializing a source Entry in the destination tree.
// A cloned Entry never carries its own History.
func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Strings = append([]StringField{}, e.Strings...)
	c.AutoType.Associations = append([]AutoTypeAssociation{}, e.AutoType.Associations...)
	c.History = nil
	c.Parent = nil
	if e.CustomIconUUID != nil {
		u := *e.CustomIconUUID
		c.CustomIconUUID = &u
	}
	return &c
}

// Group is a container of child Groups and Entries.
type Group struct {
	UUID                    uuid.UUID
	Name                    string
	Notes                   string
	IconID                  int
	Times                   Times
	IsExpanded              bool
	EnableAutoType          *bool
	EnableSearching         *bool
	DefaultAutoTypeSequence string
	LastTopVisibleEntry     uuid.UUID
	CustomIconUUID          *uuid.UUID

	Groups  []*Group
	Entries []*Entry

	Parent *Group `json:"-"`
}

// isEmpty reports whether g has no child Groups and no child Entries.
func (g *Group) isEmpty() bool {
	return len(g.Groups) == 0 && len(g.Entries) == 0
}

// DeletedObject is a tombstone: a UUID that no longer names a live node,
// recorded with the time it was removed.
type DeletedObject struct {
	UUID         uuid.UUID
	DeletionTime time.Time
}

// Meta carries database-wide settings. DatabaseName, DatabaseDescription,
// DefaultUserName, and EntryTemplatesGroup each pair with a *Changed
// timestamp that gates which side's value wins during merge; RecycleBin*
// fields follow the same newer-Changed-wins rule as a natural extension.
type Meta struct {
	DatabaseName        string
	DatabaseNameChanged time.Time

	DatabaseDescription        string
	DatabaseDescriptionChanged time.Time

	DefaultUserName        string
	DefaultUserNameChanged time.Time

	EntryTemplatesGroup        uuid.UUID
	EntryTemplatesGroupChanged time.Time

	RecycleBinEnabled bool
	RecycleBinUUID    uuid.UUID
	RecycleBinChanged time.Time

	HistoryMaxItems int
	HistoryMaxSize  int64

	HeaderHash          string
	LastSelectedGroup   uuid.UUID
	LastTopVisibleGroup uuid.UUID

	// Binaries and CustomData are read through but never merged; any
	// non-empty value on either side of a merge fails UnsupportedMetaContent.
	Binaries   []byte
	CustomData []byte
}

// Root holds the live object tree plus its tombstone list.
type Root struct {
	Groups         []*Group
	DeletedObjects []DeletedObject
}

// KeePassFile is the document root: Meta plus Root, matching the XML
// schema's top-level element.
type KeePassFile struct {
	Meta Meta
	Root Root
}

// node is satisfied by *Group and *Entry, letting the UUID index and the
// document-order walkers handle both uniformly.
type node interface {
	nodeUUID() uuid.UUID
}

func (g *Group) nodeUUID() uuid.UUID { return g.UUID }
func (e *Entry) nodeUUID() uuid.UUID { return e.UUID }

// walkDocumentOrder visits every Group and Entry reachable from roots in
// document order (a Group's own fields, then its child Groups depth-first,
// then its child Entries — matching the XML schema's Group-then-Entries
// layout), calling visit(node) for each. It does not descend into
// History. Used by both the UUID index builder and the inner stream
// protector, which both require this exact order to keep the Salsa20
// keystream offsets aligned with a fresh read of the same file.
func walkDocumentOrder(roots []*Group, visit func(node)) {
	var walkGroup func(g *Group)
	walkGroup = func(g *Group) {
		visit(g)
		for _, child := range g.Groups {
			walkGroup(child)
		}
		for _, e := range g.Entries {
			visit(e)
		}
	}
	for _, g := range roots {
		walkGroup(g)
	}
}

// buildUUIDIndex rebuilds an O(1) UUID → node lookup over Groups ∪
// Entries, excluding anything under History.
func buildUUIDIndex(roots []*Group) map[uuid.UUID]node {
	idx := make(map[uuid.UUID]node)
	walkDocumentOrder(roots, func(n node) {
		idx[n.nodeUUID()] = n
	})
	return idx
}

// getPwPath returns the slash-separated path from Root to n, using Name
// for Groups and Title for Entries (blank when absent). Used only for
// operation-log readability, never for identity.
func getPwPath(n node) string {
	var parts []string
	switch v := n.(type) {
	case *Entry:
		parts = append(parts, v.Title())
		for p := v.Parent; p != nil; p = p.Parent {
			parts = append([]string{p.Name}, parts...)
		}
	case *Group:
		for p := v; p != nil; p = p.Parent {
			parts = append([]string{p.Name}, parts...)
		}
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// insertHistorySorted inserts h into e.History keeping it strictly
// increasing by LastModificationTime; a timestamp collision with an
// existing entry is treated as a duplicate and dropped.
func insertHistorySorted(history []*Entry, h *Entry) []*Entry {
	for _, existing := range history {
		if existing.Times.LastModificationTime.Equal(h.Times.LastModificationTime) {
			return history
		}
	}
	i := 0
	for i < len(history) && history[i].Times.LastModificationTime.Before(h.Times.LastModificationTime) {
		i++
	}
	out := make([]*Entry, 0, len(history)+1)
	out = append(out, history[:i]...)
	out = append(out, h)
	out = append(out, history[i:]...)
	return out
}

// trimHistory enforces the Meta retention policy: at most maxItems
// entries (0 = unlimited), dropping the oldest first.
func trimHistory(history []*Entry, maxItems int) []*Entry {
	if maxItems <= 0 || len(history) <= maxItems {
		return history
	}
	return history[len(history)-maxItems:]
}
