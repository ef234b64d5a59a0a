package kdbxmerge

import (
	"encoding/xml"
	"time"

	"github.com/google/uuid"
)

// The xml* types below are the wire shape of the KDBX v4 payload: plain
// structs with explicit field tags, preferring flat tagged structs over a
// generic document model. Boolean and UUID fields get
// their own text (un)marshalers because the wire format (`True`/`False`,
// base64 UUIDs, fixed-resolution timestamps) doesn't match Go's defaults.

type xmlBool bool

func (b xmlBool) MarshalText() ([]byte, error) {
	if b {
		return []byte("True"), nil
	}
	return []byte("False"), nil
}

func (b *xmlBool) UnmarshalText(text []byte) error {
	*b = string(text) == "True"
	return nil
}

type xmlTime time.Time

func (t xmlTime) MarshalText() ([]byte, error) {
	return []byte(time.Time(t).UTC().Format(timeFormat)), nil
}

func (t *xmlTime) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*t = xmlTime(time.Time{})
		return nil
	}
	parsed, err := time.Parse(timeFormat, string(text))
	if err != nil {
		return newErr(KindXMLParseError, "parsing timestamp %q: %v", string(text), err)
	}
	*t = xmlTime(parsed)
	return nil
}

type xmlUUID uuid.UUID

func (u xmlUUID) MarshalText() ([]byte, error) {
	return []byte(uuidToBase64(uuid.UUID(u))), nil
}

func (u *xmlUUID) UnmarshalText(text []byte) error {
	parsed, err := uuidFromBase64(string(text))
	if err != nil {
		return err
	}
	*u = xmlUUID(parsed)
	return nil
}

type xmlTimes struct {
	CreationTime         xmlTime `xml:"CreationTime"`
	LastModificationTime xmlTime `xml:"LastModificationTime"`
	LastAccessTime       xmlTime `xml:"LastAccessTime"`
	ExpiryTime           xmlTime `xml:"ExpiryTime"`
	Expires              xmlBool `xml:"Expires"`
	UsageCount           uint32  `xml:"UsageCount"`
	LocationChanged      xmlTime `xml:"LocationChanged"`
}

func (x xmlTimes) toTimes() Times {
	return Times{
		CreationTime:         time.Time(x.CreationTime),
		LastModificationTime: time.Time(x.LastModificationTime),
		LastAccessTime:       time.Time(x.LastAccessTime),
		ExpiryTime:           time.Time(x.ExpiryTime),
		Expires:              bool(x.Expires),
		UsageCount:           x.UsageCount,
		LocationChanged:      time.Time(x.LocationChanged),
	}
}

func fromTimes(t Times) xmlTimes {
	return xmlTimes{
		CreationTime:         xmlTime(t.CreationTime),
		LastModificationTime: xmlTime(t.LastModificationTime),
		LastAccessTime:       xmlTime(t.LastAccessTime),
		ExpiryTime:           xmlTime(t.ExpiryTime),
		Expires:              xmlBool(t.Expires),
		UsageCount:           t.UsageCount,
		LocationChanged:      xmlTime(t.LocationChanged),
	}
}

type xmlValue struct {
	Content        string  `xml:",chardata"`
	Protected      xmlBool `xml:"Protected,attr"`
	ProtectedValue string  `xml:"ProtectedValue,attr,omitempty"`
}

type xmlStringField struct {
	Key   string   `xml:"Key"`
	Value xmlValue `xml:"Value"`
}

type xmlAssociation struct {
	Window            string `xml:"Window"`
	KeystrokeSequence string `xml:"KeystrokeSequence"`
}

type xmlAutoType struct {
	Enabled                 xmlBool          `xml:"Enabled"`
	DataTransferObfuscation int              `xml:"DataTransferObfuscation"`
	DefaultSequence         string           `xml:"DefaultSequence,omitempty"`
	Associations            []xmlAssociation `xml:"Association"`
}

type xmlEntry struct {
	UUID            xmlUUID          `xml:"UUID"`
	IconID          int              `xml:"IconID"`
	ForegroundColor string           `xml:"ForegroundColor,omitempty"`
	BackgroundColor string           `xml:"BackgroundColor,omitempty"`
	OverrideURL     string           `xml:"OverrideURL,omitempty"`
	Tags            string           `xml:"Tags,omitempty"`
	CustomIconUUID  *xmlUUID         `xml:"CustomIconUUID,omitempty"`
	Times           xmlTimes         `xml:"Times"`
	Strings         []xmlStringField `xml:"String"`
	AutoType        xmlAutoType      `xml:"AutoType"`
	History         *xmlHistory      `xml:"History,omitempty"`
}

type xmlHistory struct {
	Entries []xmlEntry `xml:"Entry"`
}

type xmlGroup struct {
	UUID                    xmlUUID    `xml:"UUID"`
	Name                    string     `xml:"Name"`
	Notes                   string     `xml:"Notes,omitempty"`
	IconID                  int        `xml:"IconID"`
	Times                   xmlTimes   `xml:"Times"`
	IsExpanded              xmlBool    `xml:"IsExpanded"`
	DefaultAutoTypeSequence string     `xml:"DefaultAutoTypeSequence,omitempty"`
	EnableAutoType          string     `xml:"EnableAutoType"`
	EnableSearching         string     `xml:"EnableSearching"`
	LastTopVisibleEntry     xmlUUID    `xml:"LastTopVisibleEntry"`
	CustomIconUUID          *xmlUUID   `xml:"CustomIconUUID,omitempty"`
	Groups                  []xmlGroup `xml:"Group"`
	Entries                 []xmlEntry `xml:"Entry"`
}

type xmlDeletedObject struct {
	UUID         xmlUUID `xml:"UUID"`
	DeletionTime xmlTime `xml:"DeletionTime"`
}

type xmlMeta struct {
	DatabaseName               string  `xml:"DatabaseName"`
	DatabaseNameChanged        xmlTime `xml:"DatabaseNameChanged"`
	DatabaseDescription        string  `xml:"DatabaseDescription"`
	DatabaseDescriptionChanged xmlTime `xml:"DatabaseDescriptionChanged"`
	DefaultUserName            string  `xml:"DefaultUserName"`
	DefaultUserNameChanged     xmlTime `xml:"DefaultUserNameChanged"`
	EntryTemplatesGroup        xmlUUID `xml:"EntryTemplatesGroup"`
	EntryTemplatesGroupChanged xmlTime `xml:"EntryTemplatesGroupChanged"`
	RecycleBinEnabled          xmlBool `xml:"RecycleBinEnabled"`
	RecycleBinUUID             xmlUUID `xml:"RecycleBinUUID"`
	RecycleBinChanged          xmlTime `xml:"RecycleBinChanged"`
	HistoryMaxItems            int     `xml:"HistoryMaxItems"`
	HistoryMaxSize             int64   `xml:"HistoryMaxSize"`
	HeaderHash                 string  `xml:"HeaderHash,omitempty"`
	LastSelectedGroup          xmlUUID `xml:"LastSelectedGroup"`
	LastTopVisibleGroup        xmlUUID `xml:"LastTopVisibleGroup"`
	Binaries                   []byte  `xml:"Binaries>Binary,omitempty"`
	CustomData                 []byte  `xml:"CustomData,omitempty"`
}

type xmlRoot struct {
	Groups         []xmlGroup         `xml:"Group"`
	DeletedObjects []xmlDeletedObject `xml:"DeletedObjects>DeletedObject"`
}

type xmlKeePassFile struct {
	XMLName xml.Name `xml:"KeePassFile"`
	Meta    xmlMeta  `xml:"Meta"`
	Root    xmlRoot  `xml:"Root"`
}

func tristateToBool(s string) *bool {
	switch s {
	case "true":
		b := true
		return &b
	case "false":
		b := false
		return &b
	default:
		return nil
	}
}

func boolToTristate(b *bool) string {
	if b == nil {
		return "null"
	}
	if *b {
		return "true"
	}
	return "false"
}

func entryFromXML(x xmlEntry) *Entry {
	e := &Entry{
		UUID:            uuid.UUID(x.UUID),
		IconID:          x.IconID,
		ForegroundColor: x.ForegroundColor,
		BackgroundColor: x.BackgroundColor,
		OverrideURL:     x.OverrideURL,
		Tags:            x.Tags,
		Times:           x.Times.toTimes(),
		AutoType: AutoType{
			Enabled:                 bool(x.AutoType.Enabled),
			DataTransferObfuscation: x.AutoType.DataTransferObfuscation,
			DefaultSequence:         x.AutoType.DefaultSequence,
		},
	}
	if x.CustomIconUUID != nil {
		u := uuid.UUID(*x.CustomIconUUID)
		e.CustomIconUUID = &u
	}
	for _, s := range x.Strings {
		e.Strings = append(e.Strings, StringField{
			Key:            s.Key,
			Value:          s.Value.Content,
			Protected:      bool(s.Value.Protected),
			ProtectedValue: s.Value.ProtectedValue,
		})
	}
	for _, a := range x.AutoType.Associations {
		e.AutoType.Associations = append(e.AutoType.Associations, AutoTypeAssociation{
			Window:            a.Window,
			KeystrokeSequence: a.KeystrokeSequence,
		})
	}
	if x.History != nil {
		for _, h := range x.History.Entries {
			e.History = append(e.History, entryFromXML(h))
		}
	}
	return e
}

func entryToXML(e *Entry) xmlEntry {
	x := xmlEntry{
		UUID:            xmlUUID(e.UUID),
		IconID:          e.IconID,
		ForegroundColor: e.ForegroundColor,
		BackgroundColor: e.BackgroundColor,
		OverrideURL:     e.OverrideURL,
		Tags:            e.Tags,
		Times:           fromTimes(e.Times),
		AutoType: xmlAutoType{
			Enabled:                 xmlBool(e.AutoType.Enabled),
			DataTransferObfuscation: e.AutoType.DataTransferObfuscation,
			DefaultSequence:         e.AutoType.DefaultSequence,
		},
	}
	if e.CustomIconUUID != nil {
		u := xmlUUID(*e.CustomIconUUID)
		x.CustomIconUUID = &u
	}
	for _, s := range e.Strings {
		x.Strings = append(x.Strings, xmlStringField{
			Key: s.Key,
			Value: xmlValue{
				Content:        s.Value,
				Protected:      xmlBool(s.Protected),
				ProtectedValue: s.ProtectedValue,
			},
		})
	}
	for _, a := range e.AutoType.Associations {
		x.AutoType.Associations = append(x.AutoType.Associations, xmlAssociation{
			Window:            a.Window,
			KeystrokeSequence: a.KeystrokeSequence,
		})
	}
	if len(e.History) > 0 {
		x.History = &xmlHistory{}
		for _, h := range e.History {
			x.History.Entries = append(x.History.Entries, entryToXML(h))
		}
	}
	return x
}

func groupFromXML(x xmlGroup, parent *Group) *Group {
	g := &Group{
		UUID:                    uuid.UUID(x.UUID),
		Name:                    x.Name,
		Notes:                   x.Notes,
		IconID:                  x.IconID,
		Times:                   x.Times.toTimes(),
		IsExpanded:              bool(x.IsExpanded),
		DefaultAutoTypeSequence: x.DefaultAutoTypeSequence,
		EnableAutoType:          tristateToBool(x.EnableAutoType),
		EnableSearching:         tristateToBool(x.EnableSearching),
		LastTopVisibleEntry:     uuid.UUID(x.LastTopVisibleEntry),
		Parent:                  parent,
	}
	if x.CustomIconUUID != nil {
		u := uuid.UUID(*x.CustomIconUUID)
		g.CustomIconUUID = &u
	}
	for _, e := range x.Entries {
		entry := entryFromXML(e)
		entry.Parent = g
		g.Entries = append(g.Entries, entry)
	}
	for _, sub := range x.Groups {
		g.Groups = append(g.Groups, groupFromXML(sub, g))
	}
	return g
}

func groupToXML(g *Group) xmlGroup {
	x := xmlGroup{
		UUID:                    xmlUUID(g.UUID),
		Name:                    g.Name,
		Notes:                   g.Notes,
		IconID:                  g.IconID,
		Times:                   fromTimes(g.Times),
		IsExpanded:              xmlBool(g.IsExpanded),
		DefaultAutoTypeSequence: g.DefaultAutoTypeSequence,
		EnableAutoType:          boolToTristate(g.EnableAutoType),
		EnableSearching:         boolToTristate(g.EnableSearching),
		LastTopVisibleEntry:     xmlUUID(g.LastTopVisibleEntry),
	}
	if g.CustomIconUUID != nil {
		u := xmlUUID(*g.CustomIconUUID)
		x.CustomIconUUID = &u
	}
	for _, e := range g.Entries {
		x.Entries = append(x.Entries, entryToXML(e))
	}
	for _, sub := range g.Groups {
		x.Groups = append(x.Groups, groupToXML(sub))
	}
	return x
}

// decodeXML parses raw KDBX v4 XML payload bytes into a KeePassFile tree.
func decodeXML(data []byte) (*KeePassFile, error) {
	var x xmlKeePassFile
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, newErr(KindXMLParseError, "%v", err)
	}
	kf := &KeePassFile{
		Meta: Meta{
			DatabaseName:               x.Meta.DatabaseName,
			DatabaseNameChanged:        time.Time(x.Meta.DatabaseNameChanged),
			DatabaseDescription:        x.Meta.DatabaseDescription,
			DatabaseDescriptionChanged: time.Time(x.Meta.DatabaseDescriptionChanged),
			DefaultUserName:            x.Meta.DefaultUserName,
			DefaultUserNameChanged:     time.Time(x.Meta.DefaultUserNameChanged),
			EntryTemplatesGroup:        uuid.UUID(x.Meta.EntryTemplatesGroup),
			EntryTemplatesGroupChanged: time.Time(x.Meta.EntryTemplatesGroupChanged),
			RecycleBinEnabled:          bool(x.Meta.RecycleBinEnabled),
			RecycleBinUUID:             uuid.UUID(x.Meta.RecycleBinUUID),
			RecycleBinChanged:          time.Time(x.Meta.RecycleBinChanged),
			HistoryMaxItems:            x.Meta.HistoryMaxItems,
			HistoryMaxSize:             x.Meta.HistoryMaxSize,
			HeaderHash:                 x.Meta.HeaderHash,
			LastSelectedGroup:          uuid.UUID(x.Meta.LastSelectedGroup),
			LastTopVisibleGroup:        uuid.UUID(x.Meta.LastTopVisibleGroup),
			Binaries:                   x.Meta.Binaries,
			CustomData:                 x.Meta.CustomData,
		},
	}
	for _, g := range x.Root.Groups {
		kf.Root.Groups = append(kf.Root.Groups, groupFromXML(g, nil))
	}
	for _, d := range x.Root.DeletedObjects {
		kf.Root.DeletedObjects = append(kf.Root.DeletedObjects, DeletedObject{
			UUID:         uuid.UUID(d.UUID),
			DeletionTime: time.Time(d.DeletionTime),
		})
	}
	return kf, nil
}

// encodeXML serializes a KeePassFile tree back into XML payload bytes.
func encodeXML(kf *KeePassFile) ([]byte, error) {
	x := xmlKeePassFile{
		Meta: xmlMeta{
			DatabaseName:               kf.Meta.DatabaseName,
			DatabaseNameChanged:        xmlTime(kf.Meta.DatabaseNameChanged),
			DatabaseDescription:        kf.Meta.DatabaseDescription,
			DatabaseDescriptionChanged: xmlTime(kf.Meta.DatabaseDescriptionChanged),
			DefaultUserName:            kf.Meta.DefaultUserName,
			DefaultUserNameChanged:     xmlTime(kf.Meta.DefaultUserNameChanged),
			EntryTemplatesGroup:        xmlUUID(kf.Meta.EntryTemplatesGroup),
			EntryTemplatesGroupChanged: xmlTime(kf.Meta.EntryTemplatesGroupChanged),
			RecycleBinEnabled:          xmlBool(kf.Meta.RecycleBinEnabled),
			RecycleBinUUID:             xmlUUID(kf.Meta.RecycleBinUUID),
			RecycleBinChanged:          xmlTime(kf.Meta.RecycleBinChanged),
			HistoryMaxItems:            kf.Meta.HistoryMaxItems,
			HistoryMaxSize:             kf.Meta.HistoryMaxSize,
			HeaderHash:                 kf.Meta.HeaderHash,
			LastSelectedGroup:          xmlUUID(kf.Meta.LastSelectedGroup),
			LastTopVisibleGroup:        xmlUUID(kf.Meta.LastTopVisibleGroup),
			Binaries:                   kf.Meta.Binaries,
			CustomData:                 kf.Meta.CustomData,
		},
	}
	for _, g := range kf.Root.Groups {
		x.Root.Groups = append(x.Root.Groups, groupToXML(g))
	}
	for _, d := range kf.Root.DeletedObjects {
		x.Root.DeletedObjects = append(x.Root.DeletedObjects, xmlDeletedObject{
			UUID:         xmlUUID(d.UUID),
			DeletionTime: xmlTime(d.DeletionTime),
		})
	}
	return xml.MarshalIndent(x, "", "\t")
}
