package kdbxmerge

import "github.com/google/uuid"

// OpKind identifies one kind of change the merge engine recorded.
type OpKind string

const (
	OpMove        OpKind = "MOVE"
	OpAddGroup    OpKind = "ADD_GROUP"
	OpAddEntry    OpKind = "ADD_ENTRY"
	OpAddProp     OpKind = "ADD_PROP"
	OpModProp     OpKind = "MOD_PROP"
	OpModMetaProp OpKind = "MOD_META_PROP"
	OpDelGroup    OpKind = "DEL_GROUP"
	OpDelEntry    OpKind = "DEL_ENTRY"
	OpDelProp     OpKind = "DEL_PROP"
	OpAddHistory  OpKind = "ADD_HISTORY"
)

// Operation is one audit-log entry the merge engine emits. Path is the
// get_pw_path of the affected node at the time the operation happened,
// captured eagerly since later moves would otherwise invalidate it.
type Operation struct {
	Kind     OpKind
	UUID     uuid.UUID
	Path     string
	Field    string
	OldValue string
	NewValue string
}

// MergeResult is the outcome of a Merge call: the full operation log plus
// a count of ancestor lookups that had to fall back to a 2-way merge.
type MergeResult struct {
	Operations          []Operation
	AmbiguousAncestors  int
}

func (r *MergeResult) record(op Operation) {
	r.Operations = append(r.Operations, op)
}

func (r *MergeResult) prop(kind OpKind, n node, field, oldValue, newValue string) {
	r.record(Operation{Kind: kind, UUID: n.nodeUUID(), Path: getPwPath(n), Field: field, OldValue: oldValue, NewValue: newValue})
}
