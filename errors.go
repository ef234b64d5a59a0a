package kdbxmerge

import "fmt"

// Kind identifies a stable error taxonomy entry. Format, crypto, parse and
// merge failures carry one of these (possibly wrapped with context, still
// reachable through errors.As). Errors from reading the input or opening a
// file are returned without a Kind; the façade does not translate them.
type Kind string

const (
	KindUnknownKDBFormat     Kind = "UnknownKDBFormat"
	KindBadMasterKey         Kind = "BadMasterKey"
	KindBadPadding           Kind = "BadPadding"
	KindBlockHashMismatch    Kind = "BlockHashMismatch"
	KindUnknownHeaderField   Kind = "UnknownHeaderField"
	KindHeaderLengthMismatch Kind = "HeaderLengthMismatch"
	KindUnsupportedCipher    Kind = "UnsupportedCipher"
	KindUnsupportedMeta      Kind = "UnsupportedMetaContent"
	KindXMLParseError        Kind = "XmlParseError"
	KindAmbiguousAncestor    Kind = "AmbiguousAncestor"
	KindOrphanedNode         Kind = "OrphanedNode"
	KindInvariantViolation   Kind = "InvariantViolation"
)

// Error is the concrete type behind every Kind-carrying error kdbxmerge
// returns; errors.As finds it through any wrapping.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kdbxmerge: %s: %s", e.Kind, e.Message)
}

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrValueNotFound is a sentinel for a UUID absent from an index. The
// package's own UUID lookups report absence through a map lookup and do
// not return it.
var ErrValueNotFound = newErr(KindInvariantViolation, "uuid not found in index")

// ErrClosed is returned by any Database method called after Close.
var ErrClosed = newErr(KindInvariantViolation, "database handle is closed")
