package kdbxmerge

import (
	"bytes"
	"io"
	"os"
)

// Database is the public handle returned by Open. It owns the decrypted
// object tree, the crypto parameters needed to write it back out, and the
// inner-stream protection state. A Database is not safe for concurrent
// use — see package doc.
type Database struct {
	credentials [][]byte
	isV3        bool
	version     uint32
	v4Header    *v4Header
	masterKey   [32]byte
	protector   *protector

	tree      *KeePassFile
	protected bool
	closed    bool

	xmlBuf *bytes.Reader
}

// Open reads a full KDBX file from r, derives the master key from
// credentials (one raw credential per key source — a password's UTF-8
// bytes, a keyfile's contents), and parses the result into an object
// tree. unprotectOnOpen mirrors the façade's unprotect=true default: pass
// true unless the caller specifically wants to inspect the database with
// its Strings still Salsa20-protected.
func Open(r io.Reader, credentials [][]byte, unprotectOnOpen bool, opts *Options) (*Database, error) {
	if opts == nil {
		opts = NewOptions()
	}
	c, err := openContainer(r, credentials, opts)
	if err != nil {
		return nil, err
	}
	defer c.close()

	db := &Database{credentials: credentials, isV3: c.isV3, version: c.version, protected: true}

	if c.isV3 {
		tree, err := convertV3Plaintext(c.plaintext, c.v3Header.Groups, c.v3Header.Entries)
		if err != nil {
			return nil, err
		}
		db.tree = tree
		db.protected = false // v3 carries no inner-stream protection to restore
	} else {
		tree, err := decodeXML(c.plaintext)
		if err != nil {
			return nil, err
		}
		db.tree = tree
		db.v4Header = c.v4Header
		db.version = c.version
		db.masterKey = c.masterKey
		db.protector = newProtector(c.v4Header.ProtectedStreamKey[:])
	}

	if err := db.refreshBuffer(); err != nil {
		return nil, err
	}

	if unprotectOnOpen {
		if err := db.Unprotect(); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// OpenFile is a convenience wrapper around Open for callers working with a
// path rather than an already-open reader.
func OpenFile(path string, credentials [][]byte, unprotectOnOpen bool, opts *Options) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Open(f, credentials, unprotectOnOpen, opts)
}

func (db *Database) requireOpen() error {
	if db.closed {
		return ErrClosed
	}
	return nil
}

// refreshBuffer re-serializes the tree to XML and resets the Read/Seek
// cursor to the start, the way a fresh open would find it. Called after
// any operation that mutates the tree: Merge, Protect, Unprotect.
func (db *Database) refreshBuffer() error {
	data, err := encodeXML(db.tree)
	if err != nil {
		return err
	}
	db.xmlBuf = bytes.NewReader(data)
	return nil
}

// Read implements io.Reader over the tree's current plaintext-or-protected
// XML serialization.
func (db *Database) Read(p []byte) (int, error) {
	if err := db.requireOpen(); err != nil {
		return 0, err
	}
	return db.xmlBuf.Read(p)
}

// Seek implements io.Seeker over the same buffer Read consumes.
func (db *Database) Seek(offset int64, whence int) (int64, error) {
	if err := db.requireOpen(); err != nil {
		return 0, err
	}
	return db.xmlBuf.Seek(offset, whence)
}

// Tell reports the current Read/Seek cursor position.
func (db *Database) Tell() (int64, error) {
	if err := db.requireOpen(); err != nil {
		return 0, err
	}
	return db.xmlBuf.Seek(0, io.SeekCurrent)
}

// PrettyPrint renders the current tree as indented XML for inspection.
// encodeXML already tab-indents its output, so this is just a string view
// over the same serialization Read/Seek/Tell expose.
func (db *Database) PrettyPrint() (string, error) {
	if err := db.requireOpen(); err != nil {
		return "", err
	}
	data, err := encodeXML(db.tree)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteTo serializes the tree back into a full KDBX file. Only v4 targets
// are supported — re-emitting the legacy v3 binary format is out of
// scope. The Strings are written in their protected form regardless of
// the handle's current state, matching what a real KDBX file requires on
// disk; Protect/Unprotect is restored around the write so WriteTo has no
// visible side effect on the handle's protection state.
func (db *Database) WriteTo(w io.Writer) error {
	if err := db.requireOpen(); err != nil {
		return err
	}
	if db.isV3 {
		return newErr(KindInvariantViolation, "writing KDBX v3 output is not supported")
	}

	wasProtected := db.protected
	if !wasProtected {
		if err := db.Protect(); err != nil {
			return err
		}
	}

	data, encErr := encodeXML(db.tree)
	var writeErr error
	if encErr == nil {
		writeErr = writeV4Container(w, db.v4Header, db.version, db.masterKey, data)
	}

	if !wasProtected {
		if err := db.Unprotect(); err != nil && encErr == nil && writeErr == nil {
			return err
		}
	}
	if encErr != nil {
		return encErr
	}
	return writeErr
}

// Protect re-encrypts every String that was protected at open time and
// hasn't already been re-protected. A no-op on a v3-derived tree, which
// carries no inner-stream protection.
func (db *Database) Protect() error {
	if err := db.requireOpen(); err != nil {
		return err
	}
	if db.protected || db.protector == nil {
		db.protected = true
		return nil
	}
	if err := db.protector.protect(db.tree.Root.Groups); err != nil {
		return err
	}
	db.protected = true
	return db.refreshBuffer()
}

// Unprotect decrypts every protected String in place. A no-op on a
// v3-derived tree.
func (db *Database) Unprotect() error {
	if err := db.requireOpen(); err != nil {
		return err
	}
	if !db.protected || db.protector == nil {
		db.protected = false
		return nil
	}
	if err := db.protector.unprotect(db.tree.Root.Groups); err != nil {
		return err
	}
	db.protected = false
	return db.refreshBuffer()
}

// IsProtected reports whether the tree's Strings are currently in their
// protected (Salsa20-ciphertext) form.
func (db *Database) IsProtected() bool {
	return db.protected
}

// Merge reconciles src into db per mode, unprotecting either side first
// if needed and restoring the protection state each side was found in
// once the merge completes.
func (db *Database) Merge(src *Database, mode Mode, mergeMetadata bool) (*MergeResult, error) {
	if err := db.requireOpen(); err != nil {
		return nil, err
	}
	if err := src.requireOpen(); err != nil {
		return nil, err
	}

	destWasProtected := db.protected
	srcWasProtected := src.protected
	if destWasProtected {
		if err := db.Unprotect(); err != nil {
			return nil, err
		}
	}
	if srcWasProtected {
		if err := src.Unprotect(); err != nil {
			return nil, err
		}
	}

	result, err := Merge(db.tree, src.tree, mode, mergeMetadata)
	if err != nil {
		return nil, err
	}
	if err := db.refreshBuffer(); err != nil {
		return nil, err
	}

	if destWasProtected {
		if err := db.Protect(); err != nil {
			return nil, err
		}
	}
	if srcWasProtected {
		if err := src.Protect(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Close zeroizes the master key and credentials and releases the tree.
// Further calls on db fail with ErrClosed.
func (db *Database) Close() {
	if db.closed {
		return
	}
	for i := range db.masterKey {
		db.masterKey[i] = 0
	}
	for _, c := range db.credentials {
		for i := range c {
			c[i] = 0
		}
	}
	db.tree = nil
	db.xmlBuf = nil
	db.closed = true
}
