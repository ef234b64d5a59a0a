package kdbxmerge

import "encoding/base64"

// protector carries the Salsa20 keystream state for one unprotect/protect
// round over a single tree. It mirrors the gokeepasslib reference's
// StreamManager: a single stream instance walked across the whole tree in
// document order, not a fresh stream per value.
type protector struct {
	stream *salsaKeystream
}

func newProtector(protectedStreamKey []byte) *protector {
	return &protector{stream: newSalsaKeystream(protectedStreamKey)}
}

// unprotect walks roots in document order and, for every String whose
// Value is Protected, base64-decodes it, XORs it with the next len(plain)
// keystream bytes, stores the decoded plaintext as Value, records the
// original base64 text in ProtectedValue, and clears Protected. It also
// descends into each Entry's History, matching the gokeepasslib
// reference's UnlockProtectedEntry walking Histories after Values.
func (p *protector) unprotect(roots []*Group) error {
	p.stream.reset()
	var err error
	walkDocumentOrder(roots, func(n node) {
		if err != nil {
			return
		}
		e, ok := n.(*Entry)
		if !ok {
			return
		}
		if unlockErr := p.unlockEntry(e); unlockErr != nil {
			err = unlockErr
		}
	})
	return err
}

func (p *protector) unlockEntry(e *Entry) error {
	for i := range e.Strings {
		if err := p.unlockString(&e.Strings[i]); err != nil {
			return err
		}
	}
	for _, h := range e.History {
		if err := p.unlockEntry(h); err != nil {
			return err
		}
	}
	return nil
}

func (p *protector) unlockString(s *StringField) error {
	if !s.Protected {
		return nil
	}
	cipher, err := base64.StdEncoding.DecodeString(s.Value)
	if err != nil {
		return newErr(KindXMLParseError, "decoding protected value: %v", err)
	}
	plain := xorBytes(cipher, p.stream.next(len(cipher)))
	s.ProtectedValue = s.Value
	s.Value = string(plain)
	s.Protected = false
	return nil
}

// protect resets the keystream and re-walks roots in document order,
// re-encoding every String that is currently unprotected but carries a
// ProtectedValue marker (meaning it was protected on load) back into
// ciphertext, consuming exactly as many keystream bytes as the matching
// unprotect pass did. Strings introduced fresh by a merge
// without ever having been protected are left untouched: nothing in the
// object model obliges a brand-new field to become protected.
func (p *protector) protect(roots []*Group) error {
	p.stream.reset()
	var err error
	walkDocumentOrder(roots, func(n node) {
		if err != nil {
			return
		}
		e, ok := n.(*Entry)
		if !ok {
			return
		}
		if lockErr := p.lockEntry(e); lockErr != nil {
			err = lockErr
		}
	})
	return err
}

func (p *protector) lockEntry(e *Entry) error {
	for i := range e.Strings {
		if err := p.lockString(&e.Strings[i]); err != nil {
			return err
		}
	}
	for _, h := range e.History {
		if err := p.lockEntry(h); err != nil {
			return err
		}
	}
	return nil
}

func (p *protector) lockString(s *StringField) error {
	if s.Protected || s.ProtectedValue == "" {
		return nil
	}
	plain := []byte(s.Value)
	cipher := xorBytes(plain, p.stream.next(len(plain)))
	s.Value = base64.StdEncoding.EncodeToString(cipher)
	s.Protected = true
	s.ProtectedValue = ""
	return nil
}
