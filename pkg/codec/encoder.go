package codec

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

type listFrame struct {
	headerPos int // position of the tag byte
	bodyStart int // position where the list body begins
	big       bool
}

// Encoder appends chunks to a growing byte buffer. The whole archive is
// wrapped in an outer BigList, opened by NewEncoder and closed by Bytes.
type Encoder struct {
	buf   []byte
	stack []listFrame
}

// NewEncoder starts a new archive, pushing the implicit outer BigList
// container.
func NewEncoder() *Encoder {
	e := &Encoder{buf: make([]byte, 0, 128)}
	e.pushContainer(true)
	return e
}

func (e *Encoder) pushContainer(big bool) {
	headerPos := len(e.buf)
	if big {
		e.buf = append(e.buf, byte(TagBigList), 0, 0)
	} else {
		e.buf = append(e.buf, byte(TagList), 0)
	}
	e.stack = append(e.stack, listFrame{headerPos: headerPos, bodyStart: len(e.buf), big: big})
}

func (e *Encoder) popContainer() error {
	if len(e.stack) == 0 {
		return ErrUnbalancedList
	}
	f := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	bodyLen := len(e.buf) - f.bodyStart

	if f.big {
		if bodyLen > MaxBigList {
			return ErrSizeExceeded
		}
		e.buf[f.headerPos] = byte(TagBigList) | byte((bodyLen&0xf)<<4)
		e.buf[f.headerPos+1] = byte((bodyLen >> 4) & 0xff)
		e.buf[f.headerPos+2] = byte((bodyLen >> 12) & 0xff)
	} else {
		if bodyLen > MaxList {
			return ErrSizeExceeded
		}
		e.buf[f.headerPos] = byte(TagList) | byte((bodyLen&0xf)<<4)
		e.buf[f.headerPos+1] = byte((bodyLen >> 4) & 0xff)
	}
	return nil
}

// BeginList opens a nested List container (used for both real lists and
// for maps, encoded as an alternating key/value list).
func (e *Encoder) BeginList() {
	e.pushContainer(false)
}

// EndList closes the innermost open List container, back-patching its
// length header.
func (e *Encoder) EndList() error {
	return e.popContainer()
}

// Bytes finalizes the archive: closes the outer BigList and returns the
// encoded bytes. The encoder must not be used afterwards.
func (e *Encoder) Bytes() ([]byte, error) {
	if err := e.popContainer(); err != nil {
		return nil, err
	}
	if len(e.stack) != 0 {
		return nil, ErrUnbalancedList
	}
	return e.buf, nil
}

func (e *Encoder) Null() {
	e.buf = append(e.buf, byte(TagNull))
}

func (e *Encoder) Bool(v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	e.buf = append(e.buf, byte(TagBool), b)
}

// Int auto-narrows non-negative values into the smallest tag that fits
// (SmallInt ≤15, then Uint8 ≤255, then Uint16 ≤65535), falling back to a
// 4-byte signed Int otherwise.
func (e *Encoder) Int(v int32) {
	switch {
	case v >= 0 && v <= 15:
		e.buf = append(e.buf, byte(TagSmallInt)|byte(v<<4))
	case v >= 0 && v <= 255:
		e.buf = append(e.buf, byte(TagUint8), byte(v))
	case v >= 0 && v <= 65535:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		e.buf = append(e.buf, byte(TagUint16), b[0], b[1])
	default:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		e.buf = append(e.buf, byte(TagInt), b[0], b[1], b[2], b[3])
	}
}

func (e *Encoder) Uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, byte(TagUint64))
	e.buf = append(e.buf, b[:]...)
}

// Time encodes t as milliseconds since the Unix epoch.
func (e *Encoder) Time(t time.Time) {
	ms := t.UnixMilli()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(ms))
	e.buf = append(e.buf, byte(TagPosixTime))
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) UUID(u uuid.UUID) {
	if u == uuid.Nil {
		e.buf = append(e.buf, byte(TagNilUUID))
		return
	}
	e.buf = append(e.buf, byte(TagUUID))
	e.buf = append(e.buf, u[:]...)
}

// String writes s as SmallString when it fits in 15 bytes, else as String,
// silently truncating to the 4095-byte cap (matching the original
// encoder's behavior).
func (e *Encoder) String(s string) {
	b := []byte(s)
	if len(b) > MaxString {
		b = b[:MaxString]
	}
	if len(b) <= MaxSmallString {
		e.buf = append(e.buf, byte(TagSmallString)|byte(len(b)<<4))
		e.buf = append(e.buf, b...)
		return
	}
	n := len(b)
	e.buf = append(e.buf, byte(TagString)|byte((n&0xf)<<4), byte((n>>4)&0xff))
	e.buf = append(e.buf, b...)
}

// RawData writes an opaque byte blob, up to 4095 bytes.
func (e *Encoder) RawData(b []byte) error {
	if len(b) > MaxRawData {
		return ErrSizeExceeded
	}
	n := len(b)
	e.buf = append(e.buf, byte(TagRawData)|byte((n&0xf)<<4), byte((n>>4)&0xff))
	e.buf = append(e.buf, b...)
	return nil
}
