package codec

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

type readFrame struct {
	end int // buffer offset one past the end of this container's body
}

// Decoder walks an encoded archive chunk by chunk. It is a cursor, not a
// tree: callers pull typed values off in the order the encoder wrote them,
// mirroring the original archive reader.
type Decoder struct {
	buf   []byte
	pos   int
	stack []readFrame
}

// NewDecoder validates the outer BigList wrapper and positions the cursor
// at its first contained chunk.
func NewDecoder(buf []byte) (*Decoder, error) {
	hdr, err := readChunkHeader(buf, 0)
	if err != nil {
		return nil, err
	}
	if hdr.tag != TagBigList {
		return nil, ErrMalformedEncoding
	}
	if hdr.totalLen > len(buf) {
		return nil, ErrMalformedEncoding
	}
	d := &Decoder{buf: buf, pos: hdr.bodyOff}
	d.stack = append(d.stack, readFrame{end: hdr.bodyOff + hdr.bodyLen})
	return d, nil
}

func (d *Decoder) bound() int {
	return d.stack[len(d.stack)-1].end
}

// More reports whether the current list context has more chunks before
// its closing bound.
func (d *Decoder) More() bool {
	return d.pos < d.bound()
}

// PeekTag returns the tag of the next chunk without consuming it.
func (d *Decoder) PeekTag() (Tag, error) {
	if d.pos >= d.bound() {
		return 0, ErrUnderflow
	}
	hdr, err := readChunkHeader(d.buf, d.pos)
	if err != nil {
		return 0, err
	}
	return hdr.tag, nil
}

func (d *Decoder) next() (chunkHeader, error) {
	if d.pos >= d.bound() {
		return chunkHeader{}, ErrUnderflow
	}
	hdr, err := readChunkHeader(d.buf, d.pos)
	if err != nil {
		return chunkHeader{}, err
	}
	if d.pos+hdr.totalLen > d.bound() {
		return chunkHeader{}, ErrMalformedEncoding
	}
	return hdr, nil
}

func (d *Decoder) advance(hdr chunkHeader) {
	d.pos += hdr.totalLen
}

func (d *Decoder) Bool() (bool, error) {
	hdr, err := d.next()
	if err != nil {
		return false, err
	}
	if hdr.tag != TagBool {
		return false, ErrWrongType
	}
	v := d.buf[d.pos+hdr.bodyOff] != 0
	d.advance(hdr)
	return v, nil
}

// Int reads any of the narrowed integer encodings (SmallInt/Uint8/Uint16/
// Int) and widens the result to int32.
func (d *Decoder) Int() (int32, error) {
	hdr, err := d.next()
	if err != nil {
		return 0, err
	}
	bodyStart := d.pos + hdr.bodyOff
	var v int32
	switch hdr.tag {
	case TagSmallInt:
		v = int32((d.buf[d.pos] >> 4) & 0xf)
	case TagUint8:
		v = int32(d.buf[bodyStart])
	case TagUint16:
		v = int32(binary.LittleEndian.Uint16(d.buf[bodyStart : bodyStart+2]))
	case TagInt:
		v = int32(binary.LittleEndian.Uint32(d.buf[bodyStart : bodyStart+4]))
	default:
		return 0, ErrWrongType
	}
	d.advance(hdr)
	return v, nil
}

func (d *Decoder) Uint64() (uint64, error) {
	hdr, err := d.next()
	if err != nil {
		return 0, err
	}
	if hdr.tag != TagUint64 {
		return 0, ErrWrongType
	}
	bodyStart := d.pos + hdr.bodyOff
	v := binary.LittleEndian.Uint64(d.buf[bodyStart : bodyStart+8])
	d.advance(hdr)
	return v, nil
}

func (d *Decoder) Time() (time.Time, error) {
	hdr, err := d.next()
	if err != nil {
		return time.Time{}, err
	}
	if hdr.tag != TagPosixTime {
		return time.Time{}, ErrWrongType
	}
	bodyStart := d.pos + hdr.bodyOff
	ms := int64(binary.LittleEndian.Uint64(d.buf[bodyStart : bodyStart+8]))
	d.advance(hdr)
	return time.UnixMilli(ms).UTC(), nil
}

func (d *Decoder) UUID() (uuid.UUID, error) {
	hdr, err := d.next()
	if err != nil {
		return uuid.Nil, err
	}
	switch hdr.tag {
	case TagNilUUID:
		d.advance(hdr)
		return uuid.Nil, nil
	case TagUUID:
		bodyStart := d.pos + hdr.bodyOff
		var u uuid.UUID
		copy(u[:], d.buf[bodyStart:bodyStart+16])
		d.advance(hdr)
		return u, nil
	default:
		return uuid.Nil, ErrWrongType
	}
}

func (d *Decoder) String() (string, error) {
	hdr, err := d.next()
	if err != nil {
		return "", err
	}
	if hdr.tag != TagString && hdr.tag != TagSmallString {
		return "", ErrWrongType
	}
	bodyStart := d.pos + hdr.bodyOff
	s := string(d.buf[bodyStart : bodyStart+hdr.bodyLen])
	d.advance(hdr)
	return s, nil
}

func (d *Decoder) RawData() ([]byte, error) {
	hdr, err := d.next()
	if err != nil {
		return nil, err
	}
	if hdr.tag != TagRawData {
		return nil, ErrWrongType
	}
	bodyStart := d.pos + hdr.bodyOff
	out := make([]byte, hdr.bodyLen)
	copy(out, d.buf[bodyStart:bodyStart+hdr.bodyLen])
	d.advance(hdr)
	return out, nil
}

// BeginList descends into a nested List or BigList container, so
// subsequent reads are scoped to its body until EndList.
func (d *Decoder) BeginList() error {
	hdr, err := d.next()
	if err != nil {
		return err
	}
	if hdr.tag != TagList && hdr.tag != TagBigList {
		return ErrWrongType
	}
	bodyStart := d.pos + hdr.bodyOff
	d.advance(hdr)
	d.stack = append(d.stack, readFrame{end: bodyStart + hdr.bodyLen})
	d.pos = bodyStart
	return nil
}

// EndList returns the cursor to the parent container, positioned right
// after the list just read (skipping any trailing chunks the caller chose
// not to consume).
func (d *Decoder) EndList() error {
	if len(d.stack) < 2 {
		return ErrUnbalancedList
	}
	end := d.bound()
	d.stack = d.stack[:len(d.stack)-1]
	d.pos = end
	return nil
}
