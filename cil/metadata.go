package cil

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const metadataSignature = 0x424a5342 // "BSJB"

const (
	heapLargeStrings = 0x01
	heapLargeGUID    = 0x02
	heapLargeBlob    = 0x04
	heapExtraData    = 0x40
)

// metadata is the decoded CLI metadata root: heaps plus logical tables.
type metadata struct {
	major, minor uint16
	version      string

	strings stringHeap
	us      blobHeap
	blobs   blobHeap
	guids   guidHeap
	extra   []stream

	tablesMajor, tablesMinor uint8
	sorted                   uint64

	tables [numTables][][]uint32
}

type stream struct {
	name string
	data []byte
}

// layout captures everything that decides column widths.
type layout struct {
	heapSizes uint8
	rows      [numTables]int
}

func (l *layout) width(c column) int {
	switch c.kind {
	case colU16:
		return 2
	case colU32:
		return 4
	case colString:
		return l.heapWidth(heapLargeStrings)
	case colGUID:
		return l.heapWidth(heapLargeGUID)
	case colBlob:
		return l.heapWidth(heapLargeBlob)
	case colIndex:
		if l.rows[c.table] < 1<<16 {
			return 2
		}
		return 4
	case colCoded:
		ci := codedIndexes[c.coded]
		most := 0
		for _, t := range ci.tables {
			if t != tableNone && l.rows[t] > most {
				most = l.rows[t]
			}
		}
		if most < 1<<(16-ci.bits) {
			return 2
		}
		return 4
	}
	panic("unknown column kind")
}

func (l *layout) heapWidth(flag uint8) int {
	if l.heapSizes&flag != 0 {
		return 4
	}
	return 2
}

func (l *layout) rowSize(t TableID) int {
	n := 0
	for _, c := range schemas[t] {
		n += l.width(c)
	}
	return n
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) need(n int) error {
	if n < 0 || r.pos+n > len(r.data) {
		return fmt.Errorf("%w: unexpected end of data at %d", ErrMalformed, r.pos)
	}
	return nil
}

func (r *byteReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) uint(width int) (uint32, error) {
	if width == 2 {
		v, err := r.u16()
		return uint32(v), err
	}
	return r.u32()
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// parseMetadata decodes the metadata root found at data[0:].
func parseMetadata(data []byte) (*metadata, error) {
	r := &byteReader{data: data}
	sig, err := r.u32()
	if err != nil {
		return nil, err
	}
	if sig != metadataSignature {
		return nil, fmt.Errorf("%w: bad metadata signature 0x%08x", ErrMalformed, sig)
	}

	md := &metadata{}
	if md.major, err = r.u16(); err != nil {
		return nil, err
	}
	if md.minor, err = r.u16(); err != nil {
		return nil, err
	}
	if _, err = r.u32(); err != nil {
		return nil, err
	}
	vlen, err := r.u32()
	if err != nil {
		return nil, err
	}
	vbuf, err := r.bytes(int(vlen))
	if err != nil {
		return nil, err
	}
	md.version = string(bytes.TrimRight(vbuf, "\x00"))
	if _, err = r.u16(); err != nil { // flags
		return nil, err
	}
	nstreams, err := r.u16()
	if err != nil {
		return nil, err
	}

	var tablesStream []byte
	for i := 0; i < int(nstreams); i++ {
		off, err := r.u32()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		nameEnd := bytes.IndexByte(r.data[r.pos:], 0)
		if nameEnd < 0 {
			return nil, fmt.Errorf("%w: unterminated stream name", ErrMalformed)
		}
		name := string(r.data[r.pos : r.pos+nameEnd])
		r.pos += (nameEnd + 4) &^ 3

		if int(off)+int(size) > len(data) {
			return nil, fmt.Errorf("%w: stream %s overruns metadata", ErrMalformed, name)
		}
		body := data[off : off+size]
		switch name {
		case "#~":
			tablesStream = body
		case "#-":
			return nil, fmt.Errorf("%w: uncompressed metadata tables", ErrUnsupported)
		case "#Strings":
			md.strings.data = clone(body)
		case "#US":
			md.us.data = clone(body)
		case "#Blob":
			md.blobs.data = clone(body)
		case "#GUID":
			md.guids.data = clone(body)
		default:
			md.extra = append(md.extra, stream{name: name, data: clone(body)})
		}
	}
	if tablesStream == nil {
		return nil, fmt.Errorf("%w: no #~ stream", ErrMalformed)
	}
	if err := md.parseTables(tablesStream); err != nil {
		return nil, err
	}
	return md, nil
}

func (md *metadata) parseTables(data []byte) error {
	r := &byteReader{data: data}
	if _, err := r.u32(); err != nil {
		return err
	}
	var err error
	if md.tablesMajor, err = r.u8(); err != nil {
		return err
	}
	if md.tablesMinor, err = r.u8(); err != nil {
		return err
	}
	heapSizes, err := r.u8()
	if err != nil {
		return err
	}
	if _, err = r.u8(); err != nil {
		return err
	}
	valid, err := r.u64()
	if err != nil {
		return err
	}
	if md.sorted, err = r.u64(); err != nil {
		return err
	}

	lay := layout{heapSizes: heapSizes}
	for t := 0; t < 64; t++ {
		if valid&(1<<t) == 0 {
			continue
		}
		if t >= numTables {
			return fmt.Errorf("%w: unknown metadata table 0x%02x", ErrUnsupported, t)
		}
		n, err := r.u32()
		if err != nil {
			return err
		}
		lay.rows[t] = int(n)
	}
	if heapSizes&heapExtraData != 0 {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	for _, t := range []TableID{TableFieldPtr, TableMethodPtr, TableParamPtr, TableEventPtr, TablePropertyPtr, TableEncLog, TableEncMap} {
		if lay.rows[t] != 0 {
			return fmt.Errorf("%w: table 0x%02x present", ErrUnsupported, t)
		}
	}

	for t := TableID(0); t < numTables; t++ {
		n := lay.rows[t]
		if n == 0 {
			continue
		}
		if err := r.need(n * lay.rowSize(t)); err != nil {
			return fmt.Errorf("table 0x%02x: %w", t, err)
		}
		rows := make([][]uint32, n)
		for i := range rows {
			row := make([]uint32, len(schemas[t]))
			for c, col := range schemas[t] {
				v, err := r.uint(lay.width(col))
				if err != nil {
					return err
				}
				if col.kind == colCoded {
					tok, err := decodeCoded(col.coded, v)
					if err != nil {
						return fmt.Errorf("table 0x%02x row %d: %w", t, i+1, err)
					}
					v = uint32(tok)
				}
				row[c] = v
			}
			rows[i] = row
		}
		md.tables[t] = rows
	}
	return nil
}

func decodeCoded(c coded, v uint32) (Token, error) {
	ci := codedIndexes[c]
	tag := v & (1<<ci.bits - 1)
	rid := v >> ci.bits
	if rid == 0 {
		return 0, nil
	}
	if int(tag) >= len(ci.tables) || ci.tables[tag] == tableNone {
		return 0, fmt.Errorf("%w: bad coded index tag %d", ErrMalformed, tag)
	}
	return NewToken(ci.tables[tag], rid), nil
}

func encodeCoded(c coded, tok Token) (uint32, error) {
	if tok.IsNil() {
		return 0, nil
	}
	tag, ok := c.tag(tok.Table())
	if !ok {
		return 0, fmt.Errorf("token %v cannot be stored in coded index %d", tok, c)
	}
	return tok.RID()<<codedIndexes[c].bits | tag, nil
}

func (md *metadata) rowCount(t TableID) int { return len(md.tables[t]) }

func (md *metadata) row(t TableID, rid uint32) []uint32 {
	if rid == 0 || int(rid) > len(md.tables[t]) {
		return nil
	}
	return md.tables[t][rid-1]
}

func (md *metadata) appendRow(t TableID, row []uint32) uint32 {
	md.tables[t] = append(md.tables[t], row)
	return uint32(len(md.tables[t]))
}

func (md *metadata) layout() layout {
	var lay layout
	if len(md.strings.data) > 0xffff {
		lay.heapSizes |= heapLargeStrings
	}
	if len(md.guids.data) > 0xffff {
		lay.heapSizes |= heapLargeGUID
	}
	if len(md.blobs.data) > 0xffff {
		lay.heapSizes |= heapLargeBlob
	}
	for t := range md.tables {
		lay.rows[t] = len(md.tables[t])
	}
	return lay
}

// encode writes the metadata root with all streams.
func (md *metadata) encode() ([]byte, error) {
	tables, err := md.encodeTables()
	if err != nil {
		return nil, err
	}
	streams := []stream{
		{"#~", tables},
		{"#Strings", md.strings.data},
		{"#US", md.us.data},
		{"#GUID", md.guids.data},
		{"#Blob", md.blobs.data},
	}
	streams = append(streams, md.extra...)

	version := []byte(md.version)
	version = append(version, 0)
	for len(version)%4 != 0 {
		version = append(version, 0)
	}

	headerSize := 16 + len(version) + 4
	for _, s := range streams {
		headerSize += 8 + (len(s.name)+4)&^3
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&buf, le, uint32(metadataSignature))
	binary.Write(&buf, le, md.major)
	binary.Write(&buf, le, md.minor)
	binary.Write(&buf, le, uint32(0))
	binary.Write(&buf, le, uint32(len(version)))
	buf.Write(version)
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(len(streams)))

	off := headerSize
	for _, s := range streams {
		size := align(len(s.data), 4)
		binary.Write(&buf, le, uint32(off))
		binary.Write(&buf, le, uint32(size))
		name := make([]byte, (len(s.name)+4)&^3)
		copy(name, s.name)
		buf.Write(name)
		off += size
	}
	for _, s := range streams {
		buf.Write(s.data)
		buf.Write(make([]byte, align(len(s.data), 4)-len(s.data)))
	}
	return buf.Bytes(), nil
}

func (md *metadata) encodeTables() ([]byte, error) {
	lay := md.layout()

	var valid uint64
	for t := range md.tables {
		if len(md.tables[t]) > 0 {
			valid |= 1 << t
		}
	}
	sorted := md.sorted
	if sorted == 0 {
		for t := range sortKeys {
			sorted |= 1 << t
		}
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&buf, le, uint32(0))
	buf.WriteByte(md.tablesMajor)
	buf.WriteByte(md.tablesMinor)
	buf.WriteByte(lay.heapSizes)
	buf.WriteByte(1)
	binary.Write(&buf, le, valid)
	binary.Write(&buf, le, sorted)
	for t := range md.tables {
		if n := len(md.tables[t]); n > 0 {
			binary.Write(&buf, le, uint32(n))
		}
	}

	for t := TableID(0); t < numTables; t++ {
		for i, row := range md.tables[t] {
			for c, col := range schemas[t] {
				v := row[c]
				if col.kind == colCoded {
					var err error
					if v, err = encodeCoded(col.coded, Token(v)); err != nil {
						return nil, fmt.Errorf("table 0x%02x row %d: %w", t, i+1, err)
					}
				}
				if lay.width(col) == 2 {
					if v > 0xffff {
						return nil, fmt.Errorf("table 0x%02x row %d: value %d does not fit column %d", t, i+1, v, c)
					}
					binary.Write(&buf, le, uint16(v))
				} else {
					binary.Write(&buf, le, v)
				}
			}
		}
	}
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

func align(n, a int) int { return (n + a - 1) &^ (a - 1) }

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
