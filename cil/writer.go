package cil

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
)

// Write serializes the module. A module that was not changed since it was
// read is written back byte for byte. Otherwise the MethodDef and Param
// tables are rebuilt, every reference to a renumbered row is rewritten,
// and new bodies go with the new metadata into a trailing section.
func (m *Module) Write(w io.Writer) error {
	data := m.img.data
	if m.modified {
		var err error
		if data, err = m.encode(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSerialization, m.Name, err)
		}
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSerialization, m.Name, err)
	}
	return nil
}

type writer struct {
	m    *Module
	md   *metadata
	plan *patchPlan

	// remap maps old row numbers to new ones per table. A zero entry is a
	// dropped row; a nil slice leaves the table's numbering unchanged.
	remap [numTables][]uint32

	methods []*Method
	rowOf   map[*Method]uint32
}

func (m *Module) encode() ([]byte, error) {
	img := m.img
	if img.cli.vtableFixups.Size != 0 {
		return nil, fmt.Errorf("%w: image has vtable fixups", ErrUnsupported)
	}
	plan, err := img.planPatchSection()
	if err != nil {
		return nil, err
	}

	w := &writer{m: m, md: m.md.copy(), plan: plan, rowOf: make(map[*Method]uint32)}
	w.rebuildMethods()
	for t := TableID(0); t < numTables; t++ {
		if t == TableMethodDef || t == TableParam || t == TableCustomAttribute {
			continue
		}
		if err := w.remapTable(t); err != nil {
			return nil, err
		}
	}
	// Custom attributes can hang off rows of any table, so they go last.
	if err := w.remapTable(TableCustomAttribute); err != nil {
		return nil, err
	}

	base := clone(img.data)
	dirty, err := w.patchBodies(base)
	if err != nil {
		return nil, err
	}
	content, err := w.encodeBodies(dirty)
	if err != nil {
		return nil, err
	}

	w.newMVID()
	mdBytes, err := w.md.encode()
	if err != nil {
		return nil, err
	}
	for len(content)%4 != 0 {
		content = append(content, 0)
	}
	mdRVA := plan.va + uint32(len(content))
	content = append(content, mdBytes...)

	if err := w.patchCLIHeader(base, mdRVA, uint32(len(mdBytes))); err != nil {
		return nil, err
	}
	return img.build(base, plan, content), nil
}

// copy returns a metadata whose tables and heaps can be changed without
// affecting md. Rows are shared until remapped.
func (md *metadata) copy() *metadata {
	c := *md
	c.strings = stringHeap{data: clone(md.strings.data)}
	c.blobs = blobHeap{data: clone(md.blobs.data)}
	c.guids = guidHeap{data: clone(md.guids.data)}
	for t := range md.tables {
		c.tables[t] = slices.Clone(md.tables[t])
	}
	return &c
}

// rebuildMethods lays out the MethodDef and Param tables from the types'
// method lists.
func (w *writer) rebuildMethods() {
	m, md := w.m, w.md
	mapMethods := make([]uint32, m.md.rowCount(TableMethodDef)+1)
	mapParams := make([]uint32, m.md.rowCount(TableParam)+1)

	var methods, params [][]uint32
	for i, t := range m.types {
		typeRow := slices.Clone(md.tables[TableTypeDef][i])
		typeRow[colTypeDefMethodList] = uint32(len(methods) + 1)
		md.tables[TableTypeDef][i] = typeRow

		for _, meth := range t.methods {
			rid := uint32(len(methods) + 1)
			if meth.row != 0 {
				mapMethods[meth.row] = rid
			}
			paramList := uint32(len(params) + 1)
			for _, p := range meth.params {
				params = append(params, slices.Clone(m.md.row(TableParam, p)))
				mapParams[p] = uint32(len(params))
			}
			methods = append(methods, []uint32{
				meth.rva,
				uint32(meth.ImplFlags),
				uint32(meth.Flags),
				md.strings.add(meth.Name),
				md.blobs.add(meth.sig),
				paramList,
			})
			w.methods = append(w.methods, meth)
			w.rowOf[meth] = rid
		}
	}
	md.tables[TableMethodDef] = methods
	md.tables[TableParam] = params
	if !isIdentity(mapMethods) {
		w.remap[TableMethodDef] = mapMethods
	}
	if !isIdentity(mapParams) {
		w.remap[TableParam] = mapParams
	}
}

func isIdentity(r []uint32) bool {
	for i := 1; i < len(r); i++ {
		if r[i] != uint32(i) {
			return false
		}
	}
	return true
}

// mapToken translates an old token to the new numbering. It reports false
// when the row it names was dropped.
func (w *writer) mapToken(tok Token) (Token, bool) {
	t := tok.Table()
	if t >= numTables || tok.IsNil() {
		return tok, true
	}
	r := w.remap[t]
	if r == nil {
		return tok, true
	}
	rid := tok.RID()
	if int(rid) >= len(r) || r[rid] == 0 {
		return 0, false
	}
	return NewToken(t, r[rid]), true
}

// remapTable rewrites the references of every row in t. Rows whose owner
// was dropped go with it, references to dropped rows are an error, and
// sorted tables are sorted again.
func (w *writer) remapTable(t TableID) error {
	rows := w.md.tables[t]
	if len(rows) == 0 {
		return nil
	}
	own := make([]uint32, len(rows)+1)
	out := make([][]uint32, 0, len(rows))
	changed := false

next:
	for i, row := range rows {
		nr := slices.Clone(row)
		for c, col := range schemas[t] {
			if col.rel == relList {
				continue
			}
			var tok Token
			switch col.kind {
			case colIndex:
				tok = NewToken(col.table, row[c])
			case colCoded:
				tok = Token(row[c])
			default:
				continue
			}
			if tok.IsNil() {
				continue
			}
			mapped, ok := w.mapToken(tok)
			if !ok {
				if col.rel == relOwner {
					changed = true
					continue next
				}
				return fmt.Errorf("table 0x%02x row %d refers to removed %v", t, i+1, tok)
			}
			if mapped != tok {
				changed = true
			}
			if col.kind == colIndex {
				nr[c] = mapped.RID()
			} else {
				nr[c] = uint32(mapped)
			}
		}
		out = append(out, nr)
		own[i+1] = uint32(len(out))
	}

	if keys, ok := sortKeys[t]; ok {
		perm := make([]int, len(out))
		for i := range perm {
			perm[i] = i
		}
		slices.SortStableFunc(perm, func(a, b int) int {
			return compareRows(t, keys, out[a], out[b])
		})
		sorted := make([][]uint32, len(out))
		pos := make([]uint32, len(out))
		for k, i := range perm {
			sorted[k] = out[i]
			pos[i] = uint32(k + 1)
			if k != i {
				changed = true
			}
		}
		for old, n := range own {
			if n != 0 {
				own[old] = pos[n-1]
			}
		}
		out = sorted
	}

	w.md.tables[t] = out
	if changed {
		w.remap[t] = own
	}
	return nil
}

func compareRows(t TableID, keys []int, a, b []uint32) int {
	for _, c := range keys {
		col := schemas[t][c]
		av, bv := a[c], b[c]
		if col.kind == colCoded {
			av, _ = encodeCoded(col.coded, Token(av))
			bv, _ = encodeCoded(col.coded, Token(bv))
		}
		if r := cmp.Compare(av, bv); r != 0 {
			return r
		}
	}
	return 0
}

// patchBodies rewrites the tokens of bodies that stay where they are and
// returns the methods whose bodies must be encoded into the new section.
func (w *writer) patchBodies(base []byte) ([]*Method, error) {
	renumbered := false
	for t := range w.remap {
		if w.remap[t] != nil && TableID(t) != TableParam {
			renumbered = true
		}
	}

	var dirty []*Method
	seen := make(map[uint32]bool)
	for _, meth := range w.methods {
		if meth.bodyLoaded && meth.body != nil && meth.body.codeOffset < 0 {
			dirty = append(dirty, meth)
			continue
		}
		if meth.rva == 0 || meth.ImplFlags&methodImplCodeTypeMask != methodImplIL {
			continue
		}
		if w.plan.inPatchSection(meth.rva) {
			dirty = append(dirty, meth)
			continue
		}
		if !renumbered || seen[meth.rva] {
			continue
		}
		seen[meth.rva] = true

		data, err := w.m.img.tail(meth.rva)
		if err != nil {
			return nil, fmt.Errorf("body of %s: %w", meth, err)
		}
		off, _ := w.m.img.offset(meth.rva)
		b, err := decodeBody(data, off)
		if err != nil {
			return nil, fmt.Errorf("body of %s: %w", meth, err)
		}
		for _, ins := range b.Instructions {
			tok, ok := ins.Operand.(Token)
			if !ok {
				continue
			}
			mapped, ok := w.mapToken(tok)
			if !ok {
				return nil, fmt.Errorf("%s: %s refers to removed %v", meth, ins, tok)
			}
			if mapped != tok {
				pos := b.codeOffset + ins.Offset + ins.OpCode.Size()
				binary.LittleEndian.PutUint32(base[pos:], uint32(mapped))
			}
		}
	}
	return dirty, nil
}

// encodeBodies encodes the given bodies back to back, each 4-byte
// aligned, and points their MethodDef rows at them.
func (w *writer) encodeBodies(dirty []*Method) ([]byte, error) {
	var content []byte
	for _, meth := range dirty {
		b, err := meth.Body()
		if err != nil {
			return nil, err
		}
		if b.codeOffset < 0 {
			sig, err := parseMethodSig(meth.sig)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", meth, err)
			}
			b.layout()
			depth, err := b.maxStack(!sig.void(), w.stackEffect)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", meth, err)
			}
			b.MaxStack = uint16(depth)
		}
		enc, err := b.encode(w.operandToken)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", meth, err)
		}
		for len(content)%4 != 0 {
			content = append(content, 0)
		}
		rva := w.plan.va + uint32(len(content))
		content = append(content, enc...)
		w.md.tables[TableMethodDef][w.rowOf[meth]-1][colMethodRVA] = rva
	}
	return content, nil
}

func (w *writer) operandToken(operand any) (Token, error) {
	switch v := operand.(type) {
	case MethodRef:
		if v.Method != nil {
			rid, ok := w.rowOf[v.Method]
			if !ok || v.Method.typ == nil {
				return 0, fmt.Errorf("call to removed method %s", v.Method)
			}
			return NewToken(TableMethodDef, rid), nil
		}
		return w.operandToken(v.Token)
	case *Method:
		return w.operandToken(MethodRef{Method: v})
	case Token:
		mapped, ok := w.mapToken(v)
		if !ok {
			return 0, fmt.Errorf("reference to removed %v", v)
		}
		return mapped, nil
	}
	return 0, fmt.Errorf("operand of type %T is not a token", operand)
}

func (w *writer) stackEffect(ins Instruction) (int, int, error) {
	sig, err := w.m.calleeSig(ins.Operand)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", ins, err)
	}
	pop, push := callEffect(ins.OpCode, sig)
	return pop, push, nil
}

// calleeSig returns the signature a call-like operand refers to, in the
// module's read-time numbering.
func (m *Module) calleeSig(operand any) (methodSig, error) {
	switch v := operand.(type) {
	case MethodRef:
		if v.sig != nil {
			return parseMethodSig(v.sig)
		}
		if v.Method != nil {
			return parseMethodSig(v.Method.sig)
		}
		return m.calleeSig(v.Token)
	case *Method:
		return parseMethodSig(v.sig)
	case Token:
		var col int
		switch v.Table() {
		case TableMethodDef:
			col = colMethodSig
		case TableMemberRef:
			col = 2
		case TableStandAloneSig:
			col = 0
		case TableMethodSpec:
			row := m.md.row(TableMethodSpec, v.RID())
			if row == nil {
				return methodSig{}, fmt.Errorf("%w: %v out of range", ErrMalformed, v)
			}
			return m.calleeSig(Token(row[0]))
		default:
			return methodSig{}, fmt.Errorf("%v is not a method", v)
		}
		row := m.md.row(v.Table(), v.RID())
		if row == nil {
			return methodSig{}, fmt.Errorf("%w: %v out of range", ErrMalformed, v)
		}
		b, err := m.md.blobs.get(row[col])
		if err != nil {
			return methodSig{}, err
		}
		return parseMethodSig(b)
	}
	return methodSig{}, fmt.Errorf("operand of type %T is not a method", operand)
}

// newMVID gives the written module a fresh identity so runtimes do not
// confuse it with the original.
func (w *writer) newMVID() {
	row := w.md.tables[TableModule]
	if len(row) == 0 {
		return
	}
	id := uuid.New()
	modRow := slices.Clone(row[0])
	if i := modRow[2]; i != 0 && int(i)*16 <= len(w.md.guids.data) {
		copy(w.md.guids.data[(i-1)*16:], id[:])
	} else {
		modRow[2] = w.md.guids.add(id)
	}
	w.md.tables[TableModule][0] = modRow
}

func (w *writer) patchCLIHeader(base []byte, mdRVA, mdSize uint32) error {
	le := binary.LittleEndian
	cli := base[w.m.img.cliOffset : w.m.img.cliOffset+cliHeaderSize]
	le.PutUint32(cli[8:], mdRVA)
	le.PutUint32(cli[12:], mdSize)

	flags := le.Uint32(cli[16:]) &^ comImageStrongNameSigned
	le.PutUint32(cli[16:], flags)

	if flags&comImageNativeEntryPoint == 0 {
		entry := Token(le.Uint32(cli[20:]))
		mapped, ok := w.mapToken(entry)
		if !ok {
			return fmt.Errorf("entry point %v was removed", entry)
		}
		le.PutUint32(cli[20:], uint32(mapped))
	}
	return nil
}
