// Package ciltest builds small managed PE images for tests.
//
// The encoder here is written independently of package cil so that tests
// reading its output exercise the reader against images cil did not write.
// Every image is a PE32 DLL whose .text section holds an import of
// mscoree.dll!_CorDllMain, the x86 entry stub, the CLI header, the method
// bodies and the metadata. Table indexes are two bytes wide; heap indexes
// are too unless the assembly asks for wide heaps.
package ciltest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Assembly describes an image to build.
type Assembly struct {
	Name    string
	Version [4]uint16
	Types   []Type
	// StrongNameSigned sets the CLI header flag without signing anything.
	StrongNameSigned bool
	// ExtraSections adds .rsrc and .reloc after .text, which leaves no
	// room in the headers for another section header.
	ExtraSections bool
	// DebugDirectory adds a CodeView debug directory entry to .text.
	DebugDirectory bool
	// WideHeaps pads #Strings and #Blob past 64 KiB so their indexes are
	// four bytes wide and every real index is above 0xffff.
	WideHeaps bool
}

// Type is a class deriving from System.Object.
type Type struct {
	Namespace string
	Name      string
	// Enclosing is the full name of the declaring type of a nested type.
	Enclosing string
	Methods   []Method
}

// Method is a method definition. A nil Body leaves the method without
// code, as for abstract methods.
type Method struct {
	Name   string
	Static bool
	// Params are element types (0x08 for int32 and so on).
	Params     []byte
	ParamNames []string
	// Returns is an element type, zero for void.
	Returns  byte
	Body     []Instr
	FatBody  bool
	Obsolete bool
	// Handlers are exception clauses over Body. They force a fat body.
	Handlers []Handler
}

// Handler is an exception clause. Its bounds are indexes into the
// method's Body; the ends are exclusive. A clause with an empty Catch is a
// finally clause.
type Handler struct {
	TryStart, TryEnd         int
	HandlerStart, HandlerEnd int
	// Catch names the caught type as "[assembly]Namespace.Name".
	Catch string
}

// Instr is one instruction. Target names the callee of call as
// "Type::Method" in this assembly or "[assembly]Type::Method" elsewhere.
// To is the index of the instruction leave.s branches to.
type Instr struct {
	Op     string
	Arg    int8
	Target string
	To     int
}

var simpleOps = map[string]byte{
	"nop":        0x00,
	"ldarg.0":    0x02,
	"pop":        0x26,
	"ret":        0x2a,
	"endfinally": 0xdc,
}

// Instruction helpers.
func Nop() Instr { return Instr{Op: "nop"} }
func Ret() Instr { return Instr{Op: "ret"} }
func Ldarg0() Instr { return Instr{Op: "ldarg.0"} }
func Pop() Instr { return Instr{Op: "pop"} }
func LdcI4S(v int8) Instr { return Instr{Op: "ldc.i4.s", Arg: v} }
func Call(target string) Instr { return Instr{Op: "call", Target: target} }
func Leave(to int) Instr { return Instr{Op: "leave.s", To: to} }
func EndFinally() Instr { return Instr{Op: "endfinally"} }

const (
	imageBase     = 0x400000
	sectionVA     = 0x2000
	sectionAlign  = 0x2000
	fileAlign     = 0x200
	sizeOfHeaders = 0x200
	peOffset      = 0x80

	wideHeapPad = 0x10000
)

// Table numbers used by the encoder.
const (
	tModule          = 0x00
	tTypeRef         = 0x01
	tTypeDef         = 0x02
	tMethodDef       = 0x06
	tParam           = 0x08
	tMemberRef       = 0x0a
	tCustomAttribute = 0x0c
	tAssembly        = 0x20
	tAssemblyRef     = 0x23
	tNestedClass     = 0x29
)

type builder struct {
	a Assembly

	strings []byte
	strIdx  map[string]uint32
	blobs   []byte
	blobIdx map[string]uint32

	typeRefs     [][3]uint32 // scope (coded), name, namespace
	typeRefIdx   map[string]uint16
	assemblyRefs []string
	memberRefs   [][3]uint32 // class (coded), name, sig
	memberRefIdx map[string]uint16

	methodRID map[string]uint16
}

// Build encodes a.
func Build(a Assembly) ([]byte, error) {
	heapStart := 1
	if a.WideHeaps {
		heapStart += wideHeapPad
	}
	b := &builder{
		a:            a,
		strings:      make([]byte, heapStart),
		strIdx:       map[string]uint32{"": 0},
		blobs:        make([]byte, heapStart),
		blobIdx:      map[string]uint32{"": 0},
		typeRefIdx:   map[string]uint16{},
		memberRefIdx: map[string]uint16{},
		methodRID:    map[string]uint16{},
	}
	return b.build()
}

// MustBuild is Build for tests.
func MustBuild(tb testing.TB, a Assembly) []byte {
	tb.Helper()
	data, err := Build(a)
	require.NoError(tb, err)
	return data
}

func (b *builder) str(s string) uint32 {
	if i, ok := b.strIdx[s]; ok {
		return i
	}
	i := uint32(len(b.strings))
	b.strings = append(b.strings, s...)
	b.strings = append(b.strings, 0)
	b.strIdx[s] = i
	return i
}

func (b *builder) blob(v []byte) uint32 {
	if i, ok := b.blobIdx[string(v)]; ok {
		return i
	}
	i := uint32(len(b.blobs))
	b.blobs = append(b.blobs, byte(len(v)))
	b.blobs = append(b.blobs, v...)
	b.blobIdx[string(v)] = i
	return i
}

func (b *builder) assemblyRef(name string) uint16 {
	for i, n := range b.assemblyRefs {
		if n == name {
			return uint16(i + 1)
		}
	}
	b.assemblyRefs = append(b.assemblyRefs, name)
	return uint16(len(b.assemblyRefs))
}

func splitName(full string) (ns, name string) {
	if i := strings.LastIndexByte(full, '.'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

func (b *builder) typeRef(asm, full string) uint16 {
	key := asm + "|" + full
	if i, ok := b.typeRefIdx[key]; ok {
		return i
	}
	scope := b.assemblyRef(asm)<<2 | 2 // ResolutionScope: AssemblyRef
	ns, name := splitName(full)
	b.typeRefs = append(b.typeRefs, [3]uint32{uint32(scope), b.str(name), b.str(ns)})
	i := uint16(len(b.typeRefs))
	b.typeRefIdx[key] = i
	return i
}

// memberRef returns the MemberRef row for "[asm]Type::Method".
func (b *builder) memberRef(target string) (uint16, error) {
	if i, ok := b.memberRefIdx[target]; ok {
		return i, nil
	}
	end := strings.IndexByte(target, ']')
	sep := strings.Index(target, "::")
	if !strings.HasPrefix(target, "[") || end < 0 || sep < end {
		return 0, fmt.Errorf("bad member reference %q", target)
	}
	asm, typ, name := target[1:end], target[end+1:sep], target[sep+2:]
	sig := []byte{0x00, 0x00, 0x01}
	if name == ".ctor" {
		sig[0] = 0x20
	}
	class := b.typeRef(asm, typ)<<3 | 1 // MemberRefParent: TypeRef
	b.memberRefs = append(b.memberRefs, [3]uint32{uint32(class), b.str(name), b.blob(sig)})
	i := uint16(len(b.memberRefs))
	b.memberRefIdx[target] = i
	return i, nil
}

func fullName(t Type) string {
	if t.Enclosing != "" {
		return t.Enclosing + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

func methodSig(m Method) []byte {
	conv := byte(0x20)
	if m.Static {
		conv = 0
	}
	ret := m.Returns
	if ret == 0 {
		ret = 0x01
	}
	sig := []byte{conv, byte(len(m.Params)), ret}
	return append(sig, m.Params...)
}

// typeRefToken returns the TypeRef token for "[asm]Namespace.Name".
func (b *builder) typeRefToken(name string) (uint32, error) {
	end := strings.IndexByte(name, ']')
	if !strings.HasPrefix(name, "[") || end < 0 {
		return 0, fmt.Errorf("bad type reference %q", name)
	}
	return 0x01000000 | uint32(b.typeRef(name[1:end], name[end+1:])), nil
}

func instrSize(ins Instr) int {
	switch ins.Op {
	case "ldc.i4.s", "leave.s":
		return 2
	case "call":
		return 5
	}
	return 1
}

func (b *builder) encodeBody(m Method) ([]byte, error) {
	// offsets[i] is where instruction i starts; the last entry is the
	// code size.
	offsets := make([]int, len(m.Body)+1)
	for i, ins := range m.Body {
		offsets[i+1] = offsets[i] + instrSize(ins)
	}
	at := func(i int) (int, error) {
		if i < 0 || i >= len(offsets) {
			return 0, fmt.Errorf("instruction index %d out of range", i)
		}
		return offsets[i], nil
	}

	var code []byte
	le := binary.LittleEndian
	for i, ins := range m.Body {
		switch ins.Op {
		case "ldc.i4.s":
			code = append(code, 0x1f, byte(ins.Arg))
		case "leave.s":
			to, err := at(ins.To)
			if err != nil {
				return nil, err
			}
			code = append(code, 0xde, byte(int8(to-offsets[i+1])))
		case "call":
			var tok uint32
			if strings.HasPrefix(ins.Target, "[") {
				rid, err := b.memberRef(ins.Target)
				if err != nil {
					return nil, err
				}
				tok = 0x0a000000 | uint32(rid)
			} else {
				rid, ok := b.methodRID[ins.Target]
				if !ok {
					return nil, fmt.Errorf("unknown call target %q", ins.Target)
				}
				tok = 0x06000000 | uint32(rid)
			}
			code = append(code, 0x28)
			code = le.AppendUint32(code, tok)
		default:
			op, ok := simpleOps[ins.Op]
			if !ok {
				return nil, fmt.Errorf("unsupported opcode %q", ins.Op)
			}
			code = append(code, op)
		}
	}
	if !m.FatBody && len(m.Handlers) == 0 && len(code) < 64 {
		return append([]byte{byte(len(code))<<2 | 0x2}, code...), nil
	}
	flags := uint16(0x3003)
	if len(m.Handlers) > 0 {
		flags |= 0x08 // more sections
	}
	hdr := make([]byte, 12)
	le.PutUint16(hdr, flags)
	le.PutUint16(hdr[2:], 8)
	le.PutUint32(hdr[4:], uint32(len(code)))
	body := append(hdr, code...)
	if len(m.Handlers) == 0 {
		return body, nil
	}

	// Small exception section: kind, data size, two reserved bytes, then
	// 12-byte clauses.
	body = pad4(body)
	body = append(body, 0x01, byte(4+12*len(m.Handlers)), 0, 0)
	for _, h := range m.Handlers {
		var bounds [4]int
		for i, idx := range []int{h.TryStart, h.TryEnd, h.HandlerStart, h.HandlerEnd} {
			off, err := at(idx)
			if err != nil {
				return nil, err
			}
			bounds[i] = off
		}
		kind := uint16(0x2) // finally
		var class uint32
		if h.Catch != "" {
			kind = 0
			tok, err := b.typeRefToken(h.Catch)
			if err != nil {
				return nil, err
			}
			class = tok
		}
		body = le.AppendUint16(body, kind)
		body = le.AppendUint16(body, uint16(bounds[0]))
		body = append(body, byte(bounds[1]-bounds[0]))
		body = le.AppendUint16(body, uint16(bounds[2]))
		body = append(body, byte(bounds[3]-bounds[2]))
		body = le.AppendUint32(body, class)
	}
	return body, nil
}

func (b *builder) build() ([]byte, error) {
	a := b.a
	le := binary.LittleEndian

	// Method rows are numbered up front so calls can name later methods.
	rid := uint16(1)
	for _, t := range a.Types {
		for _, m := range t.Methods {
			key := fullName(t) + "::" + m.Name
			if _, dup := b.methodRID[key]; !dup {
				b.methodRID[key] = rid
			}
			rid++
		}
	}
	b.assemblyRef("mscorlib")
	object := b.typeRef("mscorlib", "System.Object")

	// .text layout: IAT, CLI header, bodies, metadata, imports, stub.
	const iatRVA = sectionVA
	const cliRVA = sectionVA + 8
	text := make([]byte, 8+72)

	typeIndex := map[string]int{}
	var typeDefs [][6]uint32
	var methodDefs [][6]uint32
	var params [][3]uint32 // flags, sequence, name
	var attrs [][3]uint32  // parent (coded), type (coded), value
	var nested [][2]uint16

	typeDefs = append(typeDefs, [6]uint32{0, uint32(b.str("<Module>")), 0, 0, 1, 1})
	for ti, t := range a.Types {
		typeIndex[fullName(t)] = ti + 2
		flags := uint32(0x00100001)
		if t.Enclosing != "" {
			flags = 0x00100002
		}
		typeDefs = append(typeDefs, [6]uint32{
			flags,
			uint32(b.str(t.Name)),
			uint32(b.str(t.Namespace)),
			uint32(object)<<2 | 1,
			1,
			uint32(len(methodDefs) + 1),
		})
		for _, m := range t.Methods {
			var rva uint32
			if m.Body != nil {
				body, err := b.encodeBody(m)
				if err != nil {
					return nil, fmt.Errorf("%s::%s: %w", fullName(t), m.Name, err)
				}
				for len(text)%4 != 0 {
					text = append(text, 0)
				}
				rva = sectionVA + uint32(len(text))
				text = append(text, body...)
			}
			flags := uint32(0x0086) // public hidebysig
			if m.Static {
				flags |= 0x0010
			}
			methodDefs = append(methodDefs, [6]uint32{
				rva, 0, flags,
				uint32(b.str(m.Name)),
				uint32(b.blob(methodSig(m))),
				uint32(len(params) + 1),
			})
			for i := range m.Params {
				name := fmt.Sprintf("arg%d", i)
				if i < len(m.ParamNames) {
					name = m.ParamNames[i]
				}
				params = append(params, [3]uint32{0, uint32(i + 1), b.str(name)})
			}
			if m.Obsolete {
				ctor, err := b.memberRef("[mscorlib]System.ObsoleteAttribute::.ctor")
				if err != nil {
					return nil, err
				}
				parent := uint32(len(methodDefs))<<5 | 0 // HasCustomAttribute: MethodDef
				attrs = append(attrs, [3]uint32{parent, uint32(ctor)<<3 | 3, b.blob([]byte{1, 0, 0, 0})})
			}
		}
	}
	for ti, t := range a.Types {
		if t.Enclosing == "" {
			continue
		}
		outer, ok := typeIndex[t.Enclosing]
		if !ok {
			return nil, fmt.Errorf("enclosing type %q of %s not found", t.Enclosing, t.Name)
		}
		nested = append(nested, [2]uint16{uint16(ti + 2), uint16(outer)})
	}

	// Tables stream.
	var tables bytes.Buffer
	w16 := func(vs ...uint16) {
		for _, v := range vs {
			binary.Write(&tables, le, v)
		}
	}
	w32 := func(v uint32) { binary.Write(&tables, le, v) }
	// heap writes string and blob heap indexes.
	heap := func(vs ...uint32) {
		for _, v := range vs {
			if a.WideHeaps {
				w32(v)
			} else {
				w16(uint16(v))
			}
		}
	}
	// small writes coded and table indexes, which are always two bytes.
	small := func(vs ...uint32) {
		for _, v := range vs {
			w16(uint16(v))
		}
	}

	rows := map[int]int{
		tModule:          1,
		tTypeRef:         len(b.typeRefs),
		tTypeDef:         len(typeDefs),
		tMethodDef:       len(methodDefs),
		tParam:           len(params),
		tMemberRef:       len(b.memberRefs),
		tCustomAttribute: len(attrs),
		tAssembly:        1,
		tAssemblyRef:     len(b.assemblyRefs),
		tNestedClass:     len(nested),
	}
	var valid uint64
	for t, n := range rows {
		if n > 0 {
			valid |= 1 << t
		}
	}
	name := b.str(a.Name + ".dll")
	asmName := b.str(a.Name)
	for _, ref := range b.assemblyRefs {
		b.str(ref)
	}
	mscorlibKey := b.blob([]byte{0xb7, 0x7a, 0x5c, 0x56, 0x19, 0x34, 0xe0, 0x89})

	var heapSizes byte
	if a.WideHeaps {
		heapSizes = 0x01 | 0x04 // #Strings and #Blob
	}
	w32(0)
	tables.Write([]byte{2, 0, heapSizes, 1})
	binary.Write(&tables, le, valid)
	binary.Write(&tables, le, uint64(0x000016003301fa00))
	for t := 0; t < 64; t++ {
		if valid&(1<<t) != 0 {
			w32(uint32(rows[t]))
		}
	}

	// Module
	w16(0)
	heap(name)
	w16(1, 0, 0)
	for _, r := range b.typeRefs {
		small(r[0])
		heap(r[1], r[2])
	}
	for _, r := range typeDefs {
		w32(r[0])
		heap(r[1], r[2])
		small(r[3], r[4], r[5])
	}
	for _, r := range methodDefs {
		w32(r[0])
		small(r[1], r[2])
		heap(r[3], r[4])
		small(r[5])
	}
	for _, r := range params {
		small(r[0], r[1])
		heap(r[2])
	}
	for _, r := range b.memberRefs {
		small(r[0])
		heap(r[1], r[2])
	}
	for _, r := range attrs {
		small(r[0], r[1])
		heap(r[2])
	}
	// Assembly
	w32(0x8004)
	w16(a.Version[0], a.Version[1], a.Version[2], a.Version[3])
	w32(0)
	heap(0, asmName, 0)
	for _, ref := range b.assemblyRefs {
		if ref == "mscorlib" {
			w16(2, 0, 0, 0)
			w32(0)
			heap(mscorlibKey, b.str(ref), 0, 0)
			continue
		}
		w16(0, 0, 0, 0)
		w32(0)
		heap(0, b.str(ref), 0, 0)
	}
	for _, r := range nested {
		w16(r[0], r[1])
	}
	for tables.Len()%4 != 0 {
		tables.WriteByte(0)
	}

	guid := []byte("ciltest-mvid-000")
	us := []byte{0, 0, 0, 0}
	streams := []struct {
		name string
		data []byte
	}{
		{"#~", tables.Bytes()},
		{"#Strings", pad4(b.strings)},
		{"#US", us},
		{"#GUID", guid},
		{"#Blob", pad4(b.blobs)},
	}
	version := pad4([]byte("v2.0.50727\x00"))
	hdrSize := 16 + len(version) + 4
	for _, s := range streams {
		hdrSize += 8 + len(pad4(append([]byte(s.name), 0)))
	}
	var md bytes.Buffer
	binary.Write(&md, le, uint32(0x424a5342))
	binary.Write(&md, le, uint16(1))
	binary.Write(&md, le, uint16(1))
	binary.Write(&md, le, uint32(0))
	binary.Write(&md, le, uint32(len(version)))
	md.Write(version)
	binary.Write(&md, le, uint16(0))
	binary.Write(&md, le, uint16(len(streams)))
	off := hdrSize
	for _, s := range streams {
		binary.Write(&md, le, uint32(off))
		binary.Write(&md, le, uint32(len(s.data)))
		md.Write(pad4(append([]byte(s.name), 0)))
		off += len(s.data)
	}
	for _, s := range streams {
		md.Write(s.data)
	}

	text = pad4(text)
	mdRVA := sectionVA + uint32(len(text))
	text = append(text, md.Bytes()...)

	// Imports: descriptor, terminator, lookup table, hint/name, dll name.
	text = pad4(text)
	importRVA := sectionVA + uint32(len(text))
	iltRVA := importRVA + 40
	hintRVA := iltRVA + 8
	dllRVA := hintRVA + 2 + uint32(len("_CorDllMain\x00"))
	imports := make([]byte, 48)
	le.PutUint32(imports[0:], iltRVA)
	le.PutUint32(imports[12:], dllRVA)
	le.PutUint32(imports[16:], iatRVA)
	le.PutUint32(imports[40:], hintRVA)
	imports = append(imports, 0, 0)
	imports = append(imports, "_CorDllMain\x00"...)
	imports = append(imports, "mscoree.dll\x00"...)
	text = append(text, imports...)
	le.PutUint32(text[0:], hintRVA)

	text = pad4(text)
	entryRVA := sectionVA + uint32(len(text))
	text = append(text, 0xff, 0x25)
	text = le.AppendUint32(text, imageBase+iatRVA)

	cli := text[8:80]
	le.PutUint32(cli[0:], 72)
	le.PutUint16(cli[4:], 2)
	le.PutUint16(cli[6:], 5)
	le.PutUint32(cli[8:], mdRVA)
	le.PutUint32(cli[12:], uint32(md.Len()))
	cliFlags := uint32(0x01)
	if a.StrongNameSigned {
		cliFlags |= 0x08
	}
	le.PutUint32(cli[16:], cliFlags)

	dataDirs := map[int][2]uint32{
		1:  {importRVA, 40},
		12: {iatRVA, 8},
		14: {cliRVA, 72},
	}
	if a.DebugDirectory {
		text = pad4(text)
		debugRVA := sectionVA + uint32(len(text))
		cv := append([]byte("RSDS"), guid...)
		cv = le.AppendUint32(cv, 1)
		cv = append(cv, a.Name+".pdb\x00"...)
		entry := make([]byte, 28)
		le.PutUint32(entry[12:], 2) // CodeView
		le.PutUint32(entry[16:], uint32(len(cv)))
		le.PutUint32(entry[20:], debugRVA+28)
		le.PutUint32(entry[24:], sizeOfHeaders+debugRVA+28-sectionVA)
		text = append(text, entry...)
		text = append(text, cv...)
		dataDirs[6] = [2]uint32{debugRVA, 28}
	}

	type section struct {
		name  string
		data  []byte
		flags uint32
		dir   int
		va    uint32
		raw   uint32
	}
	sections := []*section{{name: ".text", data: text, flags: 0x60000020, dir: -1}}
	if a.ExtraSections {
		// An empty resource directory and one base relocation block
		// covering the absolute address in the entry stub.
		reloc := le.AppendUint32(nil, entryRVA&^0xfff)
		reloc = le.AppendUint32(reloc, 12)
		reloc = le.AppendUint16(reloc, 0x3000|uint16((entryRVA+2)&0xfff))
		reloc = le.AppendUint16(reloc, 0)
		sections = append(sections,
			&section{name: ".rsrc", data: make([]byte, 16), flags: 0x40000040, dir: 2},
			&section{name: ".reloc", data: reloc, flags: 0x42000040, dir: 5},
		)
	}
	va, raw := uint32(sectionVA), uint32(sizeOfHeaders)
	var initData uint32
	for _, sec := range sections {
		sec.va, sec.raw = va, raw
		va += uint32(align(len(sec.data), sectionAlign))
		raw += uint32(align(len(sec.data), fileAlign))
		if sec.dir >= 0 {
			dataDirs[sec.dir] = [2]uint32{sec.va, uint32(len(sec.data))}
			initData += uint32(align(len(sec.data), fileAlign))
		}
	}

	out := make([]byte, raw)
	out[0], out[1] = 'M', 'Z'
	le.PutUint32(out[0x3c:], peOffset)
	copy(out[peOffset:], "PE\x00\x00")
	coff := out[peOffset+4:]
	le.PutUint16(coff[0:], 0x14c)
	le.PutUint16(coff[2:], uint16(len(sections)))
	le.PutUint16(coff[16:], 0xe0)
	le.PutUint16(coff[18:], 0x2102)

	opt := out[peOffset+24:]
	le.PutUint16(opt[0:], 0x10b)
	opt[2] = 8
	le.PutUint32(opt[4:], uint32(align(len(text), fileAlign)))
	le.PutUint32(opt[8:], initData)
	le.PutUint32(opt[16:], entryRVA)
	le.PutUint32(opt[20:], sectionVA)
	le.PutUint32(opt[28:], imageBase)
	le.PutUint32(opt[32:], sectionAlign)
	le.PutUint32(opt[36:], fileAlign)
	le.PutUint16(opt[40:], 4)
	le.PutUint16(opt[48:], 4)
	le.PutUint32(opt[56:], va)
	le.PutUint32(opt[60:], sizeOfHeaders)
	le.PutUint16(opt[68:], 3)
	le.PutUint16(opt[70:], 0x8540)
	le.PutUint32(opt[72:], 0x100000)
	le.PutUint32(opt[76:], 0x1000)
	le.PutUint32(opt[80:], 0x100000)
	le.PutUint32(opt[84:], 0x1000)
	le.PutUint32(opt[92:], 16)
	dirs := opt[96:]
	for i, d := range dataDirs {
		le.PutUint32(dirs[i*8:], d[0])
		le.PutUint32(dirs[i*8+4:], d[1])
	}

	for i, sec := range sections {
		hdr := out[peOffset+24+0xe0+i*40:]
		copy(hdr[0:8], sec.name)
		le.PutUint32(hdr[8:], uint32(len(sec.data)))
		le.PutUint32(hdr[12:], sec.va)
		le.PutUint32(hdr[16:], uint32(align(len(sec.data), fileAlign)))
		le.PutUint32(hdr[20:], sec.raw)
		le.PutUint32(hdr[36:], sec.flags)
		copy(out[sec.raw:], sec.data)
	}
	return out, nil
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func align(n, a int) int { return (n + a - 1) &^ (a - 1) }
