package cil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/srdebug/patcher/cil/ciltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]*Module

func (r mapResolver) Resolve(name string) (*Module, error) {
	if m, ok := r[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no assembly %s", name)
}

func writeModule(t *testing.T, m *Module) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, m.Write(&buf))
	return buf.Bytes()
}

func reread(t *testing.T, m *Module) *Module {
	t.Helper()
	out, err := Read(writeModule(t, m))
	require.NoError(t, err)
	return out
}

// hook replaces DebugDirector.Awake with a call to SrDebugDirector.Init.
func hook(t *testing.T, target, source *Module) {
	t.Helper()
	dd, err := target.Type("DebugDirector")
	require.NoError(t, err)
	dir, err := source.Type("SrDebugDirector")
	require.NoError(t, err)
	initMethod, err := dir.Method("Init")
	require.NoError(t, err)

	dd.RemoveMethod("Awake")
	awake := dd.AddVoidMethod("Awake", Public)
	ref, err := target.ImportMethod(initMethod)
	require.NoError(t, err)
	b, err := awake.Body()
	require.NoError(t, err)
	require.NoError(t, b.EmitCallThenReturn(ref))
}

func sectionNames(t *testing.T, data []byte) []string {
	t.Helper()
	f, err := pe.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	var names []string
	for _, s := range f.Sections {
		names = append(names, s.Name)
	}
	return names
}

func TestWriteRoundTrip(t *testing.T) {
	assert := assert.New(t)
	m := readFixture(t, targetAssembly())
	dd, _ := m.Type("DebugDirector")
	require.True(t, dd.RemoveMethod("Awake"))

	out := reread(t, m)
	assert.Equal(typeNames(m), typeNames(out))
	for _, typ := range m.Types() {
		got, err := out.Type(typ.FullName())
		require.NoError(t, err)
		assert.Equal(methodNames(typ), methodNames(got), typ.FullName())
		for _, meth := range typ.Methods() {
			want, err := meth.Body()
			require.NoError(t, err)
			gotMeth, err := got.Method(meth.Name)
			require.NoError(t, err)
			have, err := gotMeth.Body()
			require.NoError(t, err)
			if want == nil {
				assert.Nil(have)
				continue
			}
			assert.Len(have.Instructions, len(want.Instructions), meth.String())
		}
	}
}

func TestWriteRenumbersCallTokens(t *testing.T) {
	m := readFixture(t, targetAssembly())
	dd, _ := m.Type("DebugDirector")
	dd.RemoveMethod("Awake")

	out := reread(t, m)
	player, err := out.Type("Game.Player")
	require.NoError(t, err)
	tick, err := player.Method("Tick")
	require.NoError(t, err)
	b, err := tick.Body()
	require.NoError(t, err)

	tok := b.Instructions[1].Operand.(Token)
	assert.Equal(t, NewToken(TableMethodDef, 4), tok)
	name, err := out.MethodName(tok)
	require.NoError(t, err)
	assert.Equal(t, "Game.Player::Helper", name)
}

func TestWriteDropsRowsOwnedByRemovedMethod(t *testing.T) {
	assert := assert.New(t)
	m := readFixture(t, targetAssembly())
	assert.Equal(1, m.md.rowCount(TableCustomAttribute))
	assert.Equal(1, m.md.rowCount(TableParam))

	dd, _ := m.Type("DebugDirector")
	dd.RemoveMethod("Awake")
	player, _ := m.Type("Game.Player")
	player.RemoveMethod("Jump")

	out := reread(t, m)
	assert.Equal(0, out.md.rowCount(TableCustomAttribute))
	assert.Equal(0, out.md.rowCount(TableParam))
}

func TestWriteRejectsDanglingCall(t *testing.T) {
	m := readFixture(t, targetAssembly())
	player, _ := m.Type("Game.Player")
	player.RemoveMethod("Helper")

	err := m.Write(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrSerialization)
	assert.Contains(t, err.Error(), "Tick")
}

func TestWriteRejectsCallToRemovedNewMethod(t *testing.T) {
	m := readFixture(t, targetAssembly())
	dd, _ := m.Type("DebugDirector")
	helper := dd.AddVoidMethod("Helper", Private)
	helper.Flags |= methodStatic
	helper.sig[0] = 0

	caller := dd.AddVoidMethod("Caller", Public)
	ref, err := m.ImportMethod(helper)
	require.NoError(t, err)
	b, _ := caller.Body()
	require.NoError(t, b.EmitCallThenReturn(ref))

	dd.RemoveMethod("Helper")
	assert.ErrorIs(t, m.Write(&bytes.Buffer{}), ErrSerialization)
}

func TestHook(t *testing.T) {
	tests := map[string]struct {
		withAwake bool
	}{
		"hook exists":  {withAwake: true},
		"hook missing": {withAwake: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			a := targetAssembly()
			if !tc.withAwake {
				a.Types[0].Methods = a.Types[0].Methods[1:]
			}
			target := readFixture(t, a)
			source := readFixture(t, sourceAssembly())
			hook(t, target, source)

			out := reread(t, target)
			dd, err := out.Type("DebugDirector")
			require.NoError(t, err)
			assert.Equal([]string{"Update", "Awake"}, methodNames(dd))

			awake, _ := dd.Method("Awake")
			assert.Equal([]string{"call", "ret"}, opNames(t, awake))
			b, _ := awake.Body()
			name, err := out.MethodName(b.Instructions[0].Operand.(Token))
			require.NoError(t, err)
			assert.Equal("[Assembly-SrDebug]SrDebugDirector::Init", name)

			update, _ := dd.Method("Update")
			assert.Equal([]string{"ldarg.0", "pop", "ret"}, opNames(t, update))

			sig, err := awake.Signature()
			require.NoError(t, err)
			assert.Equal(Signature{Return: "void"}, sig)
			assert.Equal(Public, awake.Visibility())
		})
	}
}

func TestHookTwiceReusesSectionAndReference(t *testing.T) {
	assert := assert.New(t)
	source := readFixture(t, sourceAssembly())
	original := ciltest.MustBuild(t, targetAssembly())

	first, err := Read(original)
	require.NoError(t, err)
	hook(t, first, source)
	data1 := writeModule(t, first)

	second, err := Read(data1)
	require.NoError(t, err)
	hook(t, second, source)
	data2 := writeModule(t, second)

	assert.Equal([]string{".text"}, sectionNames(t, original))
	assert.Equal([]string{".text", patchSectionName}, sectionNames(t, data1))
	assert.Equal([]string{".text", patchSectionName}, sectionNames(t, data2))

	m1, err := Read(data1)
	require.NoError(t, err)
	m2, err := Read(data2)
	require.NoError(t, err)
	for _, table := range []TableID{TableMemberRef, TableTypeRef, TableAssemblyRef, TableMethodDef} {
		assert.Equal(m1.md.rowCount(table), m2.md.rowCount(table), "table 0x%02x", table)
	}
}

func TestHookFullSectionTable(t *testing.T) {
	assert := assert.New(t)
	a := targetAssembly()
	a.ExtraSections = true
	a.DebugDirectory = true
	original := ciltest.MustBuild(t, a)
	source := readFixture(t, sourceAssembly())

	m, err := Read(original)
	require.NoError(t, err)
	require.Len(t, m.img.sections, 3)
	hook(t, m, source)
	data1 := writeModule(t, m)

	assert.Equal([]string{".text", ".rsrc", ".reloc", patchSectionName}, sectionNames(t, data1))
	out, err := Read(data1)
	require.NoError(t, err)
	shift := m.img.fileAlign
	assert.Equal(m.img.sizeOfHeaders+shift, out.img.sizeOfHeaders)
	for i, s := range m.img.sections {
		got := out.img.sections[i]
		assert.Equal(s.va, got.va, s.name)
		assert.Equal(s.rawOff+shift, got.rawOff, s.name)
		if s.name != ".text" {
			assert.Equal(original[s.rawOff:s.rawOff+s.rawSize], data1[got.rawOff:got.rawOff+got.rawSize], s.name)
		}
	}

	// The debug directory entry still points at its CodeView record.
	dir := out.img.dirs[pe.IMAGE_DIRECTORY_ENTRY_DEBUG]
	entry, _, err := out.img.slice(dir.VirtualAddress, 28)
	require.NoError(t, err)
	rva := binary.LittleEndian.Uint32(entry[20:])
	ptr := binary.LittleEndian.Uint32(entry[24:])
	off, err := out.img.offset(rva)
	require.NoError(t, err)
	assert.Equal(off, int(ptr))
	assert.Equal("RSDS", string(data1[ptr:ptr+4]))

	assert.NoError(out.CheckEntryStub())
	dd, err := out.Type("DebugDirector")
	require.NoError(t, err)
	awake, err := dd.Method("Awake")
	require.NoError(t, err)
	assert.Equal([]string{"call", "ret"}, opNames(t, awake))

	// A second run reuses the trailing section and leaves the headers be.
	hook(t, out, source)
	data2 := writeModule(t, out)
	assert.Equal([]string{".text", ".rsrc", ".reloc", patchSectionName}, sectionNames(t, data2))
	again, err := Read(data2)
	require.NoError(t, err)
	assert.Equal(out.img.sizeOfHeaders, again.img.sizeOfHeaders)
}

func TestWriteSectionDataOverlapsHeaders(t *testing.T) {
	assert := assert.New(t)
	a := targetAssembly()
	a.ExtraSections = true
	data := ciltest.MustBuild(t, a)
	m, err := Read(data)
	require.NoError(t, err)

	reloc := m.img.sections[2]
	binary.LittleEndian.PutUint32(data[reloc.hdrOffset+20:], m.img.sizeOfHeaders-0x10)
	m, err = Read(data)
	require.NoError(t, err)
	dd, _ := m.Type("DebugDirector")
	dd.RemoveMethod("Awake")

	err = m.Write(&bytes.Buffer{})
	assert.ErrorIs(err, ErrSerialization)
	assert.ErrorContains(err, "overlaps the headers")
	assert.Equal(1, strings.Count(err.Error(), ErrSerialization.Error()))
}

func TestWriteRejectsBadBranchOperand(t *testing.T) {
	assert := assert.New(t)
	m := readFixture(t, targetAssembly())
	dd, _ := m.Type("DebugDirector")
	broken := dd.AddVoidMethod("Broken", Public)
	b, err := broken.Body()
	require.NoError(t, err)
	b.Instructions = []Instruction{
		{OpCode: op(0x2b), Operand: "IL_0002"},
		{OpCode: Ret},
	}

	assert.NotPanics(func() { err = m.Write(&bytes.Buffer{}) })
	assert.ErrorIs(err, ErrSerialization)
	assert.ErrorContains(err, "DebugDirector::Broken")
}

func TestWriteWideHeaps(t *testing.T) {
	assert := assert.New(t)
	a := targetAssembly()
	a.WideHeaps = true
	target := readFixture(t, a)
	source := readFixture(t, sourceAssembly())
	hook(t, target, source)

	out := reread(t, target)
	assert.Equal(uint8(heapLargeStrings|heapLargeBlob), out.md.layout().heapSizes)
	assert.Equal(typeNames(target), typeNames(out))

	dd, err := out.Type("DebugDirector")
	require.NoError(t, err)
	assert.Equal([]string{"Update", "Awake"}, methodNames(dd))
	awake, _ := dd.Method("Awake")
	b, err := awake.Body()
	require.NoError(t, err)
	name, err := out.MethodName(b.Instructions[0].Operand.(Token))
	require.NoError(t, err)
	assert.Equal("[Assembly-SrDebug]SrDebugDirector::Init", name)

	player, _ := out.Type("Game.Player")
	jump, err := player.Method("Jump")
	require.NoError(t, err)
	sig, err := jump.Signature()
	require.NoError(t, err)
	assert.Equal(Signature{Return: "void", Params: []string{"int32"}}, sig)
}

func TestWriteKeepsExceptionHandlers(t *testing.T) {
	assert := assert.New(t)
	m := readFixture(t, guardedAssembly())
	dd, _ := m.Type("DebugDirector")
	dd.RemoveMethod("Awake")

	// A new body with a finally clause goes through the encoder.
	fresh := dd.AddVoidMethod("Fresh", Public)
	b, err := fresh.Body()
	require.NoError(t, err)
	b.Instructions = []Instruction{
		{OpCode: Nop},
		{OpCode: op(0xde), Operand: 5},
		{OpCode: Nop},
		{OpCode: op(0xdc)},
		{OpCode: Ret},
	}
	finally := ExceptionHandler{Flags: HandlerFinally, TryOffset: 0, TryLength: 3, HandlerOffset: 3, HandlerLength: 2}
	b.Handlers = []ExceptionHandler{finally}

	out := reread(t, m)
	player, err := out.Type("Game.Player")
	require.NoError(t, err)
	for _, name := range []string{"Guarded", "Caught"} {
		meth, err := player.Method(name)
		require.NoError(t, err)
		got, err := meth.Body()
		require.NoError(t, err)
		require.Len(t, got.Handlers, 1, name)
	}
	caught, _ := player.Method("Caught")
	got, _ := caught.Body()
	assert.Contains(out.typeName(got.Handlers[0].ClassToken), "System.Exception")

	outDD, err := out.Type("DebugDirector")
	require.NoError(t, err)
	freshOut, err := outDD.Method("Fresh")
	require.NoError(t, err)
	assert.Equal([]string{"nop", "leave.s", "nop", "endfinally", "ret"}, opNames(t, freshOut))
	got, err = freshOut.Body()
	require.NoError(t, err)
	assert.Equal([]ExceptionHandler{finally}, got.Handlers)
}

func TestImportMethodIsInterned(t *testing.T) {
	assert := assert.New(t)
	target := readFixture(t, targetAssembly())
	source := readFixture(t, sourceAssembly())
	dir, _ := source.Type("SrDebugDirector")
	initMethod, _ := dir.Method("Init")

	before := target.md.rowCount(TableMemberRef)
	ref1, err := target.ImportMethod(initMethod)
	require.NoError(t, err)
	ref2, err := target.ImportMethod(initMethod)
	require.NoError(t, err)

	assert.Equal(ref1.Token, ref2.Token)
	assert.Equal(TableMemberRef, ref1.Token.Table())
	assert.Equal(before+1, target.md.rowCount(TableMemberRef))
	assert.True(target.Modified())
	assert.False(source.Modified())
}

func TestImportMethodResolver(t *testing.T) {
	source := readFixture(t, sourceAssembly())
	impostor := readFixture(t, sourceAssembly())
	dir, _ := source.Type("SrDebugDirector")
	initMethod, _ := dir.Method("Init")

	tests := map[string]struct {
		resolver mapResolver
		wantErr  bool
	}{
		"same module":      {resolver: mapResolver{"Assembly-SrDebug": source}},
		"different module": {resolver: mapResolver{"Assembly-SrDebug": impostor}, wantErr: true},
		"unresolvable":     {resolver: mapResolver{}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			target := readFixture(t, targetAssembly(), WithResolver(tc.resolver))
			_, err := target.ImportMethod(initMethod)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestWriteClearsStrongNameAndRenewsMVID(t *testing.T) {
	assert := assert.New(t)
	a := targetAssembly()
	a.StrongNameSigned = true
	m := readFixture(t, a)
	assert.NotZero(m.img.cli.flags & comImageStrongNameSigned)
	mvid, err := m.md.guids.get(m.md.row(TableModule, 1)[2])
	require.NoError(t, err)

	dd, _ := m.Type("DebugDirector")
	dd.RemoveMethod("Awake")
	out := reread(t, m)

	assert.Zero(out.img.cli.flags & comImageStrongNameSigned)
	assert.NotZero(out.img.cli.flags & comImageILOnly)
	newMVID, err := out.md.guids.get(out.md.row(TableModule, 1)[2])
	require.NoError(t, err)
	assert.NotEqual(mvid, newMVID)

	stub, err := out.EntryStub()
	require.NoError(t, err)
	assert.Equal("mscoree.dll!_CorDllMain", stub.Import)
}
