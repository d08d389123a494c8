package cil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// EntryStub describes the native entry point of an IL-only image. On x86
// it is a single indirect jump through the import address table into
// mscoree.dll.
type EntryStub struct {
	RVA uint32
	// Text is the disassembled instruction.
	Text string
	// Slot is the RVA of the import address table entry jumped through,
	// zero when the stub is not an indirect jump.
	Slot uint32
	// Import names the function bound to Slot, as "dll!function".
	Import string
}

// EntryStub decodes the image's native entry point. It returns nil when
// the image has none, which is normal for PE32+ images.
func (m *Module) EntryStub() (*EntryStub, error) {
	img := m.img
	if img.entryPoint == 0 {
		return nil, nil
	}
	code, err := img.tail(img.entryPoint)
	if err != nil {
		return nil, err
	}
	if len(code) > 16 {
		code = code[:16]
	}

	mode := 32
	if img.pe32plus {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: entry stub at 0x%x: %v", ErrMalformed, img.entryPoint, err)
	}

	stub := &EntryStub{RVA: img.entryPoint, Text: inst.String()}
	if inst.Op != x86asm.JMP {
		return stub, nil
	}
	mem, ok := inst.Args[0].(x86asm.Mem)
	if !ok {
		return stub, nil
	}
	switch {
	case mem.Base == x86asm.RIP:
		stub.Slot = uint32(int64(img.entryPoint) + int64(inst.Len) + mem.Disp)
	case mem.Base == 0 && mem.Index == 0:
		stub.Slot = uint32(uint64(uint32(mem.Disp)) - img.imageBase)
	default:
		return stub, nil
	}

	stub.Import, err = img.importName(stub.Slot)
	if err != nil && !errors.Is(err, errNoImport) {
		return nil, err
	}
	return stub, nil
}

// runtimeEntries are the mscoree.dll exports an IL-only image's entry stub
// may jump to.
var runtimeEntries = map[string]bool{
	"_CorDllMain": true,
	"_CorExeMain": true,
}

// CheckEntryStub fails with ErrUnsupported unless the image is IL only and
// its native entry point, if it has one, is a jump into mscoree.dll. Mixed
// mode images run native code of their own that a rewrite would break.
func (m *Module) CheckEntryStub() error {
	if m.img.cli.flags&comImageILOnly == 0 {
		return fmt.Errorf("%w: %s is not IL only", ErrUnsupported, m.Name)
	}
	if m.img.cli.flags&comImageNativeEntryPoint != 0 {
		return fmt.Errorf("%w: %s has a native managed entry point", ErrUnsupported, m.Name)
	}
	stub, err := m.EntryStub()
	if err != nil {
		return err
	}
	if stub == nil {
		return nil
	}
	dll, fn, _ := strings.Cut(stub.Import, "!")
	if !strings.EqualFold(dll, "mscoree.dll") || !runtimeEntries[fn] {
		return fmt.Errorf("%w: %s entry stub %q at 0x%x does not jump into mscoree.dll", ErrUnsupported, m.Name, stub.Text, stub.RVA)
	}
	return nil
}

var errNoImport = errors.New("no import bound to slot")

// importName walks the import directory to name the function whose
// import address table entry is at slot.
func (img *image) importName(slot uint32) (string, error) {
	if len(img.dirs) <= pe.IMAGE_DIRECTORY_ENTRY_IMPORT {
		return "", errNoImport
	}
	dir := img.dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
	if dir.VirtualAddress == 0 {
		return "", errNoImport
	}
	entrySize := uint32(4)
	if img.pe32plus {
		entrySize = 8
	}

	le := binary.LittleEndian
	for desc := dir.VirtualAddress; ; desc += 20 {
		raw, _, err := img.slice(desc, 20)
		if err != nil {
			return "", err
		}
		nameRVA := le.Uint32(raw[12:])
		firstThunk := le.Uint32(raw[16:])
		if nameRVA == 0 && firstThunk == 0 {
			return "", errNoImport
		}
		for thunk := firstThunk; ; thunk += entrySize {
			v, _, err := img.slice(thunk, int(entrySize))
			if err != nil {
				return "", err
			}
			var entry uint64
			if entrySize == 8 {
				entry = le.Uint64(v)
			} else {
				entry = uint64(le.Uint32(v))
			}
			if entry == 0 {
				break
			}
			if thunk != slot {
				continue
			}
			dll, err := img.cstring(nameRVA)
			if err != nil {
				return "", err
			}
			if entry&(1<<(entrySize*8-1)) != 0 {
				return fmt.Sprintf("%s!#%d", dll, entry&0xffff), nil
			}
			fn, err := img.cstring(uint32(entry) + 2)
			if err != nil {
				return "", err
			}
			return dll + "!" + fn, nil
		}
	}
}

func (img *image) cstring(rva uint32) (string, error) {
	b, err := img.tail(rva)
	if err != nil {
		return "", err
	}
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at rva 0x%x", ErrMalformed, rva)
	}
	return string(b[:end]), nil
}
