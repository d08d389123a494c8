package cil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
)

// CLI header flags (ECMA-335 II.25.3.3.1).
const (
	comImageILOnly           = 0x01
	comImageStrongNameSigned = 0x08
	comImageNativeEntryPoint = 0x10
)

const cliHeaderSize = 72

// patchSectionName is the trailing section that holds rewritten metadata
// and new method bodies.
const patchSectionName = ".srdbg"

type section struct {
	name      string
	va        uint32
	vsize     uint32
	rawOff    uint32
	rawSize   uint32
	hdrOffset int
}

func (s *section) end() uint32 {
	if s.vsize > s.rawSize {
		return s.va + s.vsize
	}
	return s.va + s.rawSize
}

type cliHeader struct {
	flags           uint32
	entryPointToken uint32
	metadata        pe.DataDirectory
	vtableFixups    pe.DataDirectory
}

// image is a PE file kept byte-for-byte, with the offsets needed to patch
// it in place.
type image struct {
	data []byte

	pe32plus      bool
	imageBase     uint64
	sectionAlign  uint32
	fileAlign     uint32
	sizeOfHeaders uint32
	entryPoint    uint32
	dirs          []pe.DataDirectory

	peOffset      int
	optOffset     int
	sectionTable  int
	sections      []section
	cliOffset     int
	cli           cliHeader
	metadataBytes []byte
}

func parseImage(data []byte) (*image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer f.Close()

	img := &image{data: data}
	img.peOffset = int(binary.LittleEndian.Uint32(data[0x3c:]))
	img.optOffset = img.peOffset + 4 + 20
	img.sectionTable = img.optOffset + int(f.FileHeader.SizeOfOptionalHeader)

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.imageBase = uint64(oh.ImageBase)
		img.sectionAlign = oh.SectionAlignment
		img.fileAlign = oh.FileAlignment
		img.sizeOfHeaders = oh.SizeOfHeaders
		img.entryPoint = oh.AddressOfEntryPoint
		img.dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
	case *pe.OptionalHeader64:
		img.pe32plus = true
		img.imageBase = oh.ImageBase
		img.sectionAlign = oh.SectionAlignment
		img.fileAlign = oh.FileAlignment
		img.sizeOfHeaders = oh.SizeOfHeaders
		img.entryPoint = oh.AddressOfEntryPoint
		img.dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
	default:
		return nil, fmt.Errorf("%w: no optional header", ErrMalformed)
	}
	if img.fileAlign == 0 || img.sectionAlign == 0 {
		return nil, fmt.Errorf("%w: zero alignment", ErrMalformed)
	}

	for i, s := range f.Sections {
		img.sections = append(img.sections, section{
			name:      s.Name,
			va:        s.VirtualAddress,
			vsize:     s.VirtualSize,
			rawOff:    s.Offset,
			rawSize:   s.Size,
			hdrOffset: img.sectionTable + i*40,
		})
	}

	if len(img.dirs) <= pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR {
		return nil, fmt.Errorf("%w: not a managed image", ErrMalformed)
	}
	cliDir := img.dirs[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR]
	if cliDir.VirtualAddress == 0 {
		return nil, fmt.Errorf("%w: not a managed image", ErrMalformed)
	}
	cliBytes, off, err := img.slice(cliDir.VirtualAddress, cliHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("cli header: %w", err)
	}
	img.cliOffset = off
	le := binary.LittleEndian
	img.cli = cliHeader{
		metadata:        pe.DataDirectory{VirtualAddress: le.Uint32(cliBytes[8:]), Size: le.Uint32(cliBytes[12:])},
		flags:           le.Uint32(cliBytes[16:]),
		entryPointToken: le.Uint32(cliBytes[20:]),
		vtableFixups:    pe.DataDirectory{VirtualAddress: le.Uint32(cliBytes[48:]), Size: le.Uint32(cliBytes[52:])},
	}

	img.metadataBytes, _, err = img.slice(img.cli.metadata.VirtualAddress, int(img.cli.metadata.Size))
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return img, nil
}

// offset maps an RVA to a file offset.
func (img *image) offset(rva uint32) (int, error) {
	for _, s := range img.sections {
		if rva >= s.va && rva < s.end() {
			delta := rva - s.va
			if delta >= s.rawSize {
				return 0, fmt.Errorf("%w: rva 0x%x has no file data", ErrMalformed, rva)
			}
			return int(s.rawOff + delta), nil
		}
	}
	return 0, fmt.Errorf("%w: rva 0x%x outside all sections", ErrMalformed, rva)
}

// slice returns n bytes at rva along with their file offset.
func (img *image) slice(rva uint32, n int) ([]byte, int, error) {
	off, err := img.offset(rva)
	if err != nil {
		return nil, 0, err
	}
	if off+n > len(img.data) {
		return nil, 0, fmt.Errorf("%w: rva 0x%x+%d past end of file", ErrMalformed, rva, n)
	}
	return img.data[off : off+n], off, nil
}

// tail returns everything from rva to the end of its section's file data.
func (img *image) tail(rva uint32) ([]byte, error) {
	off, err := img.offset(rva)
	if err != nil {
		return nil, err
	}
	for _, s := range img.sections {
		if rva >= s.va && rva < s.end() {
			end := int(s.rawOff + s.rawSize)
			if end > len(img.data) {
				end = len(img.data)
			}
			return img.data[off:end], nil
		}
	}
	return nil, fmt.Errorf("%w: rva 0x%x outside all sections", ErrMalformed, rva)
}

func (img *image) dirOffset(i int) int {
	if img.pe32plus {
		return img.optOffset + 112 + i*8
	}
	return img.optOffset + 96 + i*8
}

// patchPlan describes where the trailing section goes.
type patchPlan struct {
	va        uint32
	rawOff    uint32
	hdrOffset int
	reuse     bool
	// shift is how far the raw data of every section moves back to make
	// room for one more section header. rawOff already includes it.
	shift uint32
	// old is the previous trailing section when it is being replaced.
	old *section
}

func (img *image) planPatchSection() (*patchPlan, error) {
	if len(img.sections) == 0 {
		return nil, errors.New("image has no sections")
	}
	var vaEnd, rawEnd uint32
	firstVA := ^uint32(0)
	last := -1
	for i, s := range img.sections {
		if s.end() > vaEnd {
			vaEnd = s.end()
			last = i
		}
		if s.rawOff+s.rawSize > rawEnd {
			rawEnd = s.rawOff + s.rawSize
		}
		firstVA = min(firstVA, s.va)
	}

	if s := img.sections[last]; s.name == patchSectionName && s.rawOff+s.rawSize == rawEnd {
		return &patchPlan{va: s.va, rawOff: s.rawOff, hdrOffset: s.hdrOffset, reuse: true, old: &img.sections[last]}, nil
	}

	hdr := img.sectionTable + len(img.sections)*40
	limit := int(img.sizeOfHeaders)
	for _, s := range img.sections {
		if s.rawSize > 0 && int(s.rawOff) < limit {
			limit = int(s.rawOff)
		}
	}
	var shift uint32
	if hdr+40 > limit {
		if limit < int(img.sizeOfHeaders) {
			return nil, errors.New("section data overlaps the headers")
		}
		shift = uint32(align(hdr+40-limit, int(img.fileAlign)))
		if img.sizeOfHeaders+shift > firstVA {
			return nil, errors.New("no room for another section header")
		}
	}
	return &patchPlan{
		va:        uint32(align(int(vaEnd), int(img.sectionAlign))),
		rawOff:    uint32(align(int(rawEnd), int(img.fileAlign))) + shift,
		hdrOffset: hdr,
		shift:     shift,
	}, nil
}

// inPatchSection reports whether rva lies in the section being replaced.
func (p *patchPlan) inPatchSection(rva uint32) bool {
	return p.old != nil && rva >= p.old.va && rva < p.old.end()
}

// build lays out base (already patched in place) followed by the trailing
// section content and fixes up the headers. When p.shift is set the
// headers grow by that much and everything after them moves back.
func (img *image) build(base []byte, p *patchPlan, content []byte) []byte {
	le := binary.LittleEndian
	rawSize := align(len(content), int(img.fileAlign))

	out := make([]byte, int(p.rawOff)+rawSize)
	if p.shift == 0 {
		copy(out, base[:min(len(base), int(p.rawOff))])
	} else {
		hdrEnd := min(len(base), int(img.sizeOfHeaders))
		copy(out, base[:hdrEnd])
		copy(out[hdrEnd+int(p.shift):], base[hdrEnd:min(len(base), int(p.rawOff-p.shift))])
		img.shiftRawData(out, p.shift)
	}
	copy(out[p.rawOff:], content)

	hdr := out[p.hdrOffset : p.hdrOffset+40]
	for i := range hdr {
		hdr[i] = 0
	}
	copy(hdr[0:8], patchSectionName)
	le.PutUint32(hdr[8:], uint32(len(content)))
	le.PutUint32(hdr[12:], p.va)
	le.PutUint32(hdr[16:], uint32(rawSize))
	le.PutUint32(hdr[20:], p.rawOff)
	le.PutUint32(hdr[36:], pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_READ)

	if !p.reuse {
		nsec := le.Uint16(out[img.peOffset+6:])
		le.PutUint16(out[img.peOffset+6:], nsec+1)
	}
	sizeOfImage := align(int(p.va)+len(content), int(img.sectionAlign))
	le.PutUint32(out[img.optOffset+56:], uint32(sizeOfImage))
	le.PutUint32(out[img.optOffset+64:], 0) // checksum

	// The certificate table lived in the overlay, which is gone now.
	if len(img.dirs) > pe.IMAGE_DIRECTORY_ENTRY_SECURITY {
		off := img.dirOffset(pe.IMAGE_DIRECTORY_ENTRY_SECURITY)
		le.PutUint64(out[off:], 0)
	}
	return out
}

// shiftRawData fixes the file offsets in out after the data following the
// headers moved back by shift bytes.
func (img *image) shiftRawData(out []byte, shift uint32) {
	le := binary.LittleEndian
	le.PutUint32(out[img.optOffset+60:], img.sizeOfHeaders+shift)

	bump := func(off int) {
		if v := le.Uint32(out[off:]); v >= img.sizeOfHeaders {
			le.PutUint32(out[off:], v+shift)
		}
	}
	for _, s := range img.sections {
		bump(s.hdrOffset + 20) // PointerToRawData
		bump(s.hdrOffset + 24) // PointerToRelocations
		bump(s.hdrOffset + 28) // PointerToLinenumbers
	}

	// Debug directory entries carry the file offset of their data.
	if len(img.dirs) <= pe.IMAGE_DIRECTORY_ENTRY_DEBUG {
		return
	}
	dir := img.dirs[pe.IMAGE_DIRECTORY_ENTRY_DEBUG]
	if dir.VirtualAddress == 0 {
		return
	}
	off, err := img.offset(dir.VirtualAddress)
	if err != nil {
		return
	}
	if off >= int(img.sizeOfHeaders) {
		off += int(shift)
	}
	for i := 0; i+28 <= int(dir.Size) && off+i+28 <= len(out); i += 28 {
		bump(off + i + 24)
	}
}
