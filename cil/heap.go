package cil

import (
	"bytes"
	"errors"
	"fmt"
)

var errBadCompressed = errors.New("bad compressed integer")

// readCompressed decodes an ECMA-335 compressed unsigned integer
// (II.23.2) and returns it with its encoded length.
func readCompressed(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, errBadCompressed
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xc0 == 0x80:
		if len(b) < 2 {
			return 0, 0, errBadCompressed
		}
		return uint32(b[0]&0x3f)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xe0 == 0xc0:
		if len(b) < 4 {
			return 0, 0, errBadCompressed
		}
		return uint32(b[0]&0x1f)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	}
	return 0, 0, errBadCompressed
}

func appendCompressed(buf []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(buf, byte(v))
	case v < 0x4000:
		return append(buf, byte(v>>8)|0x80, byte(v))
	default:
		return append(buf, byte(v>>24)|0xc0, byte(v>>16), byte(v>>8), byte(v))
	}
}

// stringHeap is the #Strings heap. Indexes are byte offsets.
type stringHeap struct {
	data  []byte
	index map[string]uint32
}

func (h *stringHeap) get(off uint32) (string, error) {
	if int(off) >= len(h.data) {
		if off == 0 {
			return "", nil
		}
		return "", fmt.Errorf("%w: string offset %d out of range", ErrMalformed, off)
	}
	end := bytes.IndexByte(h.data[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrMalformed, off)
	}
	return string(h.data[off : int(off)+end]), nil
}

func (h *stringHeap) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if h.index == nil {
		h.index = make(map[string]uint32)
		if len(h.data) == 0 {
			h.data = []byte{0}
		}
		start := 0
		for i, c := range h.data {
			if c != 0 {
				continue
			}
			if i > start {
				if _, ok := h.index[string(h.data[start:i])]; !ok {
					h.index[string(h.data[start:i])] = uint32(start)
				}
			}
			start = i + 1
		}
	}
	if off, ok := h.index[s]; ok {
		return off
	}
	off := uint32(len(h.data))
	h.data = append(h.data, s...)
	h.data = append(h.data, 0)
	h.index[s] = off
	return off
}

// blobHeap is the #Blob heap (also used for #US). Indexes are byte offsets
// of a compressed length prefix.
type blobHeap struct {
	data  []byte
	index map[string]uint32
}

func (h *blobHeap) get(off uint32) ([]byte, error) {
	if off == 0 && len(h.data) == 0 {
		return nil, nil
	}
	if int(off) >= len(h.data) {
		return nil, fmt.Errorf("%w: blob offset %d out of range", ErrMalformed, off)
	}
	n, l, err := readCompressed(h.data[off:])
	if err != nil {
		return nil, fmt.Errorf("%w: blob at %d: %v", ErrMalformed, off, err)
	}
	start := int(off) + l
	if start+int(n) > len(h.data) {
		return nil, fmt.Errorf("%w: blob at %d overruns heap", ErrMalformed, off)
	}
	return h.data[start : start+int(n)], nil
}

func (h *blobHeap) add(b []byte) uint32 {
	if len(b) == 0 {
		if len(h.data) == 0 {
			h.data = []byte{0}
		}
		return 0
	}
	if h.index == nil {
		h.index = make(map[string]uint32)
		if len(h.data) == 0 {
			h.data = []byte{0}
		}
		for off := 0; off < len(h.data); {
			n, l, err := readCompressed(h.data[off:])
			if err != nil || off+l+int(n) > len(h.data) {
				break
			}
			key := string(h.data[off+l : off+l+int(n)])
			if _, ok := h.index[key]; !ok && n > 0 {
				h.index[key] = uint32(off)
			}
			off += l + int(n)
		}
	}
	if off, ok := h.index[string(b)]; ok {
		return off
	}
	off := uint32(len(h.data))
	h.data = appendCompressed(h.data, uint32(len(b)))
	h.data = append(h.data, b...)
	h.index[string(b)] = off
	return off
}

// guidHeap is the #GUID heap. Indexes are 1-based entry numbers.
type guidHeap struct {
	data []byte
}

func (h *guidHeap) get(i uint32) ([16]byte, error) {
	var g [16]byte
	if i == 0 {
		return g, nil
	}
	start := int(i-1) * 16
	if start+16 > len(h.data) {
		return g, fmt.Errorf("%w: guid index %d out of range", ErrMalformed, i)
	}
	copy(g[:], h.data[start:])
	return g, nil
}

func (h *guidHeap) add(g [16]byte) uint32 {
	h.data = append(h.data, g[:]...)
	return uint32(len(h.data) / 16)
}
