package cil

import (
	"fmt"
	"strings"
)

// Element types (ECMA-335 II.23.1.16).
const (
	elemVoid        = 0x01
	elemBoolean     = 0x02
	elemChar        = 0x03
	elemI1          = 0x04
	elemU1          = 0x05
	elemI2          = 0x06
	elemU2          = 0x07
	elemI4          = 0x08
	elemU4          = 0x09
	elemI8          = 0x0a
	elemU8          = 0x0b
	elemR4          = 0x0c
	elemR8          = 0x0d
	elemString      = 0x0e
	elemPtr         = 0x0f
	elemByRef       = 0x10
	elemValueType   = 0x11
	elemClass       = 0x12
	elemVar         = 0x13
	elemArray       = 0x14
	elemGenericInst = 0x15
	elemTypedByRef  = 0x16
	elemI           = 0x18
	elemU           = 0x19
	elemFnPtr       = 0x1b
	elemObject      = 0x1c
	elemSzArray     = 0x1d
	elemMVar        = 0x1e
	elemCModReqd    = 0x1f
	elemCModOpt     = 0x20
	elemSentinel    = 0x41
	elemPinned      = 0x45
)

// Calling convention bits of a method signature.
const (
	sigHasThis      = 0x20
	sigExplicitThis = 0x40
	sigGeneric      = 0x10
	sigKindMask     = 0x0f
	sigField        = 0x06
)

var primitiveNames = map[byte]string{
	elemVoid:       "void",
	elemBoolean:    "bool",
	elemChar:       "char",
	elemI1:         "int8",
	elemU1:         "uint8",
	elemI2:         "int16",
	elemU2:         "uint16",
	elemI4:         "int32",
	elemU4:         "uint32",
	elemI8:         "int64",
	elemU8:         "uint64",
	elemR4:         "float32",
	elemR8:         "float64",
	elemString:     "string",
	elemTypedByRef: "typedref",
	elemI:          "native int",
	elemU:          "native uint",
	elemObject:     "object",
}

// methodSig is a parsed MethodDefSig, MethodRefSig or StandAloneMethodSig.
type methodSig struct {
	conv     byte
	generics uint32
	ret      []byte
	params   [][]byte
}

func (s methodSig) hasThis() bool      { return s.conv&sigHasThis != 0 }
func (s methodSig) explicitThis() bool { return s.conv&sigExplicitThis != 0 }
func (s methodSig) void() bool         { return len(s.ret) == 1 && s.ret[0] == elemVoid }

// stackArgs is the number of values a call to this signature pops.
func (s methodSig) stackArgs() int {
	n := len(s.params)
	if s.hasThis() && !s.explicitThis() {
		n++
	}
	return n
}

// sigWalker copies a signature blob, optionally translating every
// TypeDefOrRef token it contains.
type sigWalker struct {
	in      []byte
	pos     int
	out     []byte
	mapType func(Token) (Token, error)
}

func (w *sigWalker) u8() (byte, error) {
	if w.pos >= len(w.in) {
		return 0, fmt.Errorf("%w: truncated signature", ErrMalformed)
	}
	b := w.in[w.pos]
	w.pos++
	w.out = append(w.out, b)
	return b, nil
}

func (w *sigWalker) compressed() (uint32, error) {
	v, n, err := readCompressed(w.in[w.pos:])
	if err != nil {
		return 0, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	w.out = append(w.out, w.in[w.pos:w.pos+n]...)
	w.pos += n
	return v, nil
}

var typeDefOrRefTags = [...]TableID{TableTypeDef, TableTypeRef, TableTypeSpec}

func (w *sigWalker) typeToken() (Token, error) {
	v, n, err := readCompressed(w.in[w.pos:])
	if err != nil {
		return 0, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	w.pos += n
	tag := v & 3
	if tag > 2 {
		return 0, fmt.Errorf("%w: bad TypeDefOrRef tag in signature", ErrMalformed)
	}
	tok := NewToken(typeDefOrRefTags[tag], v>>2)
	if w.mapType != nil {
		if tok, err = w.mapType(tok); err != nil {
			return 0, err
		}
	}
	w.out = appendTypeToken(w.out, tok)
	return tok, nil
}

func appendTypeToken(out []byte, tok Token) []byte {
	var tag uint32
	switch tok.Table() {
	case TableTypeRef:
		tag = 1
	case TableTypeSpec:
		tag = 2
	}
	return appendCompressed(out, tok.RID()<<2|tag)
}

// typ walks one Type (II.23.2.12) including leading custom modifiers.
func (w *sigWalker) typ() error {
	et, err := w.u8()
	if err != nil {
		return err
	}
	switch et {
	case elemPtr, elemByRef, elemSzArray, elemPinned:
		return w.typ()
	case elemValueType, elemClass:
		_, err := w.typeToken()
		return err
	case elemCModReqd, elemCModOpt:
		if _, err := w.typeToken(); err != nil {
			return err
		}
		return w.typ()
	case elemVar, elemMVar:
		_, err := w.compressed()
		return err
	case elemArray:
		if err := w.typ(); err != nil {
			return err
		}
		if _, err := w.compressed(); err != nil { // rank
			return err
		}
		for k := 0; k < 2; k++ { // sizes, then lower bounds
			n, err := w.compressed()
			if err != nil {
				return err
			}
			for j := uint32(0); j < n; j++ {
				if _, err := w.compressed(); err != nil {
					return err
				}
			}
		}
		return nil
	case elemGenericInst:
		if _, err := w.u8(); err != nil {
			return err
		}
		if _, err := w.typeToken(); err != nil {
			return err
		}
		n, err := w.compressed()
		if err != nil {
			return err
		}
		for j := uint32(0); j < n; j++ {
			if err := w.typ(); err != nil {
				return err
			}
		}
		return nil
	case elemFnPtr:
		_, err := w.methodSig()
		return err
	case elemSentinel:
		return w.typ()
	}
	if _, ok := primitiveNames[et]; ok {
		return nil
	}
	return fmt.Errorf("%w: unknown element type 0x%02x", ErrMalformed, et)
}

// methodSig walks a method signature and records the byte range of the
// return type and each parameter within w.in.
func (w *sigWalker) methodSig() (methodSig, error) {
	var sig methodSig
	var err error
	if sig.conv, err = w.u8(); err != nil {
		return sig, err
	}
	if sig.conv&sigKindMask == sigField {
		return sig, fmt.Errorf("%w: field signature where a method was expected", ErrMalformed)
	}
	if sig.conv&sigGeneric != 0 {
		if sig.generics, err = w.compressed(); err != nil {
			return sig, err
		}
	}
	count, err := w.compressed()
	if err != nil {
		return sig, err
	}
	start := w.pos
	if err := w.typ(); err != nil {
		return sig, err
	}
	sig.ret = w.in[start:w.pos]
	for j := uint32(0); j < count; j++ {
		start := w.pos
		if err := w.typ(); err != nil {
			return sig, err
		}
		sig.params = append(sig.params, w.in[start:w.pos])
	}
	return sig, nil
}

func parseMethodSig(b []byte) (methodSig, error) {
	w := &sigWalker{in: b}
	return w.methodSig()
}

// rewriteMethodSig copies a method signature with every type token passed
// through mapType.
func rewriteMethodSig(b []byte, mapType func(Token) (Token, error)) ([]byte, error) {
	w := &sigWalker{in: b, mapType: mapType}
	if _, err := w.methodSig(); err != nil {
		return nil, err
	}
	if w.pos != len(b) {
		return nil, fmt.Errorf("%w: trailing bytes in signature", ErrMalformed)
	}
	return w.out, nil
}

// rewriteTypeSpec copies a TypeSpec blob with its tokens translated.
func rewriteTypeSpec(b []byte, mapType func(Token) (Token, error)) ([]byte, error) {
	w := &sigWalker{in: b, mapType: mapType}
	if err := w.typ(); err != nil {
		return nil, err
	}
	return w.out, nil
}

// formatType renders one encoded type. name renders TypeDefOrRef tokens.
func formatType(b []byte, name func(Token) string) (string, error) {
	var sb strings.Builder
	w := &sigWalker{in: b}
	if err := w.format(&sb, name); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (w *sigWalker) format(sb *strings.Builder, name func(Token) string) error {
	et, err := w.u8()
	if err != nil {
		return err
	}
	if s, ok := primitiveNames[et]; ok {
		sb.WriteString(s)
		return nil
	}
	switch et {
	case elemPtr:
		err = w.format(sb, name)
		sb.WriteString("*")
	case elemByRef:
		err = w.format(sb, name)
		sb.WriteString("&")
	case elemSzArray:
		err = w.format(sb, name)
		sb.WriteString("[]")
	case elemPinned:
		err = w.format(sb, name)
		sb.WriteString(" pinned")
	case elemSentinel:
		sb.WriteString("..., ")
		err = w.format(sb, name)
	case elemValueType, elemClass:
		var tok Token
		if tok, err = w.typeToken(); err == nil {
			sb.WriteString(name(tok))
		}
	case elemCModReqd, elemCModOpt:
		var tok Token
		if tok, err = w.typeToken(); err != nil {
			return err
		}
		err = w.format(sb, name)
		mod := "modopt"
		if et == elemCModReqd {
			mod = "modreq"
		}
		fmt.Fprintf(sb, " %s(%s)", mod, name(tok))
	case elemVar, elemMVar:
		var n uint32
		if n, err = w.compressed(); err == nil {
			if et == elemMVar {
				sb.WriteString("!")
			}
			fmt.Fprintf(sb, "!%d", n)
		}
	case elemArray:
		if err = w.format(sb, name); err != nil {
			return err
		}
		var rank uint32
		if rank, err = w.compressed(); err != nil {
			return err
		}
		for k := 0; k < 2; k++ {
			n, err := w.compressed()
			if err != nil {
				return err
			}
			for j := uint32(0); j < n; j++ {
				if _, err := w.compressed(); err != nil {
					return err
				}
			}
		}
		sb.WriteString("[" + strings.Repeat(",", int(max(rank, 1))-1) + "]")
	case elemGenericInst:
		if _, err = w.u8(); err != nil {
			return err
		}
		var tok Token
		if tok, err = w.typeToken(); err != nil {
			return err
		}
		sb.WriteString(name(tok))
		var n uint32
		if n, err = w.compressed(); err != nil {
			return err
		}
		sb.WriteString("<")
		for i := uint32(0); i < n; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			if err = w.format(sb, name); err != nil {
				return err
			}
		}
		sb.WriteString(">")
	case elemFnPtr:
		_, err = w.methodSig()
		sb.WriteString("method*")
	default:
		err = fmt.Errorf("%w: unknown element type 0x%02x", ErrMalformed, et)
	}
	return err
}
