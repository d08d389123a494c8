package cil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Method body header flags (ECMA-335 II.25.4).
const (
	bodyTiny       = 0x2
	bodyFat        = 0x3
	bodyMoreSects  = 0x08
	bodyInitLocals = 0x10

	sectEHTable   = 0x01
	sectFatFormat = 0x40
	sectMoreSects = 0x80
)

// Exception handler clause kinds.
const (
	HandlerCatch   = 0x0
	HandlerFilter  = 0x1
	HandlerFinally = 0x2
	HandlerFault   = 0x4
)

// Instruction is one decoded CIL instruction. Branch operands hold the
// absolute offset of their target; switch operands hold a []int of them.
type Instruction struct {
	Offset  int
	OpCode  OpCode
	Operand any
}

func (ins Instruction) size() int {
	n := ins.OpCode.Size() + ins.OpCode.Operand.size()
	if ins.OpCode.Operand == InlineSwitch {
		targets, _ := ins.Operand.([]int)
		n += 4 * len(targets)
	}
	return n
}

func (ins Instruction) String() string {
	if ins.Operand == nil {
		return fmt.Sprintf("IL_%04x: %s", ins.Offset, ins.OpCode.Name)
	}
	return fmt.Sprintf("IL_%04x: %s %v", ins.Offset, ins.OpCode.Name, ins.Operand)
}

// ExceptionHandler is one clause of a body's exception table.
type ExceptionHandler struct {
	Flags         uint32
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	// ClassToken for catch clauses, FilterOffset for filter clauses.
	ClassToken   Token
	FilterOffset uint32
}

// Body is a method's executable code.
type Body struct {
	MaxStack     uint16
	InitLocals   bool
	LocalVarSig  Token
	Instructions []Instruction
	Handlers     []ExceptionHandler

	// codeOffset is the file offset of the first IL byte in the image the
	// body was read from, or -1 for bodies that are not backed by it.
	codeOffset int
}

// NewBody returns an empty body that is not backed by any image.
func NewBody() *Body {
	return &Body{codeOffset: -1}
}

func decodeBody(data []byte, codeOffset int) (*Body, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty method body", ErrMalformed)
	}
	le := binary.LittleEndian
	b := &Body{}
	var code []byte
	switch data[0] & 0x3 {
	case bodyTiny:
		size := int(data[0] >> 2)
		if 1+size > len(data) {
			return nil, fmt.Errorf("%w: tiny body overruns section", ErrMalformed)
		}
		b.MaxStack = 8
		code = data[1 : 1+size]
		b.codeOffset = codeOffset + 1
	case bodyFat:
		if len(data) < 12 {
			return nil, fmt.Errorf("%w: short fat header", ErrMalformed)
		}
		flags := le.Uint16(data)
		hdr := int(flags>>12) * 4
		b.MaxStack = le.Uint16(data[2:])
		size := int(le.Uint32(data[4:]))
		b.LocalVarSig = Token(le.Uint32(data[8:]))
		b.InitLocals = flags&bodyInitLocals != 0
		if hdr < 12 || hdr+size > len(data) {
			return nil, fmt.Errorf("%w: fat body overruns section", ErrMalformed)
		}
		code = data[hdr : hdr+size]
		b.codeOffset = codeOffset + hdr
		if flags&bodyMoreSects != 0 {
			handlers, err := decodeSections(data, align(hdr+size, 4))
			if err != nil {
				return nil, err
			}
			b.Handlers = handlers
		}
	default:
		return nil, fmt.Errorf("%w: bad method header 0x%02x", ErrMalformed, data[0])
	}

	var err error
	b.Instructions, err = decodeInstructions(code)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func decodeSections(data []byte, p int) ([]ExceptionHandler, error) {
	le := binary.LittleEndian
	var handlers []ExceptionHandler
	for {
		if p+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated data section", ErrMalformed)
		}
		kind := data[p]
		var size, clauseSize int
		if kind&sectFatFormat != 0 {
			size = int(le.Uint32(data[p:]) >> 8)
			clauseSize = 24
		} else {
			size = int(data[p+1])
			clauseSize = 12
		}
		if size < 4 || p+size > len(data) {
			return nil, fmt.Errorf("%w: bad data section size %d", ErrMalformed, size)
		}
		if kind&sectEHTable != 0 {
			for c := p + 4; c+clauseSize <= p+size; c += clauseSize {
				var h ExceptionHandler
				var extra uint32
				if clauseSize == 24 {
					h.Flags = le.Uint32(data[c:])
					h.TryOffset = le.Uint32(data[c+4:])
					h.TryLength = le.Uint32(data[c+8:])
					h.HandlerOffset = le.Uint32(data[c+12:])
					h.HandlerLength = le.Uint32(data[c+16:])
					extra = le.Uint32(data[c+20:])
				} else {
					h.Flags = uint32(le.Uint16(data[c:]))
					h.TryOffset = uint32(le.Uint16(data[c+2:]))
					h.TryLength = uint32(data[c+4])
					h.HandlerOffset = uint32(le.Uint16(data[c+5:]))
					h.HandlerLength = uint32(data[c+7])
					extra = le.Uint32(data[c+8:])
				}
				if h.Flags&HandlerFilter != 0 {
					h.FilterOffset = extra
				} else {
					h.ClassToken = Token(extra)
				}
				handlers = append(handlers, h)
			}
		}
		if kind&sectMoreSects == 0 {
			return handlers, nil
		}
		p = align(p+size, 4)
	}
}

func decodeInstructions(code []byte) ([]Instruction, error) {
	le := binary.LittleEndian
	var out []Instruction
	for p := 0; p < len(code); {
		start := p
		var op *OpCode
		if code[p] == 0xfe {
			if p+1 >= len(code) {
				return nil, fmt.Errorf("%w: truncated opcode at IL_%04x", ErrMalformed, start)
			}
			op = twoByteOps[code[p+1]]
			p += 2
		} else {
			op = oneByteOps[code[p]]
			p++
		}
		if op == nil {
			return nil, fmt.Errorf("%w: unknown opcode at IL_%04x", ErrMalformed, start)
		}

		n := op.Operand.size()
		if p+n > len(code) {
			return nil, fmt.Errorf("%w: truncated operand at IL_%04x", ErrMalformed, start)
		}
		raw := code[p : p+n]
		p += n

		ins := Instruction{Offset: start, OpCode: *op}
		switch op.Operand {
		case InlineNone:
		case ShortInlineVar:
			ins.Operand = int64(raw[0])
		case ShortInlineI:
			ins.Operand = int64(int8(raw[0]))
		case InlineVar:
			ins.Operand = int64(le.Uint16(raw))
		case InlineI:
			ins.Operand = int64(int32(le.Uint32(raw)))
		case InlineI8:
			ins.Operand = int64(le.Uint64(raw))
		case ShortInlineR:
			ins.Operand = math.Float32frombits(le.Uint32(raw))
		case InlineR:
			ins.Operand = math.Float64frombits(le.Uint64(raw))
		case ShortInlineBrTarget:
			ins.Operand = p + int(int8(raw[0]))
		case InlineBrTarget:
			ins.Operand = p + int(int32(le.Uint32(raw)))
		case InlineSwitch:
			count := int(le.Uint32(raw))
			if count < 0 || p+4*count > len(code) {
				return nil, fmt.Errorf("%w: truncated switch at IL_%04x", ErrMalformed, start)
			}
			next := p + 4*count
			targets := make([]int, count)
			for i := range targets {
				targets[i] = next + int(int32(le.Uint32(code[p+4*i:])))
			}
			p = next
			ins.Operand = targets
		default:
			ins.Operand = Token(le.Uint32(raw))
		}
		out = append(out, ins)
	}
	return out, nil
}

// layout assigns sequential offsets and returns the code size.
func (b *Body) layout() int {
	off := 0
	for i := range b.Instructions {
		b.Instructions[i].Offset = off
		off += b.Instructions[i].size()
	}
	return off
}

func (b *Body) codeSize() int {
	if n := len(b.Instructions); n > 0 {
		last := b.Instructions[n-1]
		return last.Offset + last.size()
	}
	return 0
}

// tokenFunc resolves a token-carrying operand to the token to encode.
type tokenFunc func(operand any) (Token, error)

func encodeInstructions(instrs []Instruction, tok tokenFunc) ([]byte, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	for _, ins := range instrs {
		if buf.Len() != ins.Offset {
			return nil, fmt.Errorf("instruction %s is at offset %d", ins, buf.Len())
		}
		if ins.OpCode.Size() == 2 {
			buf.WriteByte(0xfe)
		}
		buf.WriteByte(byte(ins.OpCode.Value))

		next := ins.Offset + ins.size()
		var err error
		switch ins.OpCode.Operand {
		case InlineNone:
		case ShortInlineVar, ShortInlineI:
			v, ok := ins.Operand.(int64)
			if !ok {
				return nil, badOperand(ins)
			}
			buf.WriteByte(byte(v))
		case InlineVar:
			v, ok := ins.Operand.(int64)
			if !ok {
				return nil, badOperand(ins)
			}
			err = binary.Write(&buf, le, uint16(v))
		case InlineI:
			v, ok := ins.Operand.(int64)
			if !ok {
				return nil, badOperand(ins)
			}
			err = binary.Write(&buf, le, int32(v))
		case InlineI8:
			v, ok := ins.Operand.(int64)
			if !ok {
				return nil, badOperand(ins)
			}
			err = binary.Write(&buf, le, v)
		case ShortInlineR:
			v, ok := ins.Operand.(float32)
			if !ok {
				return nil, badOperand(ins)
			}
			err = binary.Write(&buf, le, math.Float32bits(v))
		case InlineR:
			v, ok := ins.Operand.(float64)
			if !ok {
				return nil, badOperand(ins)
			}
			err = binary.Write(&buf, le, math.Float64bits(v))
		case ShortInlineBrTarget:
			target, ok := ins.Operand.(int)
			if !ok {
				return nil, badOperand(ins)
			}
			rel := target - next
			if rel < math.MinInt8 || rel > math.MaxInt8 {
				return nil, fmt.Errorf("%s: branch out of short range", ins)
			}
			buf.WriteByte(byte(int8(rel)))
		case InlineBrTarget:
			target, ok := ins.Operand.(int)
			if !ok {
				return nil, badOperand(ins)
			}
			err = binary.Write(&buf, le, int32(target-next))
		case InlineSwitch:
			targets, ok := ins.Operand.([]int)
			if !ok {
				return nil, badOperand(ins)
			}
			binary.Write(&buf, le, uint32(len(targets)))
			for _, target := range targets {
				binary.Write(&buf, le, int32(target-next))
			}
		default:
			t, terr := tok(ins.Operand)
			if terr != nil {
				return nil, fmt.Errorf("%s: %w", ins, terr)
			}
			err = binary.Write(&buf, le, uint32(t))
		}
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func badOperand(ins Instruction) error {
	return fmt.Errorf("%s: operand of type %T does not match %s", ins, ins.Operand, ins.OpCode.Name)
}

// encode writes the header, code and exception sections of b. The result
// must be placed at a 4-byte aligned RVA when it uses a fat header.
func (b *Body) encode(tok tokenFunc) ([]byte, error) {
	code, err := encodeInstructions(b.Instructions, tok)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian

	if len(code) < 64 && b.MaxStack <= 8 && b.LocalVarSig.IsNil() && !b.InitLocals && len(b.Handlers) == 0 {
		out := make([]byte, 0, 1+len(code))
		out = append(out, byte(len(code))<<2|bodyTiny)
		return append(out, code...), nil
	}

	flags := uint16(bodyFat) | 3<<12
	if b.InitLocals {
		flags |= bodyInitLocals
	}
	if len(b.Handlers) > 0 {
		flags |= bodyMoreSects
	}
	out := make([]byte, 12, 12+len(code))
	le.PutUint16(out, flags)
	le.PutUint16(out[2:], b.MaxStack)
	le.PutUint32(out[4:], uint32(len(code)))
	le.PutUint32(out[8:], uint32(b.LocalVarSig))
	out = append(out, code...)

	if len(b.Handlers) > 0 {
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		size := 4 + 24*len(b.Handlers)
		hdr := make([]byte, 4)
		le.PutUint32(hdr, uint32(size)<<8|sectEHTable|sectFatFormat)
		out = append(out, hdr...)
		for _, h := range b.Handlers {
			clause := make([]byte, 24)
			le.PutUint32(clause, h.Flags)
			le.PutUint32(clause[4:], h.TryOffset)
			le.PutUint32(clause[8:], h.TryLength)
			le.PutUint32(clause[12:], h.HandlerOffset)
			le.PutUint32(clause[16:], h.HandlerLength)
			if h.Flags&HandlerFilter != 0 {
				le.PutUint32(clause[20:], h.FilterOffset)
			} else {
				tok, err := tok(h.ClassToken)
				if err != nil {
					return nil, err
				}
				le.PutUint32(clause[20:], uint32(tok))
			}
			out = append(out, clause...)
		}
	}
	return out, nil
}

var errUnbalanced = errors.New("unbalanced evaluation stack")

// stackFunc returns the pop and push counts of a call-like instruction.
type stackFunc func(ins Instruction) (pop, push int, err error)

// maxStack walks every reachable path through the body and returns the
// deepest evaluation stack. It fails when a path underflows, reaches a
// join point with a different depth, or returns with values left over.
func (b *Body) maxStack(returnsValue bool, effect stackFunc) (int, error) {
	index := make(map[int]int, len(b.Instructions))
	for i, ins := range b.Instructions {
		index[ins.Offset] = i
	}
	depth := make(map[int]int)
	var work []int

	enter := func(offset, d int) error {
		i, ok := index[offset]
		if !ok {
			return fmt.Errorf("%w: branch to IL_%04x is not an instruction", errUnbalanced, offset)
		}
		if seen, ok := depth[i]; ok {
			if seen != d {
				return fmt.Errorf("%w: IL_%04x reached with depth %d and %d", errUnbalanced, offset, seen, d)
			}
			return nil
		}
		depth[i] = d
		work = append(work, i)
		return nil
	}

	if len(b.Instructions) == 0 {
		return 0, nil
	}
	if err := enter(0, 0); err != nil {
		return 0, err
	}
	for _, h := range b.Handlers {
		d := 0
		if h.Flags == HandlerCatch || h.Flags&HandlerFilter != 0 {
			d = 1
		}
		if err := enter(int(h.HandlerOffset), d); err != nil {
			return 0, err
		}
		if h.Flags&HandlerFilter != 0 {
			if err := enter(int(h.FilterOffset), 1); err != nil {
				return 0, err
			}
		}
	}

	most := 0
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		ins := b.Instructions[i]
		d := depth[i]

		pop, push := int(ins.OpCode.Pop), int(ins.OpCode.Push)
		switch {
		case ins.OpCode.Value == Ret.Value:
			pop, push = 0, 0
			if returnsValue {
				pop = 1
			}
		case pop == varStack || push == varStack:
			var err error
			if pop, push, err = effect(ins); err != nil {
				return 0, err
			}
		}
		if d < pop {
			return 0, fmt.Errorf("%w: %s pops %d with depth %d", errUnbalanced, ins, pop, d)
		}
		d = d - pop + push
		if d > most {
			most = d
		}

		next := ins.Offset + ins.size()
		switch ins.OpCode.Flow {
		case FlowReturn:
			if ins.OpCode.Value == Ret.Value && d != 0 {
				return 0, fmt.Errorf("%w: %s leaves %d values", errUnbalanced, ins, d)
			}
			continue
		case FlowThrow:
			continue
		case FlowBranch:
			if ins.OpCode.Name == "leave" || ins.OpCode.Name == "leave.s" {
				d = 0
			}
			target, ok := ins.Operand.(int)
			if !ok {
				return 0, badOperand(ins)
			}
			if err := enter(target, d); err != nil {
				return 0, err
			}
			continue
		case FlowCondBranch:
			switch target := ins.Operand.(type) {
			case []int:
				for _, t := range target {
					if err := enter(t, d); err != nil {
						return 0, err
					}
				}
			case int:
				if err := enter(target, d); err != nil {
					return 0, err
				}
			default:
				return 0, badOperand(ins)
			}
		}
		if ins.OpCode.Value == 0x27 { // jmp
			continue
		}
		if i+1 >= len(b.Instructions) {
			return 0, fmt.Errorf("%w: control falls off the end after %s", errUnbalanced, ins)
		}
		if err := enter(next, d); err != nil {
			return 0, err
		}
	}
	return most, nil
}

// callEffect returns the stack effect of a call-like instruction whose
// callee has signature sig.
func callEffect(op OpCode, sig methodSig) (pop, push int) {
	if !sig.void() {
		push = 1
	}
	switch op.Name {
	case "newobj":
		return len(sig.params), 1
	case "calli":
		return sig.stackArgs() + 1, push
	}
	return sig.stackArgs(), push
}

// EmitCallThenReturn fills an empty body with a call to ref followed by
// ret. The callee must take no arguments, including this, and return
// nothing, or the body would not balance.
func (b *Body) EmitCallThenReturn(ref MethodRef) error {
	if len(b.Instructions) != 0 {
		return fmt.Errorf("emit call to %s: body already has %d instructions", ref, len(b.Instructions))
	}
	sig, err := parseMethodSig(ref.sig)
	if err != nil {
		return fmt.Errorf("emit call to %s: %w", ref, err)
	}

	b.Instructions = []Instruction{
		{OpCode: Call, Operand: ref},
		{OpCode: Ret},
	}
	b.layout()
	depth, err := b.maxStack(false, func(ins Instruction) (int, int, error) {
		pop, push := callEffect(ins.OpCode, sig)
		return pop, push, nil
	})
	if err != nil {
		b.Instructions = nil
		return fmt.Errorf("emit call to %s: %w", ref, err)
	}
	b.MaxStack = uint16(depth)
	b.codeOffset = -1
	return nil
}
