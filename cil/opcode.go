package cil

// OperandType is the encoding of an instruction's inline operand.
type OperandType uint8

const (
	InlineNone OperandType = iota
	ShortInlineVar
	InlineVar
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	ShortInlineBrTarget
	InlineBrTarget
	InlineSwitch
	InlineMethod
	InlineField
	InlineType
	InlineTok
	InlineString
	InlineSig
)

// size returns the encoded operand size, excluding switch targets.
func (t OperandType) size() int {
	switch t {
	case InlineNone:
		return 0
	case ShortInlineVar, ShortInlineI, ShortInlineBrTarget:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	}
	return 4
}

// Flow is how control leaves an instruction.
type Flow uint8

const (
	FlowNext Flow = iota
	FlowBranch
	FlowCondBranch
	FlowCall
	FlowReturn
	FlowThrow
	FlowMeta
)

// varStack marks a stack effect that depends on the operand.
const varStack = -1

// OpCode is one CIL instruction kind.
type OpCode struct {
	Value   uint16
	Name    string
	Operand OperandType
	Pop     int8
	Push    int8
	Flow    Flow
}

// Size is the encoded size of the opcode itself.
func (op OpCode) Size() int {
	if op.Value >= 0xfe00 {
		return 2
	}
	return 1
}

func (op OpCode) String() string { return op.Name }

var opcodes = []OpCode{
	{0x00, "nop", InlineNone, 0, 0, FlowNext},
	{0x01, "break", InlineNone, 0, 0, FlowMeta},
	{0x02, "ldarg.0", InlineNone, 0, 1, FlowNext},
	{0x03, "ldarg.1", InlineNone, 0, 1, FlowNext},
	{0x04, "ldarg.2", InlineNone, 0, 1, FlowNext},
	{0x05, "ldarg.3", InlineNone, 0, 1, FlowNext},
	{0x06, "ldloc.0", InlineNone, 0, 1, FlowNext},
	{0x07, "ldloc.1", InlineNone, 0, 1, FlowNext},
	{0x08, "ldloc.2", InlineNone, 0, 1, FlowNext},
	{0x09, "ldloc.3", InlineNone, 0, 1, FlowNext},
	{0x0a, "stloc.0", InlineNone, 1, 0, FlowNext},
	{0x0b, "stloc.1", InlineNone, 1, 0, FlowNext},
	{0x0c, "stloc.2", InlineNone, 1, 0, FlowNext},
	{0x0d, "stloc.3", InlineNone, 1, 0, FlowNext},
	{0x0e, "ldarg.s", ShortInlineVar, 0, 1, FlowNext},
	{0x0f, "ldarga.s", ShortInlineVar, 0, 1, FlowNext},
	{0x10, "starg.s", ShortInlineVar, 1, 0, FlowNext},
	{0x11, "ldloc.s", ShortInlineVar, 0, 1, FlowNext},
	{0x12, "ldloca.s", ShortInlineVar, 0, 1, FlowNext},
	{0x13, "stloc.s", ShortInlineVar, 1, 0, FlowNext},
	{0x14, "ldnull", InlineNone, 0, 1, FlowNext},
	{0x15, "ldc.i4.m1", InlineNone, 0, 1, FlowNext},
	{0x16, "ldc.i4.0", InlineNone, 0, 1, FlowNext},
	{0x17, "ldc.i4.1", InlineNone, 0, 1, FlowNext},
	{0x18, "ldc.i4.2", InlineNone, 0, 1, FlowNext},
	{0x19, "ldc.i4.3", InlineNone, 0, 1, FlowNext},
	{0x1a, "ldc.i4.4", InlineNone, 0, 1, FlowNext},
	{0x1b, "ldc.i4.5", InlineNone, 0, 1, FlowNext},
	{0x1c, "ldc.i4.6", InlineNone, 0, 1, FlowNext},
	{0x1d, "ldc.i4.7", InlineNone, 0, 1, FlowNext},
	{0x1e, "ldc.i4.8", InlineNone, 0, 1, FlowNext},
	{0x1f, "ldc.i4.s", ShortInlineI, 0, 1, FlowNext},
	{0x20, "ldc.i4", InlineI, 0, 1, FlowNext},
	{0x21, "ldc.i8", InlineI8, 0, 1, FlowNext},
	{0x22, "ldc.r4", ShortInlineR, 0, 1, FlowNext},
	{0x23, "ldc.r8", InlineR, 0, 1, FlowNext},
	{0x25, "dup", InlineNone, 1, 2, FlowNext},
	{0x26, "pop", InlineNone, 1, 0, FlowNext},
	{0x27, "jmp", InlineMethod, 0, 0, FlowCall},
	{0x28, "call", InlineMethod, varStack, varStack, FlowCall},
	{0x29, "calli", InlineSig, varStack, varStack, FlowCall},
	{0x2a, "ret", InlineNone, varStack, 0, FlowReturn},
	{0x2b, "br.s", ShortInlineBrTarget, 0, 0, FlowBranch},
	{0x2c, "brfalse.s", ShortInlineBrTarget, 1, 0, FlowCondBranch},
	{0x2d, "brtrue.s", ShortInlineBrTarget, 1, 0, FlowCondBranch},
	{0x2e, "beq.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x2f, "bge.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x30, "bgt.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x31, "ble.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x32, "blt.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x33, "bne.un.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x34, "bge.un.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x35, "bgt.un.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x36, "ble.un.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x37, "blt.un.s", ShortInlineBrTarget, 2, 0, FlowCondBranch},
	{0x38, "br", InlineBrTarget, 0, 0, FlowBranch},
	{0x39, "brfalse", InlineBrTarget, 1, 0, FlowCondBranch},
	{0x3a, "brtrue", InlineBrTarget, 1, 0, FlowCondBranch},
	{0x3b, "beq", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x3c, "bge", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x3d, "bgt", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x3e, "ble", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x3f, "blt", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x40, "bne.un", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x41, "bge.un", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x42, "bgt.un", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x43, "ble.un", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x44, "blt.un", InlineBrTarget, 2, 0, FlowCondBranch},
	{0x45, "switch", InlineSwitch, 1, 0, FlowCondBranch},
	{0x46, "ldind.i1", InlineNone, 1, 1, FlowNext},
	{0x47, "ldind.u1", InlineNone, 1, 1, FlowNext},
	{0x48, "ldind.i2", InlineNone, 1, 1, FlowNext},
	{0x49, "ldind.u2", InlineNone, 1, 1, FlowNext},
	{0x4a, "ldind.i4", InlineNone, 1, 1, FlowNext},
	{0x4b, "ldind.u4", InlineNone, 1, 1, FlowNext},
	{0x4c, "ldind.i8", InlineNone, 1, 1, FlowNext},
	{0x4d, "ldind.i", InlineNone, 1, 1, FlowNext},
	{0x4e, "ldind.r4", InlineNone, 1, 1, FlowNext},
	{0x4f, "ldind.r8", InlineNone, 1, 1, FlowNext},
	{0x50, "ldind.ref", InlineNone, 1, 1, FlowNext},
	{0x51, "stind.ref", InlineNone, 2, 0, FlowNext},
	{0x52, "stind.i1", InlineNone, 2, 0, FlowNext},
	{0x53, "stind.i2", InlineNone, 2, 0, FlowNext},
	{0x54, "stind.i4", InlineNone, 2, 0, FlowNext},
	{0x55, "stind.i8", InlineNone, 2, 0, FlowNext},
	{0x56, "stind.r4", InlineNone, 2, 0, FlowNext},
	{0x57, "stind.r8", InlineNone, 2, 0, FlowNext},
	{0x58, "add", InlineNone, 2, 1, FlowNext},
	{0x59, "sub", InlineNone, 2, 1, FlowNext},
	{0x5a, "mul", InlineNone, 2, 1, FlowNext},
	{0x5b, "div", InlineNone, 2, 1, FlowNext},
	{0x5c, "div.un", InlineNone, 2, 1, FlowNext},
	{0x5d, "rem", InlineNone, 2, 1, FlowNext},
	{0x5e, "rem.un", InlineNone, 2, 1, FlowNext},
	{0x5f, "and", InlineNone, 2, 1, FlowNext},
	{0x60, "or", InlineNone, 2, 1, FlowNext},
	{0x61, "xor", InlineNone, 2, 1, FlowNext},
	{0x62, "shl", InlineNone, 2, 1, FlowNext},
	{0x63, "shr", InlineNone, 2, 1, FlowNext},
	{0x64, "shr.un", InlineNone, 2, 1, FlowNext},
	{0x65, "neg", InlineNone, 1, 1, FlowNext},
	{0x66, "not", InlineNone, 1, 1, FlowNext},
	{0x67, "conv.i1", InlineNone, 1, 1, FlowNext},
	{0x68, "conv.i2", InlineNone, 1, 1, FlowNext},
	{0x69, "conv.i4", InlineNone, 1, 1, FlowNext},
	{0x6a, "conv.i8", InlineNone, 1, 1, FlowNext},
	{0x6b, "conv.r4", InlineNone, 1, 1, FlowNext},
	{0x6c, "conv.r8", InlineNone, 1, 1, FlowNext},
	{0x6d, "conv.u4", InlineNone, 1, 1, FlowNext},
	{0x6e, "conv.u8", InlineNone, 1, 1, FlowNext},
	{0x6f, "callvirt", InlineMethod, varStack, varStack, FlowCall},
	{0x70, "cpobj", InlineType, 2, 0, FlowNext},
	{0x71, "ldobj", InlineType, 1, 1, FlowNext},
	{0x72, "ldstr", InlineString, 0, 1, FlowNext},
	{0x73, "newobj", InlineMethod, varStack, 1, FlowCall},
	{0x74, "castclass", InlineType, 1, 1, FlowNext},
	{0x75, "isinst", InlineType, 1, 1, FlowNext},
	{0x76, "conv.r.un", InlineNone, 1, 1, FlowNext},
	{0x79, "unbox", InlineType, 1, 1, FlowNext},
	{0x7a, "throw", InlineNone, 1, 0, FlowThrow},
	{0x7b, "ldfld", InlineField, 1, 1, FlowNext},
	{0x7c, "ldflda", InlineField, 1, 1, FlowNext},
	{0x7d, "stfld", InlineField, 2, 0, FlowNext},
	{0x7e, "ldsfld", InlineField, 0, 1, FlowNext},
	{0x7f, "ldsflda", InlineField, 0, 1, FlowNext},
	{0x80, "stsfld", InlineField, 1, 0, FlowNext},
	{0x81, "stobj", InlineType, 2, 0, FlowNext},
	{0x82, "conv.ovf.i1.un", InlineNone, 1, 1, FlowNext},
	{0x83, "conv.ovf.i2.un", InlineNone, 1, 1, FlowNext},
	{0x84, "conv.ovf.i4.un", InlineNone, 1, 1, FlowNext},
	{0x85, "conv.ovf.i8.un", InlineNone, 1, 1, FlowNext},
	{0x86, "conv.ovf.u1.un", InlineNone, 1, 1, FlowNext},
	{0x87, "conv.ovf.u2.un", InlineNone, 1, 1, FlowNext},
	{0x88, "conv.ovf.u4.un", InlineNone, 1, 1, FlowNext},
	{0x89, "conv.ovf.u8.un", InlineNone, 1, 1, FlowNext},
	{0x8a, "conv.ovf.i.un", InlineNone, 1, 1, FlowNext},
	{0x8b, "conv.ovf.u.un", InlineNone, 1, 1, FlowNext},
	{0x8c, "box", InlineType, 1, 1, FlowNext},
	{0x8d, "newarr", InlineType, 1, 1, FlowNext},
	{0x8e, "ldlen", InlineNone, 1, 1, FlowNext},
	{0x8f, "ldelema", InlineType, 2, 1, FlowNext},
	{0x90, "ldelem.i1", InlineNone, 2, 1, FlowNext},
	{0x91, "ldelem.u1", InlineNone, 2, 1, FlowNext},
	{0x92, "ldelem.i2", InlineNone, 2, 1, FlowNext},
	{0x93, "ldelem.u2", InlineNone, 2, 1, FlowNext},
	{0x94, "ldelem.i4", InlineNone, 2, 1, FlowNext},
	{0x95, "ldelem.u4", InlineNone, 2, 1, FlowNext},
	{0x96, "ldelem.i8", InlineNone, 2, 1, FlowNext},
	{0x97, "ldelem.i", InlineNone, 2, 1, FlowNext},
	{0x98, "ldelem.r4", InlineNone, 2, 1, FlowNext},
	{0x99, "ldelem.r8", InlineNone, 2, 1, FlowNext},
	{0x9a, "ldelem.ref", InlineNone, 2, 1, FlowNext},
	{0x9b, "stelem.i", InlineNone, 3, 0, FlowNext},
	{0x9c, "stelem.i1", InlineNone, 3, 0, FlowNext},
	{0x9d, "stelem.i2", InlineNone, 3, 0, FlowNext},
	{0x9e, "stelem.i4", InlineNone, 3, 0, FlowNext},
	{0x9f, "stelem.i8", InlineNone, 3, 0, FlowNext},
	{0xa0, "stelem.r4", InlineNone, 3, 0, FlowNext},
	{0xa1, "stelem.r8", InlineNone, 3, 0, FlowNext},
	{0xa2, "stelem.ref", InlineNone, 3, 0, FlowNext},
	{0xa3, "ldelem", InlineType, 2, 1, FlowNext},
	{0xa4, "stelem", InlineType, 3, 0, FlowNext},
	{0xa5, "unbox.any", InlineType, 1, 1, FlowNext},
	{0xb3, "conv.ovf.i1", InlineNone, 1, 1, FlowNext},
	{0xb4, "conv.ovf.u1", InlineNone, 1, 1, FlowNext},
	{0xb5, "conv.ovf.i2", InlineNone, 1, 1, FlowNext},
	{0xb6, "conv.ovf.u2", InlineNone, 1, 1, FlowNext},
	{0xb7, "conv.ovf.i4", InlineNone, 1, 1, FlowNext},
	{0xb8, "conv.ovf.u4", InlineNone, 1, 1, FlowNext},
	{0xb9, "conv.ovf.i8", InlineNone, 1, 1, FlowNext},
	{0xba, "conv.ovf.u8", InlineNone, 1, 1, FlowNext},
	{0xc2, "refanyval", InlineType, 1, 1, FlowNext},
	{0xc3, "ckfinite", InlineNone, 1, 1, FlowNext},
	{0xc6, "mkrefany", InlineType, 1, 1, FlowNext},
	{0xd0, "ldtoken", InlineTok, 0, 1, FlowNext},
	{0xd1, "conv.u2", InlineNone, 1, 1, FlowNext},
	{0xd2, "conv.u1", InlineNone, 1, 1, FlowNext},
	{0xd3, "conv.i", InlineNone, 1, 1, FlowNext},
	{0xd4, "conv.ovf.i", InlineNone, 1, 1, FlowNext},
	{0xd5, "conv.ovf.u", InlineNone, 1, 1, FlowNext},
	{0xd6, "add.ovf", InlineNone, 2, 1, FlowNext},
	{0xd7, "add.ovf.un", InlineNone, 2, 1, FlowNext},
	{0xd8, "mul.ovf", InlineNone, 2, 1, FlowNext},
	{0xd9, "mul.ovf.un", InlineNone, 2, 1, FlowNext},
	{0xda, "sub.ovf", InlineNone, 2, 1, FlowNext},
	{0xdb, "sub.ovf.un", InlineNone, 2, 1, FlowNext},
	{0xdc, "endfinally", InlineNone, 0, 0, FlowReturn},
	{0xdd, "leave", InlineBrTarget, 0, 0, FlowBranch},
	{0xde, "leave.s", ShortInlineBrTarget, 0, 0, FlowBranch},
	{0xdf, "stind.i", InlineNone, 2, 0, FlowNext},
	{0xe0, "conv.u", InlineNone, 1, 1, FlowNext},

	{0xfe00, "arglist", InlineNone, 0, 1, FlowNext},
	{0xfe01, "ceq", InlineNone, 2, 1, FlowNext},
	{0xfe02, "cgt", InlineNone, 2, 1, FlowNext},
	{0xfe03, "cgt.un", InlineNone, 2, 1, FlowNext},
	{0xfe04, "clt", InlineNone, 2, 1, FlowNext},
	{0xfe05, "clt.un", InlineNone, 2, 1, FlowNext},
	{0xfe06, "ldftn", InlineMethod, 0, 1, FlowNext},
	{0xfe07, "ldvirtftn", InlineMethod, 1, 1, FlowNext},
	{0xfe09, "ldarg", InlineVar, 0, 1, FlowNext},
	{0xfe0a, "ldarga", InlineVar, 0, 1, FlowNext},
	{0xfe0b, "starg", InlineVar, 1, 0, FlowNext},
	{0xfe0c, "ldloc", InlineVar, 0, 1, FlowNext},
	{0xfe0d, "ldloca", InlineVar, 0, 1, FlowNext},
	{0xfe0e, "stloc", InlineVar, 1, 0, FlowNext},
	{0xfe0f, "localloc", InlineNone, 1, 1, FlowNext},
	{0xfe11, "endfilter", InlineNone, 1, 0, FlowReturn},
	{0xfe12, "unaligned.", ShortInlineI, 0, 0, FlowMeta},
	{0xfe13, "volatile.", InlineNone, 0, 0, FlowMeta},
	{0xfe14, "tail.", InlineNone, 0, 0, FlowMeta},
	{0xfe15, "initobj", InlineType, 1, 0, FlowNext},
	{0xfe16, "constrained.", InlineType, 0, 0, FlowMeta},
	{0xfe17, "cpblk", InlineNone, 3, 0, FlowNext},
	{0xfe18, "initblk", InlineNone, 3, 0, FlowNext},
	{0xfe19, "no.", ShortInlineI, 0, 0, FlowMeta},
	{0xfe1a, "rethrow", InlineNone, 0, 0, FlowThrow},
	{0xfe1c, "sizeof", InlineType, 0, 1, FlowNext},
	{0xfe1d, "refanytype", InlineNone, 1, 1, FlowNext},
	{0xfe1e, "readonly.", InlineNone, 0, 0, FlowMeta},
}

var oneByteOps, twoByteOps = buildOpcodeTables()

func buildOpcodeTables() (one, two [256]*OpCode) {
	for i := range opcodes {
		op := &opcodes[i]
		if op.Value >= 0xfe00 {
			two[op.Value&0xff] = op
		} else {
			one[op.Value] = op
		}
	}
	return one, two
}

func opcodeByValue(v uint16) OpCode {
	for _, op := range opcodes {
		if op.Value == v {
			return op
		}
	}
	panic("unknown opcode")
}

// Opcodes used when synthesizing method bodies.
var (
	Nop  = opcodeByValue(0x00)
	Call = opcodeByValue(0x28)
	Ret  = opcodeByValue(0x2a)
)
