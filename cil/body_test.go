package cil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(v uint16) OpCode { return opcodeByValue(v) }

func newBody(instrs ...Instruction) *Body {
	b := NewBody()
	b.Instructions = instrs
	b.layout()
	return b
}

func noCalls(Instruction) (int, int, error) { return 0, 0, nil }

func TestMaxStack(t *testing.T) {
	ldc := func(v int64) Instruction { return Instruction{OpCode: op(0x1f), Operand: v} }
	pop := Instruction{OpCode: op(0x26)}
	add := Instruction{OpCode: op(0x58)}
	ret := Instruction{OpCode: Ret}

	tests := map[string]struct {
		body         *Body
		returnsValue bool
		want         int
		wantErr      bool
	}{
		"empty": {
			body: newBody(),
		},
		"ret only": {
			body: newBody(ret),
		},
		"push pop": {
			body: newBody(ldc(1), ldc(2), pop, pop, ret),
			want: 2,
		},
		"returns value": {
			body:         newBody(ldc(1), ldc(2), add, ret),
			returnsValue: true,
			want:         2,
		},
		"value left over": {
			body:    newBody(ldc(1), ret),
			wantErr: true,
		},
		"underflow": {
			body:    newBody(pop, ret),
			wantErr: true,
		},
		"missing return value": {
			body:         newBody(ret),
			returnsValue: true,
			wantErr:      true,
		},
		"falls off the end": {
			body:    newBody(ldc(1), pop),
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tc.body.maxStack(tc.returnsValue, noCalls)
			if tc.wantErr {
				assert.ErrorIs(t, err, errUnbalanced)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMaxStackBranches(t *testing.T) {
	// ldc.i4.0; brtrue.s L; ldc.i4.1; pop; L: ret
	b := newBody(
		Instruction{OpCode: op(0x16)},
		Instruction{OpCode: op(0x2d)},
		Instruction{OpCode: op(0x17)},
		Instruction{OpCode: op(0x26)},
		Instruction{OpCode: Ret},
	)
	b.Instructions[1].Operand = b.Instructions[4].Offset

	got, err := b.maxStack(false, noCalls)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	// Both paths now reach pop with an empty stack.
	b.Instructions[1].Operand = b.Instructions[3].Offset
	b.Instructions[2] = Instruction{Offset: b.Instructions[2].Offset, OpCode: Nop}
	_, err = b.maxStack(false, noCalls)
	assert.ErrorIs(t, err, errUnbalanced)
}

func TestMaxStackRejectsBadBranchOperand(t *testing.T) {
	tests := map[string]*Body{
		"br.s with a token": newBody(
			Instruction{OpCode: op(0x2b), Operand: NewToken(TableMethodDef, 1)},
			Instruction{OpCode: Ret},
		),
		"brtrue.s with a string": newBody(
			Instruction{OpCode: op(0x16)},
			Instruction{OpCode: op(0x2d), Operand: "IL_0003"},
			Instruction{OpCode: Ret},
		),
		"leave.s without a target": newBody(
			Instruction{OpCode: op(0xde)},
			Instruction{OpCode: Ret},
		),
	}

	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() { _, err = b.maxStack(false, noCalls) })
			assert.ErrorContains(t, err, "does not match")
		})
	}
}

func TestEmitCallThenReturn(t *testing.T) {
	source := readFixture(t, sourceAssembly())
	dir, _ := source.Type("SrDebugDirector")

	tests := map[string]struct {
		method  string
		wantErr bool
	}{
		"static void":    {method: "Init"},
		"instance":       {method: "Show", wantErr: true},
		"returns value":  {method: "Count", wantErr: true},
		"takes argument": {method: "Open", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			target := readFixture(t, targetAssembly())
			callee, err := dir.Method(tc.method)
			require.NoError(t, err)
			ref, err := target.ImportMethod(callee)
			require.NoError(t, err)

			b := NewBody()
			err = b.EmitCallThenReturn(ref)
			if tc.wantErr {
				assert.ErrorIs(t, err, errUnbalanced)
				assert.Empty(t, b.Instructions)
				return
			}
			require.NoError(t, err)
			require.Len(t, b.Instructions, 2)
			assert.Equal(t, "call", b.Instructions[0].OpCode.Name)
			assert.Equal(t, ref, b.Instructions[0].Operand)
			assert.Equal(t, "ret", b.Instructions[1].OpCode.Name)
			assert.Equal(t, 5, b.Instructions[1].Offset)
			assert.Equal(t, uint16(0), b.MaxStack)
		})
	}
}

func TestEmitCallThenReturnNeedsEmptyBody(t *testing.T) {
	source := readFixture(t, sourceAssembly())
	dir, _ := source.Type("SrDebugDirector")
	initMethod, _ := dir.Method("Init")
	target := readFixture(t, targetAssembly())
	ref, err := target.ImportMethod(initMethod)
	require.NoError(t, err)

	b := newBody(Instruction{OpCode: Nop})
	assert.Error(t, b.EmitCallThenReturn(ref))
	assert.Len(t, b.Instructions, 1)
}

func TestBodyEncodeDecode(t *testing.T) {
	identity := func(operand any) (Token, error) { return operand.(Token), nil }

	tests := map[string]*Body{
		"tiny": func() *Body {
			b := newBody(
				Instruction{OpCode: op(0x1f), Operand: int64(-3)},
				Instruction{OpCode: op(0x26)},
				Instruction{OpCode: Ret},
			)
			b.MaxStack = 8
			return b
		}(),
		"fat with locals": func() *Body {
			b := newBody(
				Instruction{OpCode: op(0x20), Operand: int64(100000)},
				Instruction{OpCode: op(0x28), Operand: NewToken(TableMemberRef, 7)},
				Instruction{OpCode: Ret},
			)
			b.MaxStack = 3
			b.InitLocals = true
			b.LocalVarSig = NewToken(TableStandAloneSig, 1)
			return b
		}(),
		"exception handler": func() *Body {
			b := newBody(
				Instruction{OpCode: Nop},
				Instruction{OpCode: op(0xde), Operand: 4},
				Instruction{OpCode: op(0xdc)},
				Instruction{OpCode: Ret},
			)
			b.MaxStack = 8
			b.Handlers = []ExceptionHandler{{
				Flags: HandlerFinally, TryOffset: 0, TryLength: 3, HandlerOffset: 3, HandlerLength: 1,
			}}
			return b
		}(),
	}

	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			enc, err := want.encode(identity)
			require.NoError(t, err)
			got, err := decodeBody(enc, 0)
			require.NoError(t, err)

			assert.Equal(t, want.MaxStack, got.MaxStack)
			assert.Equal(t, want.InitLocals, got.InitLocals)
			assert.Equal(t, want.LocalVarSig, got.LocalVarSig)
			assert.Equal(t, want.Handlers, got.Handlers)
			require.Len(t, got.Instructions, len(want.Instructions))
			for i := range want.Instructions {
				assert.Equal(t, want.Instructions[i].OpCode.Name, got.Instructions[i].OpCode.Name)
				assert.Equal(t, want.Instructions[i].Operand, got.Instructions[i].Operand)
				assert.Equal(t, want.Instructions[i].Offset, got.Instructions[i].Offset)
			}
		})
	}
}

func TestDecodeInstructionsRejectsUnknownOpcode(t *testing.T) {
	_, err := decodeInstructions([]byte{0x24})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = decodeInstructions([]byte{0x28, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}
