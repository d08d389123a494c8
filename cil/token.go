package cil

import "fmt"

// TableID identifies an ECMA-335 metadata table.
type TableID uint8

const (
	TableModule                 TableID = 0x00
	TableTypeRef                TableID = 0x01
	TableTypeDef                TableID = 0x02
	TableFieldPtr               TableID = 0x03
	TableField                  TableID = 0x04
	TableMethodPtr              TableID = 0x05
	TableMethodDef              TableID = 0x06
	TableParamPtr               TableID = 0x07
	TableParam                  TableID = 0x08
	TableInterfaceImpl          TableID = 0x09
	TableMemberRef              TableID = 0x0a
	TableConstant               TableID = 0x0b
	TableCustomAttribute        TableID = 0x0c
	TableFieldMarshal           TableID = 0x0d
	TableDeclSecurity           TableID = 0x0e
	TableClassLayout            TableID = 0x0f
	TableFieldLayout            TableID = 0x10
	TableStandAloneSig          TableID = 0x11
	TableEventMap               TableID = 0x12
	TableEventPtr               TableID = 0x13
	TableEvent                  TableID = 0x14
	TablePropertyMap            TableID = 0x15
	TablePropertyPtr            TableID = 0x16
	TableProperty               TableID = 0x17
	TableMethodSemantics        TableID = 0x18
	TableMethodImpl             TableID = 0x19
	TableModuleRef              TableID = 0x1a
	TableTypeSpec               TableID = 0x1b
	TableImplMap                TableID = 0x1c
	TableFieldRVA               TableID = 0x1d
	TableEncLog                 TableID = 0x1e
	TableEncMap                 TableID = 0x1f
	TableAssembly               TableID = 0x20
	TableAssemblyProcessor      TableID = 0x21
	TableAssemblyOS             TableID = 0x22
	TableAssemblyRef            TableID = 0x23
	TableAssemblyRefProcessor   TableID = 0x24
	TableAssemblyRefOS          TableID = 0x25
	TableFile                   TableID = 0x26
	TableExportedType           TableID = 0x27
	TableManifestResource       TableID = 0x28
	TableNestedClass            TableID = 0x29
	TableGenericParam           TableID = 0x2a
	TableMethodSpec             TableID = 0x2b
	TableGenericParamConstraint TableID = 0x2c

	numTables = 0x2d

	// tableString is the pseudo table of user string tokens (ldstr).
	tableString TableID = 0x70
	// tableNone marks an unused tag in a coded index.
	tableNone TableID = 0xff
)

// Token is a metadata token: table in the high byte, 1-based row in the low
// 24 bits. The zero Token is the null reference.
type Token uint32

// NewToken builds a token for row rid of table t.
func NewToken(t TableID, rid uint32) Token {
	if rid == 0 {
		return 0
	}
	return Token(uint32(t)<<24 | rid&0x00ffffff)
}

// Table returns the table the token refers to.
func (t Token) Table() TableID { return TableID(t >> 24) }

// RID returns the 1-based row number.
func (t Token) RID() uint32 { return uint32(t) & 0x00ffffff }

// IsNil reports whether the token is the null reference.
func (t Token) IsNil() bool { return t.RID() == 0 }

func (t Token) String() string {
	return fmt.Sprintf("0x%08x", uint32(t))
}
