package cil

// Column kinds of the physical table layout (ECMA-335 II.22).
type colKind uint8

const (
	colU16 colKind = iota
	colU32
	colString
	colGUID
	colBlob
	colIndex // simple index into another table
	colCoded // coded index, stored decoded as a Token
)

// Relation of a referencing column to the row it points at.
type colRel uint8

const (
	// relRef columns must keep pointing at a live row.
	relRef colRel = iota
	// relOwner columns name the row that owns this one. When the owner is
	// removed the row goes with it.
	relOwner
	// relList columns start a run of rows in another table.
	relList
)

type column struct {
	kind  colKind
	table TableID // colIndex
	coded coded   // colCoded
	rel   colRel
}

type coded uint8

const (
	codedTypeDefOrRef coded = iota
	codedHasConstant
	codedHasCustomAttribute
	codedHasFieldMarshal
	codedHasDeclSecurity
	codedMemberRefParent
	codedHasSemantics
	codedMethodDefOrRef
	codedMemberForwarded
	codedImplementation
	codedCustomAttributeType
	codedResolutionScope
	codedTypeOrMethodDef
)

type codedIndex struct {
	bits   uint
	tables []TableID
}

var codedIndexes = [...]codedIndex{
	codedTypeDefOrRef:   {2, []TableID{TableTypeDef, TableTypeRef, TableTypeSpec}},
	codedHasConstant:    {2, []TableID{TableField, TableParam, TableProperty}},
	codedHasFieldMarshal: {1, []TableID{TableField, TableParam}},
	codedHasCustomAttribute: {5, []TableID{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity,
		TableProperty, TableEvent, TableStandAloneSig, TableModuleRef,
		TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile,
		TableExportedType, TableManifestResource, TableGenericParam,
		TableGenericParamConstraint, TableMethodSpec,
	}},
	codedHasDeclSecurity:     {2, []TableID{TableTypeDef, TableMethodDef, TableAssembly}},
	codedMemberRefParent:     {3, []TableID{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}},
	codedHasSemantics:        {1, []TableID{TableEvent, TableProperty}},
	codedMethodDefOrRef:      {1, []TableID{TableMethodDef, TableMemberRef}},
	codedMemberForwarded:     {1, []TableID{TableField, TableMethodDef}},
	codedImplementation:      {2, []TableID{TableFile, TableAssemblyRef, TableExportedType}},
	codedCustomAttributeType: {3, []TableID{tableNone, tableNone, TableMethodDef, TableMemberRef, tableNone}},
	codedResolutionScope:     {2, []TableID{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}},
	codedTypeOrMethodDef:     {1, []TableID{TableTypeDef, TableMethodDef}},
}

func (c coded) tag(t TableID) (uint32, bool) {
	for i, ct := range codedIndexes[c].tables {
		if ct == t && ct != tableNone {
			return uint32(i), true
		}
	}
	return 0, false
}

func u16() column { return column{kind: colU16} }
func u32() column { return column{kind: colU32} }
func str() column { return column{kind: colString} }
func guid() column { return column{kind: colGUID} }
func blob() column { return column{kind: colBlob} }
func idx(t TableID) column { return column{kind: colIndex, table: t} }
func ownerIdx(t TableID) column { return column{kind: colIndex, table: t, rel: relOwner} }
func list(t TableID) column { return column{kind: colIndex, table: t, rel: relList} }
func code(c coded) column { return column{kind: colCoded, coded: c} }
func ownerCode(c coded) column { return column{kind: colCoded, coded: c, rel: relOwner} }

var schemas = [numTables][]column{
	TableModule:          {u16(), str(), guid(), guid(), guid()},
	TableTypeRef:         {code(codedResolutionScope), str(), str()},
	TableTypeDef:         {u32(), str(), str(), code(codedTypeDefOrRef), list(TableField), list(TableMethodDef)},
	TableFieldPtr:        {idx(TableField)},
	TableField:           {u16(), str(), blob()},
	TableMethodPtr:       {idx(TableMethodDef)},
	TableMethodDef:       {u32(), u16(), u16(), str(), blob(), list(TableParam)},
	TableParamPtr:        {idx(TableParam)},
	TableParam:           {u16(), u16(), str()},
	TableInterfaceImpl:   {ownerIdx(TableTypeDef), code(codedTypeDefOrRef)},
	TableMemberRef:       {code(codedMemberRefParent), str(), blob()},
	TableConstant:        {u16(), ownerCode(codedHasConstant), blob()},
	TableCustomAttribute: {ownerCode(codedHasCustomAttribute), code(codedCustomAttributeType), blob()},
	TableFieldMarshal:    {ownerCode(codedHasFieldMarshal), blob()},
	TableDeclSecurity:    {u16(), ownerCode(codedHasDeclSecurity), blob()},
	TableClassLayout:     {u16(), u32(), ownerIdx(TableTypeDef)},
	TableFieldLayout:     {u32(), ownerIdx(TableField)},
	TableStandAloneSig:   {blob()},
	TableEventMap:        {ownerIdx(TableTypeDef), list(TableEvent)},
	TableEventPtr:        {idx(TableEvent)},
	TableEvent:           {u16(), str(), code(codedTypeDefOrRef)},
	TablePropertyMap:     {ownerIdx(TableTypeDef), list(TableProperty)},
	TablePropertyPtr:     {idx(TableProperty)},
	TableProperty:        {u16(), str(), blob()},
	TableMethodSemantics: {u16(), ownerIdx(TableMethodDef), code(codedHasSemantics)},
	TableMethodImpl:      {ownerIdx(TableTypeDef), ownerCode(codedMethodDefOrRef), ownerCode(codedMethodDefOrRef)},
	TableModuleRef:       {str()},
	TableTypeSpec:        {blob()},
	TableImplMap:         {u16(), ownerCode(codedMemberForwarded), str(), idx(TableModuleRef)},
	TableFieldRVA:        {u32(), ownerIdx(TableField)},
	TableEncLog:          {u32(), u32()},
	TableEncMap:          {u32()},
	TableAssembly:        {u32(), u16(), u16(), u16(), u16(), u32(), blob(), str(), str()},
	TableAssemblyProcessor: {u32()},
	TableAssemblyOS:        {u32(), u32(), u32()},
	TableAssemblyRef:       {u16(), u16(), u16(), u16(), u32(), blob(), str(), str(), blob()},
	TableAssemblyRefProcessor: {u32(), idx(TableAssemblyRef)},
	TableAssemblyRefOS:        {u32(), u32(), u32(), idx(TableAssemblyRef)},
	TableFile:                 {u32(), str(), blob()},
	TableExportedType:         {u32(), u32(), str(), str(), code(codedImplementation)},
	TableManifestResource:     {u32(), u32(), str(), code(codedImplementation)},
	TableNestedClass:          {ownerIdx(TableTypeDef), ownerIdx(TableTypeDef)},
	TableGenericParam:         {u16(), u16(), ownerCode(codedTypeOrMethodDef), str()},
	TableMethodSpec:           {code(codedMethodDefOrRef), blob()},
	TableGenericParamConstraint: {ownerIdx(TableGenericParam), code(codedTypeDefOrRef)},
}

// sortKeys lists, for each table the runtime requires sorted, the columns
// of its primary (and optional secondary) key.
var sortKeys = map[TableID][]int{
	TableInterfaceImpl:          {0},
	TableConstant:               {1},
	TableCustomAttribute:        {0},
	TableFieldMarshal:           {0},
	TableDeclSecurity:           {1},
	TableClassLayout:            {2},
	TableFieldLayout:            {1},
	TableMethodSemantics:        {2},
	TableMethodImpl:             {0},
	TableImplMap:                {1},
	TableFieldRVA:               {1},
	TableNestedClass:            {0},
	TableGenericParam:           {2, 0},
	TableGenericParamConstraint: {0},
}

// Column positions used by the object model.
const (
	colTypeDefFlags      = 0
	colTypeDefName       = 1
	colTypeDefNamespace  = 2
	colTypeDefMethodList = 5

	colMethodRVA       = 0
	colMethodImplFlags = 1
	colMethodFlags     = 2
	colMethodName      = 3
	colMethodSig       = 4
	colMethodParamList = 5

	colParamFlags    = 0
	colParamSequence = 1
	colParamName     = 2
)
