package cil

import (
	"fmt"
	"path"
	"strings"
)

// Resolver finds the module that defines an assembly referenced by name.
type Resolver interface {
	Resolve(assemblyName string) (*Module, error)
}

// Option configures a Module as it is read.
type Option func(*Module)

// WithResolver sets the resolver used to find referenced assemblies.
func WithResolver(r Resolver) Option {
	return func(m *Module) { m.resolver = r }
}

// WithPath records the file a module was read from.
func WithPath(p string) Option {
	return func(m *Module) { m.Path = p }
}

// Module is a managed PE image loaded for editing.
type Module struct {
	// Path is the file the module was read from, if known.
	Path string
	// Name is the assembly name, or the module name without extension for
	// images that carry no assembly manifest.
	Name      string
	Version   [4]uint16
	PublicKey []byte
	Culture   string

	resolver Resolver
	img      *image
	md       *metadata
	types    []*Type

	imports  map[importKey]Token
	modified bool
}

// Visibility is the member access of a method.
type Visibility uint16

const (
	Private           Visibility = 0x0001
	FamilyAndAssembly Visibility = 0x0002
	Assembly          Visibility = 0x0003
	Family            Visibility = 0x0004
	FamilyOrAssembly  Visibility = 0x0005
	Public            Visibility = 0x0006
)

// Method attribute bits used by this package.
const (
	methodAccessMask = 0x0007
	methodStatic     = 0x0010
	methodHideBySig  = 0x0080

	methodImplCodeTypeMask = 0x0003
	methodImplIL           = 0x0000
)

// Type is a TypeDef.
type Type struct {
	Namespace string
	Name      string
	Flags     uint32
	// Enclosing is the declaring type of a nested type.
	Enclosing *Type

	module  *Module
	row     uint32
	methods []*Method
}

// Method is a MethodDef.
type Method struct {
	Name      string
	Flags     uint16
	ImplFlags uint16

	typ    *Type
	row    uint32 // original MethodDef row, 0 for methods added since
	rva    uint32
	sig    []byte
	params []uint32

	body       *Body
	bodyLoaded bool
}

// Read parses a managed PE image. The module keeps data and patches a copy
// of it when written.
func Read(data []byte, opts ...Option) (*Module, error) {
	img, err := parseImage(data)
	if err != nil {
		return nil, err
	}
	md, err := parseMetadata(img.metadataBytes)
	if err != nil {
		return nil, err
	}

	m := &Module{img: img, md: md, imports: make(map[importKey]Token)}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.readIdentity(); err != nil {
		return nil, err
	}
	if err := m.readTypes(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) readIdentity() error {
	if row := m.md.row(TableAssembly, 1); row != nil {
		var err error
		if m.Name, err = m.md.strings.get(row[7]); err != nil {
			return err
		}
		if m.Culture, err = m.md.strings.get(row[8]); err != nil {
			return err
		}
		for i := range m.Version {
			m.Version[i] = uint16(row[1+i])
		}
		key, err := m.md.blobs.get(row[6])
		if err != nil {
			return err
		}
		m.PublicKey = clone(key)
		return nil
	}
	row := m.md.row(TableModule, 1)
	if row == nil {
		return fmt.Errorf("%w: no module row", ErrMalformed)
	}
	name, err := m.md.strings.get(row[1])
	if err != nil {
		return err
	}
	m.Name = strings.TrimSuffix(name, path.Ext(name))
	return nil
}

func (m *Module) readTypes() error {
	md := m.md
	nmethods := uint32(md.rowCount(TableMethodDef))
	nparams := uint32(md.rowCount(TableParam))

	for i, row := range md.tables[TableTypeDef] {
		t := &Type{module: m, row: uint32(i + 1), Flags: row[colTypeDefFlags]}
		var err error
		if t.Name, err = md.strings.get(row[colTypeDefName]); err != nil {
			return err
		}
		if t.Namespace, err = md.strings.get(row[colTypeDefNamespace]); err != nil {
			return err
		}

		first, end := listRange(md.tables[TableTypeDef], i, colTypeDefMethodList, nmethods)
		for rid := first; rid < end; rid++ {
			mrow := md.row(TableMethodDef, rid)
			if mrow == nil {
				return fmt.Errorf("%w: method list of %s runs past the table", ErrMalformed, t.Name)
			}
			meth := &Method{
				typ:       t,
				row:       rid,
				rva:       mrow[colMethodRVA],
				Flags:     uint16(mrow[colMethodFlags]),
				ImplFlags: uint16(mrow[colMethodImplFlags]),
			}
			if meth.Name, err = md.strings.get(mrow[colMethodName]); err != nil {
				return err
			}
			sig, err := md.blobs.get(mrow[colMethodSig])
			if err != nil {
				return err
			}
			meth.sig = clone(sig)
			pfirst, pend := listRange(md.tables[TableMethodDef], int(rid-1), colMethodParamList, nparams)
			for p := pfirst; p < pend; p++ {
				meth.params = append(meth.params, p)
			}
			t.methods = append(t.methods, meth)
		}
		m.types = append(m.types, t)
	}

	for _, row := range md.tables[TableNestedClass] {
		nested, enclosing := row[0], row[1]
		if nested == 0 || enclosing == 0 || int(nested) > len(m.types) || int(enclosing) > len(m.types) {
			return fmt.Errorf("%w: bad nested class row", ErrMalformed)
		}
		m.types[nested-1].Enclosing = m.types[enclosing-1]
	}
	return nil
}

// listRange returns the [first, end) run of rows that row i of rows owns
// through its list column col, in a target table of n rows.
func listRange(rows [][]uint32, i, col int, n uint32) (uint32, uint32) {
	first := rows[i][col]
	end := n + 1
	if i+1 < len(rows) {
		end = rows[i+1][col]
	}
	if first == 0 {
		first = end
	}
	if end > n+1 {
		end = n + 1
	}
	if first > end {
		first = end
	}
	return first, end
}

// Types returns the module's types in TypeDef order.
func (m *Module) Types() []*Type {
	return m.types
}

// Type finds a type by its full name: "Namespace.Name", "Name" in the
// global namespace, or "Outer/Inner" for nested types.
func (m *Module) Type(fullName string) (*Type, error) {
	for _, t := range m.types {
		if t.FullName() == fullName {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrTypeNotFound, fullName, m.Name)
}

// Modified reports whether the module has changed since it was read.
func (m *Module) Modified() bool {
	return m.modified
}

// Module returns the module the type belongs to.
func (t *Type) Module() *Module {
	return t.module
}

// FullName returns the name Module.Type accepts for t.
func (t *Type) FullName() string {
	if t.Enclosing != nil {
		return t.Enclosing.FullName() + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

func (t *Type) String() string {
	return t.FullName()
}

// Token returns the TypeDef token of t.
func (t *Type) Token() Token {
	return NewToken(TableTypeDef, t.row)
}

// Methods returns the type's methods in declaration order.
func (t *Type) Methods() []*Method {
	return t.methods
}

// Method returns the first method named name.
func (t *Type) Method(name string) (*Method, error) {
	for _, meth := range t.methods {
		if meth.Name == name {
			return meth, nil
		}
	}
	return nil, fmt.Errorf("%w: %s::%s", ErrMethodNotFound, t.FullName(), name)
}

// RemoveMethod detaches every method named name from t and reports whether
// there was one.
func (t *Type) RemoveMethod(name string) bool {
	kept := t.methods[:0]
	for _, meth := range t.methods {
		if meth.Name != name {
			kept = append(kept, meth)
			continue
		}
		meth.typ = nil
	}
	removed := len(kept) != len(t.methods)
	clear(t.methods[len(kept):])
	t.methods = kept
	if removed {
		t.module.modified = true
	}
	return removed
}

// AddVoidMethod appends an instance method that takes no arguments and
// returns nothing. Its body is empty.
func (t *Type) AddVoidMethod(name string, vis Visibility) *Method {
	meth := &Method{
		Name:       name,
		Flags:      uint16(vis)&methodAccessMask | methodHideBySig,
		ImplFlags:  methodImplIL,
		typ:        t,
		sig:        []byte{sigHasThis, 0x00, elemVoid},
		body:       NewBody(),
		bodyLoaded: true,
	}
	t.methods = append(t.methods, meth)
	t.module.modified = true
	return meth
}

// DeclaringType returns the type the method belongs to, or nil once the
// method has been removed.
func (meth *Method) DeclaringType() *Type {
	return meth.typ
}

func (meth *Method) String() string {
	if meth.typ == nil {
		return meth.Name
	}
	return meth.typ.FullName() + "::" + meth.Name
}

// Token returns the method's MethodDef token in the image it was read
// from. Methods added since have none.
func (meth *Method) Token() Token {
	return NewToken(TableMethodDef, meth.row)
}

// IsStatic reports whether the method has no this parameter.
func (meth *Method) IsStatic() bool {
	return meth.Flags&methodStatic != 0
}

// Visibility returns the method's member access.
func (meth *Method) Visibility() Visibility {
	return Visibility(meth.Flags & methodAccessMask)
}

// Signature returns the method's signature with type names resolved in
// its own module.
func (meth *Method) Signature() (Signature, error) {
	sig, err := parseMethodSig(meth.sig)
	if err != nil {
		return Signature{}, err
	}
	var mod *Module
	if meth.typ != nil {
		mod = meth.typ.module
	}
	name := func(tok Token) string {
		if mod == nil {
			return tok.String()
		}
		return mod.typeName(tok)
	}
	out := Signature{Static: !sig.hasThis()}
	if out.Return, err = formatType(sig.ret, name); err != nil {
		return Signature{}, err
	}
	for _, p := range sig.params {
		s, err := formatType(p, name)
		if err != nil {
			return Signature{}, err
		}
		out.Params = append(out.Params, s)
	}
	return out, nil
}

// Body returns the method's body, decoding it from the image on first use.
// Abstract, runtime and native methods have none.
func (meth *Method) Body() (*Body, error) {
	if meth.bodyLoaded {
		return meth.body, nil
	}
	if meth.rva == 0 || meth.ImplFlags&methodImplCodeTypeMask != methodImplIL {
		meth.bodyLoaded = true
		return nil, nil
	}
	var img *image
	if meth.typ != nil {
		img = meth.typ.module.img
	}
	if img == nil {
		return nil, fmt.Errorf("%s has no image", meth)
	}
	data, err := img.tail(meth.rva)
	if err != nil {
		return nil, fmt.Errorf("body of %s: %w", meth, err)
	}
	off, _ := img.offset(meth.rva)
	b, err := decodeBody(data, off)
	if err != nil {
		return nil, fmt.Errorf("body of %s: %w", meth, err)
	}
	meth.body, meth.bodyLoaded = b, true
	return b, nil
}

// SetBody replaces the method's body. The new body is encoded when the
// module is written.
func (meth *Method) SetBody(b *Body) {
	b.codeOffset = -1
	meth.body, meth.bodyLoaded = b, true
	if meth.typ != nil {
		meth.typ.module.modified = true
	}
}

// typeName renders a TypeDef, TypeRef or TypeSpec token of m.
func (m *Module) typeName(tok Token) string {
	switch tok.Table() {
	case TableTypeDef:
		if rid := tok.RID(); rid > 0 && int(rid) <= len(m.types) {
			return m.types[rid-1].FullName()
		}
	case TableTypeRef:
		if name, err := m.typeRefName(tok.RID()); err == nil {
			return name
		}
	case TableTypeSpec:
		if row := m.md.row(TableTypeSpec, tok.RID()); row != nil {
			if b, err := m.md.blobs.get(row[0]); err == nil {
				if s, err := formatType(b, m.typeName); err == nil {
					return s
				}
			}
		}
	}
	return tok.String()
}

// typeRefName returns the full name of a TypeRef, using "/" for nesting.
func (m *Module) typeRefName(rid uint32) (string, error) {
	row := m.md.row(TableTypeRef, rid)
	if row == nil {
		return "", fmt.Errorf("%w: TypeRef %d out of range", ErrMalformed, rid)
	}
	name, err := m.md.strings.get(row[1])
	if err != nil {
		return "", err
	}
	ns, err := m.md.strings.get(row[2])
	if err != nil {
		return "", err
	}
	if scope := Token(row[0]); scope.Table() == TableTypeRef && scope.RID() != rid {
		outer, err := m.typeRefName(scope.RID())
		if err != nil {
			return "", err
		}
		return outer + "/" + name, nil
	}
	if ns == "" {
		return name, nil
	}
	return ns + "." + name, nil
}

// ResolveMethod returns the method a MethodDef token of the image names.
func (m *Module) ResolveMethod(tok Token) (*Method, error) {
	if tok.Table() == TableMethodDef && !tok.IsNil() {
		for _, t := range m.types {
			for _, meth := range t.methods {
				if meth.row == tok.RID() {
					return meth, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: %v in %s", ErrMethodNotFound, tok, m.Name)
}

// MethodName renders a MethodDef or MemberRef token as "Type::Method",
// prefixed with "[assembly]" for members of other assemblies.
func (m *Module) MethodName(tok Token) (string, error) {
	switch tok.Table() {
	case TableMethodDef:
		meth, err := m.ResolveMethod(tok)
		if err != nil {
			return "", err
		}
		return meth.String(), nil
	case TableMemberRef:
		row := m.md.row(TableMemberRef, tok.RID())
		if row == nil {
			return "", fmt.Errorf("%w: %v out of range", ErrMalformed, tok)
		}
		name, err := m.md.strings.get(row[1])
		if err != nil {
			return "", err
		}
		parent := Token(row[0])
		prefix := ""
		if parent.Table() == TableTypeRef {
			scope := m.typeRefScope(parent.RID())
			if ref := m.md.row(TableAssemblyRef, scope.RID()); scope.Table() == TableAssemblyRef && ref != nil {
				asm, err := m.md.strings.get(ref[6])
				if err != nil {
					return "", err
				}
				prefix = "[" + asm + "]"
			}
		}
		return prefix + m.typeName(parent) + "::" + name, nil
	}
	return "", fmt.Errorf("%v is not a method", tok)
}

// typeRefScope follows nested TypeRefs out to the outermost scope.
func (m *Module) typeRefScope(rid uint32) Token {
	for i, n := 0, m.md.rowCount(TableTypeRef); i < n; i++ {
		row := m.md.row(TableTypeRef, rid)
		if row == nil {
			return 0
		}
		scope := Token(row[0])
		if scope.Table() != TableTypeRef {
			return scope
		}
		rid = scope.RID()
	}
	return 0
}
