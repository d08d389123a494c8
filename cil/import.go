package cil

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"slices"
)

// MethodRef is a call target usable inside bodies of the module that
// created it.
type MethodRef struct {
	// Token is a MemberRef for imported methods. For methods of the same
	// module it is the MethodDef token at read time, and Method is set.
	Token  Token
	Method *Method
	sig    []byte
}

func (r MethodRef) String() string {
	if r.Method != nil {
		return r.Method.String()
	}
	return r.Token.String()
}

type importKey struct {
	assembly string
	typ      string
	member   string
	sig      string
}

// ImportMethod returns a reference to src that bodies of m can call. The
// referenced assembly, type and member rows are added to m on first use
// and reused afterwards, including rows left by an earlier write.
func (m *Module) ImportMethod(src *Method) (MethodRef, error) {
	if src.typ == nil {
		return MethodRef{}, fmt.Errorf("import %s: %w: method was removed", src.Name, ErrMethodNotFound)
	}
	srcMod := src.typ.module
	if srcMod == m {
		return MethodRef{Token: src.Token(), Method: src, sig: src.sig}, nil
	}
	if m.resolver != nil {
		resolved, err := m.resolver.Resolve(srcMod.Name)
		if err != nil {
			return MethodRef{}, fmt.Errorf("import %s: resolve %s: %w", src, srcMod.Name, err)
		}
		if resolved != srcMod {
			return MethodRef{}, fmt.Errorf("import %s: assembly %s resolves to a different module", src, srcMod.Name)
		}
	}

	im := &importer{dst: m, src: srcMod}
	parent, err := im.typeDef(src.typ)
	if err != nil {
		return MethodRef{}, fmt.Errorf("import %s: %w", src, err)
	}
	sig, err := rewriteMethodSig(src.sig, im.mapType)
	if err != nil {
		return MethodRef{}, fmt.Errorf("import %s: %w", src, err)
	}

	key := importKey{assembly: srcMod.Name, typ: src.typ.FullName(), member: src.Name, sig: string(sig)}
	if tok, ok := m.imports[key]; ok {
		return MethodRef{Token: tok, sig: sig}, nil
	}

	md := m.md
	var tok Token
	for i, row := range md.tables[TableMemberRef] {
		if Token(row[0]) != parent {
			continue
		}
		name, err := md.strings.get(row[1])
		if err != nil || name != src.Name {
			continue
		}
		if b, err := md.blobs.get(row[2]); err == nil && bytes.Equal(b, sig) {
			tok = NewToken(TableMemberRef, uint32(i+1))
			break
		}
	}
	if tok == 0 {
		rid := md.appendRow(TableMemberRef, []uint32{uint32(parent), md.strings.add(src.Name), md.blobs.add(sig)})
		tok = NewToken(TableMemberRef, rid)
		m.modified = true
	}
	m.imports[key] = tok
	return MethodRef{Token: tok, sig: sig}, nil
}

// importer translates tokens of src into rows of dst.
type importer struct {
	dst, src *Module
}

func (im *importer) typeDef(t *Type) (Token, error) {
	if t.Enclosing != nil {
		scope, err := im.typeDef(t.Enclosing)
		if err != nil {
			return 0, err
		}
		return im.typeRef(scope, "", t.Name), nil
	}
	scope := im.assemblyRef(im.src.Name, im.src.Version, publicKeyToken(im.src.PublicKey), im.src.Culture)
	return im.typeRef(scope, t.Namespace, t.Name), nil
}

func (im *importer) mapType(tok Token) (Token, error) {
	switch tok.Table() {
	case TableTypeDef:
		rid := tok.RID()
		if rid == 0 || int(rid) > len(im.src.types) {
			return 0, fmt.Errorf("%w: TypeDef %v out of range", ErrMalformed, tok)
		}
		return im.typeDef(im.src.types[rid-1])
	case TableTypeRef:
		return im.foreignTypeRef(tok.RID())
	case TableTypeSpec:
		row := im.src.md.row(TableTypeSpec, tok.RID())
		if row == nil {
			return 0, fmt.Errorf("%w: TypeSpec %v out of range", ErrMalformed, tok)
		}
		b, err := im.src.md.blobs.get(row[0])
		if err != nil {
			return 0, err
		}
		spec, err := rewriteTypeSpec(b, im.mapType)
		if err != nil {
			return 0, err
		}
		return im.typeSpec(spec), nil
	}
	return 0, fmt.Errorf("%w: %v is not a type", ErrMalformed, tok)
}

// foreignTypeRef copies a TypeRef of src, with its resolution scope, into dst.
func (im *importer) foreignTypeRef(rid uint32) (Token, error) {
	md := im.src.md
	row := md.row(TableTypeRef, rid)
	if row == nil {
		return 0, fmt.Errorf("%w: TypeRef %d out of range", ErrMalformed, rid)
	}
	name, err := md.strings.get(row[1])
	if err != nil {
		return 0, err
	}
	ns, err := md.strings.get(row[2])
	if err != nil {
		return 0, err
	}

	scope := Token(row[0])
	switch scope.Table() {
	case TableAssemblyRef:
		ref := md.row(TableAssemblyRef, scope.RID())
		if ref == nil {
			return 0, fmt.Errorf("%w: AssemblyRef %v out of range", ErrMalformed, scope)
		}
		asm, err := md.strings.get(ref[6])
		if err != nil {
			return 0, err
		}
		if asm == im.dst.Name {
			full, err := im.src.typeRefName(rid)
			if err != nil {
				return 0, err
			}
			t, err := im.dst.Type(full)
			if err != nil {
				return 0, err
			}
			return t.Token(), nil
		}
		key, err := md.blobs.get(ref[5])
		if err != nil {
			return 0, err
		}
		if ref[4]&assemblyRefPublicKey != 0 {
			key = publicKeyToken(key)
		}
		culture, err := md.strings.get(ref[7])
		if err != nil {
			return 0, err
		}
		version := [4]uint16{uint16(ref[0]), uint16(ref[1]), uint16(ref[2]), uint16(ref[3])}
		return im.typeRef(im.assemblyRef(asm, version, key, culture), ns, name), nil
	case TableTypeRef:
		outer, err := im.foreignTypeRef(scope.RID())
		if err != nil {
			return 0, err
		}
		if outer.Table() == TableTypeDef {
			full, err := im.src.typeRefName(rid)
			if err != nil {
				return 0, err
			}
			t, err := im.dst.Type(full)
			if err != nil {
				return 0, err
			}
			return t.Token(), nil
		}
		return im.typeRef(outer, ns, name), nil
	case TableModule:
		full := name
		if ns != "" {
			full = ns + "." + name
		}
		t, err := im.src.Type(full)
		if err != nil {
			return 0, err
		}
		return im.typeDef(t)
	}
	return 0, fmt.Errorf("%w: TypeRef scope %v", ErrUnsupported, scope)
}

const assemblyRefPublicKey = 0x0001

// assemblyRef finds or adds an AssemblyRef of dst by name.
func (im *importer) assemblyRef(name string, version [4]uint16, keyToken []byte, culture string) Token {
	md := im.dst.md
	for i, row := range md.tables[TableAssemblyRef] {
		if s, err := md.strings.get(row[6]); err == nil && s == name {
			return NewToken(TableAssemblyRef, uint32(i+1))
		}
	}
	rid := md.appendRow(TableAssemblyRef, []uint32{
		uint32(version[0]), uint32(version[1]), uint32(version[2]), uint32(version[3]),
		0,
		md.blobs.add(keyToken),
		md.strings.add(name),
		md.strings.add(culture),
		0,
	})
	im.dst.modified = true
	return NewToken(TableAssemblyRef, rid)
}

// typeRef finds or adds a TypeRef of dst.
func (im *importer) typeRef(scope Token, ns, name string) Token {
	md := im.dst.md
	for i, row := range md.tables[TableTypeRef] {
		if Token(row[0]) != scope {
			continue
		}
		n, err := md.strings.get(row[1])
		if err != nil || n != name {
			continue
		}
		if s, err := md.strings.get(row[2]); err == nil && s == ns {
			return NewToken(TableTypeRef, uint32(i+1))
		}
	}
	rid := md.appendRow(TableTypeRef, []uint32{uint32(scope), md.strings.add(name), md.strings.add(ns)})
	im.dst.modified = true
	return NewToken(TableTypeRef, rid)
}

// typeSpec finds or adds a TypeSpec of dst.
func (im *importer) typeSpec(spec []byte) Token {
	md := im.dst.md
	for i, row := range md.tables[TableTypeSpec] {
		if b, err := md.blobs.get(row[0]); err == nil && bytes.Equal(b, spec) {
			return NewToken(TableTypeSpec, uint32(i+1))
		}
	}
	rid := md.appendRow(TableTypeSpec, []uint32{md.blobs.add(spec)})
	im.dst.modified = true
	return NewToken(TableTypeSpec, rid)
}

// publicKeyToken is the last eight bytes of the key's SHA-1, reversed.
func publicKeyToken(key []byte) []byte {
	if len(key) == 0 {
		return nil
	}
	sum := sha1.Sum(key)
	token := slices.Clone(sum[len(sum)-8:])
	slices.Reverse(token)
	return token
}
