package classfile

import (
	"bytes"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Constant pool tags
// ---------------------------------------------------------------------------

// ConstantTag identifies the kind of a constant pool entry.
type ConstantTag byte

const (
	TagUtf8               ConstantTag = 1
	TagInteger            ConstantTag = 3
	TagFloat              ConstantTag = 4
	TagLong               ConstantTag = 5
	TagDouble             ConstantTag = 6
	TagClass              ConstantTag = 7
	TagString             ConstantTag = 8
	TagFieldref           ConstantTag = 9
	TagMethodref          ConstantTag = 10
	TagInterfaceMethodref ConstantTag = 11
	TagNameAndType        ConstantTag = 12
	TagMethodHandle       ConstantTag = 15
	TagMethodType         ConstantTag = 16
	TagDynamic            ConstantTag = 17
	TagInvokeDynamic      ConstantTag = 18
	TagModule             ConstantTag = 19
	TagPackage            ConstantTag = 20
)

// String returns the tag name used in diagnostics.
func (t ConstantTag) String() string {
	switch t {
	case TagUtf8:
		return "Utf8"
	case TagInteger:
		return "Integer"
	case TagFloat:
		return "Float"
	case TagLong:
		return "Long"
	case TagDouble:
		return "Double"
	case TagClass:
		return "Class"
	case TagString:
		return "String"
	case TagFieldref:
		return "Fieldref"
	case TagMethodref:
		return "Methodref"
	case TagInterfaceMethodref:
		return "InterfaceMethodref"
	case TagNameAndType:
		return "NameAndType"
	case TagMethodHandle:
		return "MethodHandle"
	case TagMethodType:
		return "MethodType"
	case TagDynamic:
		return "Dynamic"
	case TagInvokeDynamic:
		return "InvokeDynamic"
	case TagModule:
		return "Module"
	case TagPackage:
		return "Package"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

// isWide reports whether entries of this tag occupy two pool slots.
func (t ConstantTag) isWide() bool {
	return t == TagLong || t == TagDouble
}

// ---------------------------------------------------------------------------
// Constant entry variants
// ---------------------------------------------------------------------------

// Constant is one constant pool entry.
type Constant interface {
	Tag() ConstantTag
}

// Utf8Const holds a modified UTF-8 string. Raw preserves the original
// encoding so an untouched pool re-encodes byte-identically.
type Utf8Const struct {
	Raw []byte
	str string
}

// NewUtf8 builds a Utf8Const from a Go string.
func NewUtf8(s string) *Utf8Const {
	return &Utf8Const{Raw: encodeMUTF8(s), str: s}
}

func (c *Utf8Const) Tag() ConstantTag { return TagUtf8 }

// Value returns the decoded string.
func (c *Utf8Const) Value() string { return c.str }

// IntegerConst holds a 32-bit integer constant.
type IntegerConst struct{ Value int32 }

func (c *IntegerConst) Tag() ConstantTag { return TagInteger }

// FloatConst holds a float constant as raw bits so NaN payloads round-trip.
type FloatConst struct{ Bits uint32 }

func (c *FloatConst) Tag() ConstantTag { return TagFloat }

// LongConst holds a 64-bit integer constant. Occupies two pool slots.
type LongConst struct{ Value int64 }

func (c *LongConst) Tag() ConstantTag { return TagLong }

// DoubleConst holds a double constant as raw bits. Occupies two pool slots.
type DoubleConst struct{ Bits uint64 }

func (c *DoubleConst) Tag() ConstantTag { return TagDouble }

// ClassConst references a Utf8 entry holding a binary class name.
type ClassConst struct{ NameIndex uint16 }

func (c *ClassConst) Tag() ConstantTag { return TagClass }

// StringConst references a Utf8 entry holding string literal content.
type StringConst struct{ ValueIndex uint16 }

func (c *StringConst) Tag() ConstantTag { return TagString }

// MemberRefConst is a field, method or interface-method reference.
type MemberRefConst struct {
	Kind             ConstantTag // TagFieldref, TagMethodref or TagInterfaceMethodref
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

func (c *MemberRefConst) Tag() ConstantTag { return c.Kind }

// NameAndTypeConst pairs a member name with its descriptor.
type NameAndTypeConst struct {
	NameIndex       uint16
	DescriptorIndex uint16
}

func (c *NameAndTypeConst) Tag() ConstantTag { return TagNameAndType }

// MethodHandleConst references a member through an invocation kind.
type MethodHandleConst struct {
	RefKind  byte
	RefIndex uint16
}

func (c *MethodHandleConst) Tag() ConstantTag { return TagMethodHandle }

// MethodTypeConst references a Utf8 method descriptor.
type MethodTypeConst struct{ DescriptorIndex uint16 }

func (c *MethodTypeConst) Tag() ConstantTag { return TagMethodType }

// DynamicConst is a dynamically computed constant or call site.
type DynamicConst struct {
	Kind                     ConstantTag // TagDynamic or TagInvokeDynamic
	BootstrapMethodAttrIndex uint16
	NameAndTypeIndex         uint16
}

func (c *DynamicConst) Tag() ConstantTag { return c.Kind }

// ModuleConst references a Utf8 module name.
type ModuleConst struct{ NameIndex uint16 }

func (c *ModuleConst) Tag() ConstantTag { return TagModule }

// PackageConst references a Utf8 package name.
type PackageConst struct{ NameIndex uint16 }

func (c *PackageConst) Tag() ConstantTag { return TagPackage }

// ---------------------------------------------------------------------------
// ConstantPool: 1-indexed, append-only
// ---------------------------------------------------------------------------

// Pool index errors. Decode wraps these in ErrMalformedClassFile; after decode
// they indicate a programming error in a transform.
var (
	ErrInvalidPoolIndex  = errors.New("invalid constant pool index")
	ErrWrongConstantKind = errors.New("constant pool entry has wrong kind")

	// ErrPoolOverflow is returned when an append would push the pool past the
	// format's maximum index (0xFFFF).
	ErrPoolOverflow = errors.New("constant pool overflow")
)

// ConstantPool is the class file's table of constants. Entries are 1-indexed;
// slot 0 is reserved and the slot following a Long or Double entry is unusable.
// Existing entries are never renumbered: growth is append-only.
type ConstantPool struct {
	// entries[0] is always nil. A nil at any later slot is the shadow of a
	// preceding wide entry.
	entries []Constant
}

// NewConstantPool returns an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: []Constant{nil}}
}

// Count returns the encoded constant_pool_count (slot count, including the
// reserved slot 0).
func (cp *ConstantPool) Count() int {
	return len(cp.entries)
}

// At returns the entry at a 1-based index, validating bounds and that the
// index does not land on slot 0 or the shadow slot of a wide entry.
func (cp *ConstantPool) At(index uint16) (Constant, error) {
	if int(index) >= len(cp.entries) || index == 0 {
		return nil, fmt.Errorf("%w: %d (pool size %d)", ErrInvalidPoolIndex, index, len(cp.entries))
	}
	c := cp.entries[index]
	if c == nil {
		return nil, fmt.Errorf("%w: %d is the reserved slot of a wide constant", ErrInvalidPoolIndex, index)
	}
	return c, nil
}

// Utf8At returns the decoded string at a Utf8 entry.
func (cp *ConstantPool) Utf8At(index uint16) (string, error) {
	c, err := cp.At(index)
	if err != nil {
		return "", err
	}
	u, ok := c.(*Utf8Const)
	if !ok {
		return "", fmt.Errorf("%w: index %d is %s, want Utf8", ErrWrongConstantKind, index, c.Tag())
	}
	return u.Value(), nil
}

// ClassNameAt resolves a Class entry to its binary name.
func (cp *ConstantPool) ClassNameAt(index uint16) (string, error) {
	c, err := cp.At(index)
	if err != nil {
		return "", err
	}
	cc, ok := c.(*ClassConst)
	if !ok {
		return "", fmt.Errorf("%w: index %d is %s, want Class", ErrWrongConstantKind, index, c.Tag())
	}
	return cp.Utf8At(cc.NameIndex)
}

// NameAndTypeAt resolves a NameAndType entry to its name and descriptor.
func (cp *ConstantPool) NameAndTypeAt(index uint16) (name, descriptor string, err error) {
	c, err := cp.At(index)
	if err != nil {
		return "", "", err
	}
	nt, ok := c.(*NameAndTypeConst)
	if !ok {
		return "", "", fmt.Errorf("%w: index %d is %s, want NameAndType", ErrWrongConstantKind, index, c.Tag())
	}
	if name, err = cp.Utf8At(nt.NameIndex); err != nil {
		return "", "", err
	}
	if descriptor, err = cp.Utf8At(nt.DescriptorIndex); err != nil {
		return "", "", err
	}
	return name, descriptor, nil
}

// MemberRefAt resolves a field/method/interface-method reference to its
// owning class name, member name and descriptor.
func (cp *ConstantPool) MemberRefAt(index uint16) (class, name, descriptor string, err error) {
	c, err := cp.At(index)
	if err != nil {
		return "", "", "", err
	}
	ref, ok := c.(*MemberRefConst)
	if !ok {
		return "", "", "", fmt.Errorf("%w: index %d is %s, want member reference", ErrWrongConstantKind, index, c.Tag())
	}
	if class, err = cp.ClassNameAt(ref.ClassIndex); err != nil {
		return "", "", "", err
	}
	if name, descriptor, err = cp.NameAndTypeAt(ref.NameAndTypeIndex); err != nil {
		return "", "", "", err
	}
	return class, name, descriptor, nil
}

// IntegerAt returns the value of an Integer entry.
func (cp *ConstantPool) IntegerAt(index uint16) (int32, error) {
	c, err := cp.At(index)
	if err != nil {
		return 0, err
	}
	ic, ok := c.(*IntegerConst)
	if !ok {
		return 0, fmt.Errorf("%w: index %d is %s, want Integer", ErrWrongConstantKind, index, c.Tag())
	}
	return ic.Value, nil
}

// append adds an entry, reserving the shadow slot for wide constants.
func (cp *ConstantPool) append(c Constant) (uint16, error) {
	slots := 1
	if c.Tag().isWide() {
		slots = 2
	}
	if len(cp.entries)+slots > 0xFFFF+1 {
		return 0, fmt.Errorf("%w: %d entries", ErrPoolOverflow, len(cp.entries))
	}
	index := uint16(len(cp.entries))
	cp.entries = append(cp.entries, c)
	if slots == 2 {
		cp.entries = append(cp.entries, nil)
	}
	return index, nil
}

// AddUtf8 returns the index of a Utf8 entry with the given content, appending
// one if it is not already present.
func (cp *ConstantPool) AddUtf8(s string) (uint16, error) {
	encoded := encodeMUTF8(s)
	for i, c := range cp.entries {
		if u, ok := c.(*Utf8Const); ok && bytes.Equal(u.Raw, encoded) {
			return uint16(i), nil
		}
	}
	return cp.append(&Utf8Const{Raw: encoded, str: s})
}

// AddInteger returns the index of an Integer entry with the given value,
// appending one if needed.
func (cp *ConstantPool) AddInteger(v int32) (uint16, error) {
	for i, c := range cp.entries {
		if ic, ok := c.(*IntegerConst); ok && ic.Value == v {
			return uint16(i), nil
		}
	}
	return cp.append(&IntegerConst{Value: v})
}

// AddClass returns the index of a Class entry for the given binary name,
// appending the Class and its Utf8 name if needed.
func (cp *ConstantPool) AddClass(name string) (uint16, error) {
	nameIdx, err := cp.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	for i, c := range cp.entries {
		if cc, ok := c.(*ClassConst); ok && cc.NameIndex == nameIdx {
			return uint16(i), nil
		}
	}
	return cp.append(&ClassConst{NameIndex: nameIdx})
}

// AddNameAndType returns the index of a NameAndType entry, appending it and
// its Utf8 components if needed.
func (cp *ConstantPool) AddNameAndType(name, descriptor string) (uint16, error) {
	nameIdx, err := cp.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	descIdx, err := cp.AddUtf8(descriptor)
	if err != nil {
		return 0, err
	}
	for i, c := range cp.entries {
		if nt, ok := c.(*NameAndTypeConst); ok && nt.NameIndex == nameIdx && nt.DescriptorIndex == descIdx {
			return uint16(i), nil
		}
	}
	return cp.append(&NameAndTypeConst{NameIndex: nameIdx, DescriptorIndex: descIdx})
}

// AddMethodref returns the index of a Methodref entry, appending it and its
// components if needed.
func (cp *ConstantPool) AddMethodref(class, name, descriptor string) (uint16, error) {
	classIdx, err := cp.AddClass(class)
	if err != nil {
		return 0, err
	}
	ntIdx, err := cp.AddNameAndType(name, descriptor)
	if err != nil {
		return 0, err
	}
	for i, c := range cp.entries {
		if ref, ok := c.(*MemberRefConst); ok && ref.Kind == TagMethodref &&
			ref.ClassIndex == classIdx && ref.NameAndTypeIndex == ntIdx {
			return uint16(i), nil
		}
	}
	return cp.append(&MemberRefConst{Kind: TagMethodref, ClassIndex: classIdx, NameAndTypeIndex: ntIdx})
}

// validate checks that every reference entry points at an in-bounds entry of
// the expected kind.
func (cp *ConstantPool) validate() error {
	expect := func(index uint16, tag ConstantTag) error {
		c, err := cp.At(index)
		if err != nil {
			return err
		}
		if c.Tag() != tag {
			return fmt.Errorf("%w: index %d is %s, want %s", ErrWrongConstantKind, index, c.Tag(), tag)
		}
		return nil
	}

	for i, c := range cp.entries {
		if c == nil {
			continue
		}
		var err error
		switch e := c.(type) {
		case *ClassConst:
			err = expect(e.NameIndex, TagUtf8)
		case *StringConst:
			err = expect(e.ValueIndex, TagUtf8)
		case *MemberRefConst:
			if err = expect(e.ClassIndex, TagClass); err == nil {
				err = expect(e.NameAndTypeIndex, TagNameAndType)
			}
		case *NameAndTypeConst:
			if err = expect(e.NameIndex, TagUtf8); err == nil {
				err = expect(e.DescriptorIndex, TagUtf8)
			}
		case *MethodHandleConst:
			// The referenced kind depends on RefKind; any member ref is valid.
			var target Constant
			if target, err = cp.At(e.RefIndex); err == nil {
				switch target.Tag() {
				case TagFieldref, TagMethodref, TagInterfaceMethodref:
				default:
					err = fmt.Errorf("%w: MethodHandle target %d is %s", ErrWrongConstantKind, e.RefIndex, target.Tag())
				}
			}
		case *MethodTypeConst:
			err = expect(e.DescriptorIndex, TagUtf8)
		case *DynamicConst:
			err = expect(e.NameAndTypeIndex, TagNameAndType)
		case *ModuleConst:
			err = expect(e.NameIndex, TagUtf8)
		case *PackageConst:
			err = expect(e.NameIndex, TagUtf8)
		}
		if err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
	}
	return nil
}
