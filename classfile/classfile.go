// Package classfile decodes and re-encodes the binary class-file format used
// by managed-runtime class loaders. The in-memory model preserves everything
// it does not interpret as opaque bytes, so decode→encode of an untouched
// class reproduces the input byte for byte.
package classfile

// ---------------------------------------------------------------------------
// Access flags
// ---------------------------------------------------------------------------

const (
	AccPublic       uint16 = 0x0001
	AccPrivate      uint16 = 0x0002
	AccProtected    uint16 = 0x0004
	AccStatic       uint16 = 0x0008
	AccFinal        uint16 = 0x0010
	AccSynchronized uint16 = 0x0020
	AccNative       uint16 = 0x0100
	AccAbstract     uint16 = 0x0400
)

// ---------------------------------------------------------------------------
// Attributes: tagged Known/Opaque variants
// ---------------------------------------------------------------------------

// Attribute is one attribute record. Interpreted kinds (Code, ConstantValue)
// get their own types; everything else round-trips as an opaque blob.
type Attribute interface {
	// AttrNameIndex is the Utf8 pool index of the attribute's name.
	AttrNameIndex() uint16
}

// OpaqueAttribute preserves an uninterpreted attribute byte for byte.
type OpaqueAttribute struct {
	NameIndex uint16
	Data      []byte
}

func (a *OpaqueAttribute) AttrNameIndex() uint16 { return a.NameIndex }

// ConstantValueAttribute is a field's constant value reference.
type ConstantValueAttribute struct {
	NameIndex  uint16
	ValueIndex uint16
}

func (a *ConstantValueAttribute) AttrNameIndex() uint16 { return a.NameIndex }

// ExceptionEntry is one exception-table row: code range, handler, caught type.
// CatchType 0 means "any".
type ExceptionEntry struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// CodeAttribute is a method body: stack/local limits, instruction bytes,
// exception table, and nested attributes kept opaque.
type CodeAttribute struct {
	NameIndex      uint16
	MaxStack       uint16
	MaxLocals      uint16
	Code           []byte
	ExceptionTable []ExceptionEntry
	Nested         []Attribute
}

func (a *CodeAttribute) AttrNameIndex() uint16 { return a.NameIndex }

// ---------------------------------------------------------------------------
// Fields and methods
// ---------------------------------------------------------------------------

// Field is one field record.
type Field struct {
	AccessFlags     uint16
	NameIndex       uint16
	DescriptorIndex uint16
	Attributes      []Attribute
}

// ConstantValueIndex returns the pool index of the field's constant value, if
// it has one.
func (f *Field) ConstantValueIndex() (uint16, bool) {
	for _, a := range f.Attributes {
		if cv, ok := a.(*ConstantValueAttribute); ok {
			return cv.ValueIndex, true
		}
	}
	return 0, false
}

// Method is one method record.
type Method struct {
	AccessFlags     uint16
	NameIndex       uint16
	DescriptorIndex uint16
	Attributes      []Attribute
}

// Code returns the method's Code attribute, or nil for abstract and native
// methods.
func (m *Method) Code() *CodeAttribute {
	for _, a := range m.Attributes {
		if c, ok := a.(*CodeAttribute); ok {
			return c
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// ClassFile: the decoded model
// ---------------------------------------------------------------------------

// ClassFile is the in-memory model of one class file. Instances are created
// per decode call and exclusively owned by the caller until re-encoded or
// discarded.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	Pool         *ConstantPool
	AccessFlags  uint16
	ThisClass    uint16
	SuperClass   uint16 // 0 only for the root class
	Interfaces   []uint16
	Fields       []Field
	Methods      []Method
	Attributes   []Attribute
}

// ClassName returns the fully qualified binary name of this class.
func (cf *ClassFile) ClassName() (string, error) {
	return cf.Pool.ClassNameAt(cf.ThisClass)
}

// SuperClassName returns the superclass name and whether one exists. Only the
// root class has none.
func (cf *ClassFile) SuperClassName() (string, bool, error) {
	if cf.SuperClass == 0 {
		return "", false, nil
	}
	name, err := cf.Pool.ClassNameAt(cf.SuperClass)
	return name, err == nil, err
}

// InterfaceNames returns the names of implemented interfaces in declaration
// order.
func (cf *ClassFile) InterfaceNames() ([]string, error) {
	names := make([]string, 0, len(cf.Interfaces))
	for _, idx := range cf.Interfaces {
		name, err := cf.Pool.ClassNameAt(idx)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// MethodName returns a method's name and descriptor.
func (cf *ClassFile) MethodName(m *Method) (name, descriptor string, err error) {
	if name, err = cf.Pool.Utf8At(m.NameIndex); err != nil {
		return "", "", err
	}
	if descriptor, err = cf.Pool.Utf8At(m.DescriptorIndex); err != nil {
		return "", "", err
	}
	return name, descriptor, nil
}

// FindMethod returns the method with the given name and descriptor, or nil.
func (cf *ClassFile) FindMethod(name, descriptor string) *Method {
	for i := range cf.Methods {
		n, d, err := cf.MethodName(&cf.Methods[i])
		if err == nil && n == name && d == descriptor {
			return &cf.Methods[i]
		}
	}
	return nil
}

// AttributeName resolves an attribute's name through the pool.
func (cf *ClassFile) AttributeName(a Attribute) (string, error) {
	return cf.Pool.Utf8At(a.AttrNameIndex())
}
