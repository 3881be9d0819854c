package classfile

import (
	"bytes"
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Encode: model back to class bytes
// ---------------------------------------------------------------------------

// Encode serializes the model back into class-file bytes. It cannot fail for
// a model produced by Decode or by the instrumentation engine: those models
// are kept encodable by construction (pool growth only, no renumbering).
func (cf *ClassFile) Encode() []byte {
	w := &encoder{}

	w.u4(classMagic)
	w.u2(cf.MinorVersion)
	w.u2(cf.MajorVersion)

	w.u2(uint16(cf.Pool.Count()))
	for _, c := range cf.Pool.entries {
		if c == nil {
			continue // slot 0 and wide shadow slots have no encoding
		}
		w.constant(c)
	}

	w.u2(cf.AccessFlags)
	w.u2(cf.ThisClass)
	w.u2(cf.SuperClass)

	w.u2(uint16(len(cf.Interfaces)))
	for _, idx := range cf.Interfaces {
		w.u2(idx)
	}

	w.u2(uint16(len(cf.Fields)))
	for i := range cf.Fields {
		f := &cf.Fields[i]
		w.u2(f.AccessFlags)
		w.u2(f.NameIndex)
		w.u2(f.DescriptorIndex)
		w.attributes(f.Attributes)
	}

	w.u2(uint16(len(cf.Methods)))
	for i := range cf.Methods {
		m := &cf.Methods[i]
		w.u2(m.AccessFlags)
		w.u2(m.NameIndex)
		w.u2(m.DescriptorIndex)
		w.attributes(m.Attributes)
	}

	w.attributes(cf.Attributes)

	return w.buf.Bytes()
}

// ---------------------------------------------------------------------------
// encoder
// ---------------------------------------------------------------------------

type encoder struct {
	buf bytes.Buffer
}

func (w *encoder) u1(v byte) {
	w.buf.WriteByte(v)
}

func (w *encoder) u2(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *encoder) u4(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *encoder) constant(c Constant) {
	w.u1(byte(c.Tag()))
	switch e := c.(type) {
	case *Utf8Const:
		w.u2(uint16(len(e.Raw)))
		w.buf.Write(e.Raw)
	case *IntegerConst:
		w.u4(uint32(e.Value))
	case *FloatConst:
		w.u4(e.Bits)
	case *LongConst:
		w.u4(uint32(uint64(e.Value) >> 32))
		w.u4(uint32(uint64(e.Value)))
	case *DoubleConst:
		w.u4(uint32(e.Bits >> 32))
		w.u4(uint32(e.Bits))
	case *ClassConst:
		w.u2(e.NameIndex)
	case *StringConst:
		w.u2(e.ValueIndex)
	case *MemberRefConst:
		w.u2(e.ClassIndex)
		w.u2(e.NameAndTypeIndex)
	case *NameAndTypeConst:
		w.u2(e.NameIndex)
		w.u2(e.DescriptorIndex)
	case *MethodHandleConst:
		w.u1(e.RefKind)
		w.u2(e.RefIndex)
	case *MethodTypeConst:
		w.u2(e.DescriptorIndex)
	case *DynamicConst:
		w.u2(e.BootstrapMethodAttrIndex)
		w.u2(e.NameAndTypeIndex)
	case *ModuleConst:
		w.u2(e.NameIndex)
	case *PackageConst:
		w.u2(e.NameIndex)
	}
}

func (w *encoder) attributes(attrs []Attribute) {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		w.attribute(a)
	}
}

func (w *encoder) attribute(a Attribute) {
	switch e := a.(type) {
	case *OpaqueAttribute:
		w.u2(e.NameIndex)
		w.u4(uint32(len(e.Data)))
		w.buf.Write(e.Data)

	case *ConstantValueAttribute:
		w.u2(e.NameIndex)
		w.u4(2)
		w.u2(e.ValueIndex)

	case *CodeAttribute:
		body := encodeCodeBody(e)
		w.u2(e.NameIndex)
		w.u4(uint32(len(body)))
		w.buf.Write(body)
	}
}

func encodeCodeBody(c *CodeAttribute) []byte {
	w := &encoder{}
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(len(c.Code)))
	w.buf.Write(c.Code)
	w.u2(uint16(len(c.ExceptionTable)))
	for _, e := range c.ExceptionTable {
		w.u2(e.StartPC)
		w.u2(e.EndPC)
		w.u2(e.HandlerPC)
		w.u2(e.CatchType)
	}
	w.attributes(c.Nested)
	return w.buf.Bytes()
}
