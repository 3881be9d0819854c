package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Decode errors
// ---------------------------------------------------------------------------

// ErrMalformedClassFile is the umbrella error for any structurally
// inconsistent input: bad magic, truncation, counts exceeding the remaining
// byte length, invalid pool references or malformed string encodings.
// Decode never returns a partial model.
var ErrMalformedClassFile = errors.New("malformed class file")

const classMagic uint32 = 0xCAFEBABE

// attribute name strings the decoder interprets; everything else is opaque.
const (
	attrCode          = "Code"
	attrConstantValue = "ConstantValue"
)

// ---------------------------------------------------------------------------
// decoder: offset cursor over the raw bytes
// ---------------------------------------------------------------------------

type decoder struct {
	data   []byte
	offset int
}

func (d *decoder) remaining() int {
	return len(d.data) - d.offset
}

func (d *decoder) u1() (byte, error) {
	if d.remaining() < 1 {
		return 0, d.truncated("u1")
	}
	v := d.data[d.offset]
	d.offset++
	return v, nil
}

func (d *decoder) u2() (uint16, error) {
	if d.remaining() < 2 {
		return 0, d.truncated("u2")
	}
	v := binary.BigEndian.Uint16(d.data[d.offset:])
	d.offset += 2
	return v, nil
}

func (d *decoder) u4() (uint32, error) {
	if d.remaining() < 4 {
		return 0, d.truncated("u4")
	}
	v := binary.BigEndian.Uint32(d.data[d.offset:])
	d.offset += 4
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, d.truncated(fmt.Sprintf("%d bytes", n))
	}
	b := d.data[d.offset : d.offset+n]
	d.offset += n
	return b, nil
}

func (d *decoder) truncated(what string) error {
	return fmt.Errorf("%w: unexpected end of data reading %s at offset %d", ErrMalformedClassFile, what, d.offset)
}

// ---------------------------------------------------------------------------
// Decode
// ---------------------------------------------------------------------------

// Decode parses raw class bytes into a ClassFile model. It fails with an
// error wrapping ErrMalformedClassFile when the input is not a structurally
// valid class file.
func Decode(data []byte) (*ClassFile, error) {
	d := &decoder{data: data}

	magic, err := d.u4()
	if err != nil {
		return nil, err
	}
	if magic != classMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08X", ErrMalformedClassFile, magic)
	}

	cf := &ClassFile{}
	if cf.MinorVersion, err = d.u2(); err != nil {
		return nil, err
	}
	if cf.MajorVersion, err = d.u2(); err != nil {
		return nil, err
	}

	if cf.Pool, err = d.readConstantPool(); err != nil {
		return nil, err
	}

	if cf.AccessFlags, err = d.u2(); err != nil {
		return nil, err
	}
	if cf.ThisClass, err = d.u2(); err != nil {
		return nil, err
	}
	if cf.SuperClass, err = d.u2(); err != nil {
		return nil, err
	}

	ifaceCount, err := d.u2()
	if err != nil {
		return nil, err
	}
	cf.Interfaces = make([]uint16, ifaceCount)
	for i := range cf.Interfaces {
		if cf.Interfaces[i], err = d.u2(); err != nil {
			return nil, err
		}
	}

	fieldCount, err := d.u2()
	if err != nil {
		return nil, err
	}
	cf.Fields = make([]Field, fieldCount)
	for i := range cf.Fields {
		if err = d.readMember(cf.Pool, &cf.Fields[i].AccessFlags, &cf.Fields[i].NameIndex,
			&cf.Fields[i].DescriptorIndex, &cf.Fields[i].Attributes, true); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
	}

	methodCount, err := d.u2()
	if err != nil {
		return nil, err
	}
	cf.Methods = make([]Method, methodCount)
	for i := range cf.Methods {
		if err = d.readMember(cf.Pool, &cf.Methods[i].AccessFlags, &cf.Methods[i].NameIndex,
			&cf.Methods[i].DescriptorIndex, &cf.Methods[i].Attributes, false); err != nil {
			return nil, fmt.Errorf("method %d: %w", i, err)
		}
	}

	if cf.Attributes, err = d.readAttributes(cf.Pool, attrContextClass); err != nil {
		return nil, err
	}

	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after class structure", ErrMalformedClassFile, d.remaining())
	}

	if err := cf.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedClassFile, err)
	}
	return cf, nil
}

// validate checks the cross-reference integrity Decode promises: pool
// references of the expected kind, in bounds.
func (cf *ClassFile) validate() error {
	if err := cf.Pool.validate(); err != nil {
		return err
	}
	if _, err := cf.Pool.ClassNameAt(cf.ThisClass); err != nil {
		return fmt.Errorf("this_class: %w", err)
	}
	if cf.SuperClass != 0 {
		if _, err := cf.Pool.ClassNameAt(cf.SuperClass); err != nil {
			return fmt.Errorf("super_class: %w", err)
		}
	}
	for _, idx := range cf.Interfaces {
		if _, err := cf.Pool.ClassNameAt(idx); err != nil {
			return fmt.Errorf("interface: %w", err)
		}
	}
	for i := range cf.Fields {
		if _, err := cf.Pool.Utf8At(cf.Fields[i].NameIndex); err != nil {
			return fmt.Errorf("field %d name: %w", i, err)
		}
		if _, err := cf.Pool.Utf8At(cf.Fields[i].DescriptorIndex); err != nil {
			return fmt.Errorf("field %d descriptor: %w", i, err)
		}
	}
	for i := range cf.Methods {
		if _, err := cf.Pool.Utf8At(cf.Methods[i].NameIndex); err != nil {
			return fmt.Errorf("method %d name: %w", i, err)
		}
		if _, err := cf.Pool.Utf8At(cf.Methods[i].DescriptorIndex); err != nil {
			return fmt.Errorf("method %d descriptor: %w", i, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Constant pool reading
// ---------------------------------------------------------------------------

func (d *decoder) readConstantPool() (*ConstantPool, error) {
	count, err := d.u2()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: constant pool count is zero", ErrMalformedClassFile)
	}

	cp := NewConstantPool()
	for i := uint16(1); i < count; i++ {
		tagByte, err := d.u1()
		if err != nil {
			return nil, err
		}
		c, err := d.readConstant(ConstantTag(tagByte))
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		cp.entries = append(cp.entries, c)
		if c.Tag().isWide() {
			// Reserved shadow slot; referencing it is invalid.
			cp.entries = append(cp.entries, nil)
			i++
			if i >= count {
				return nil, fmt.Errorf("%w: wide constant %d overruns pool count", ErrMalformedClassFile, i-1)
			}
		}
	}
	return cp, nil
}

func (d *decoder) readConstant(tag ConstantTag) (Constant, error) {
	switch tag {
	case TagUtf8:
		length, err := d.u2()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(int(length))
		if err != nil {
			return nil, err
		}
		s, err := decodeMUTF8(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedClassFile, err)
		}
		// Copy raw: the model must not alias the caller's input buffer.
		rawCopy := make([]byte, len(raw))
		copy(rawCopy, raw)
		return &Utf8Const{Raw: rawCopy, str: s}, nil

	case TagInteger:
		v, err := d.u4()
		if err != nil {
			return nil, err
		}
		return &IntegerConst{Value: int32(v)}, nil

	case TagFloat:
		v, err := d.u4()
		if err != nil {
			return nil, err
		}
		return &FloatConst{Bits: v}, nil

	case TagLong:
		hi, err := d.u4()
		if err != nil {
			return nil, err
		}
		lo, err := d.u4()
		if err != nil {
			return nil, err
		}
		return &LongConst{Value: int64(uint64(hi)<<32 | uint64(lo))}, nil

	case TagDouble:
		hi, err := d.u4()
		if err != nil {
			return nil, err
		}
		lo, err := d.u4()
		if err != nil {
			return nil, err
		}
		return &DoubleConst{Bits: uint64(hi)<<32 | uint64(lo)}, nil

	case TagClass:
		idx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &ClassConst{NameIndex: idx}, nil

	case TagString:
		idx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &StringConst{ValueIndex: idx}, nil

	case TagFieldref, TagMethodref, TagInterfaceMethodref:
		classIdx, err := d.u2()
		if err != nil {
			return nil, err
		}
		ntIdx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &MemberRefConst{Kind: tag, ClassIndex: classIdx, NameAndTypeIndex: ntIdx}, nil

	case TagNameAndType:
		nameIdx, err := d.u2()
		if err != nil {
			return nil, err
		}
		descIdx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &NameAndTypeConst{NameIndex: nameIdx, DescriptorIndex: descIdx}, nil

	case TagMethodHandle:
		kind, err := d.u1()
		if err != nil {
			return nil, err
		}
		refIdx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &MethodHandleConst{RefKind: kind, RefIndex: refIdx}, nil

	case TagMethodType:
		idx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &MethodTypeConst{DescriptorIndex: idx}, nil

	case TagDynamic, TagInvokeDynamic:
		bsmIdx, err := d.u2()
		if err != nil {
			return nil, err
		}
		ntIdx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &DynamicConst{Kind: tag, BootstrapMethodAttrIndex: bsmIdx, NameAndTypeIndex: ntIdx}, nil

	case TagModule:
		idx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &ModuleConst{NameIndex: idx}, nil

	case TagPackage:
		idx, err := d.u2()
		if err != nil {
			return nil, err
		}
		return &PackageConst{NameIndex: idx}, nil

	default:
		return nil, fmt.Errorf("%w: unknown constant tag %d", ErrMalformedClassFile, byte(tag))
	}
}

// ---------------------------------------------------------------------------
// Members and attributes
// ---------------------------------------------------------------------------

type attrContext int

const (
	attrContextClass attrContext = iota
	attrContextField
	attrContextMethod
	attrContextCode
)

func (d *decoder) readMember(cp *ConstantPool, access, nameIdx, descIdx *uint16, attrs *[]Attribute, isField bool) error {
	var err error
	if *access, err = d.u2(); err != nil {
		return err
	}
	if *nameIdx, err = d.u2(); err != nil {
		return err
	}
	if *descIdx, err = d.u2(); err != nil {
		return err
	}
	ctx := attrContextMethod
	if isField {
		ctx = attrContextField
	}
	*attrs, err = d.readAttributes(cp, ctx)
	return err
}

func (d *decoder) readAttributes(cp *ConstantPool, ctx attrContext) ([]Attribute, error) {
	count, err := d.u2()
	if err != nil {
		return nil, err
	}
	attrs := make([]Attribute, 0, count)
	for i := uint16(0); i < count; i++ {
		a, err := d.readAttribute(cp, ctx)
		if err != nil {
			return nil, fmt.Errorf("attribute %d: %w", i, err)
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

func (d *decoder) readAttribute(cp *ConstantPool, ctx attrContext) (Attribute, error) {
	nameIdx, err := d.u2()
	if err != nil {
		return nil, err
	}
	length, err := d.u4()
	if err != nil {
		return nil, err
	}
	body, err := d.bytes(int(length))
	if err != nil {
		return nil, err
	}

	name, err := cp.Utf8At(nameIdx)
	if err != nil {
		return nil, fmt.Errorf("%w: attribute name: %v", ErrMalformedClassFile, err)
	}

	switch {
	case ctx == attrContextMethod && name == attrCode:
		return decodeCodeAttribute(nameIdx, body, cp)

	case ctx == attrContextField && name == attrConstantValue:
		if len(body) != 2 {
			return nil, fmt.Errorf("%w: ConstantValue length %d, want 2", ErrMalformedClassFile, len(body))
		}
		return &ConstantValueAttribute{
			NameIndex:  nameIdx,
			ValueIndex: binary.BigEndian.Uint16(body),
		}, nil

	default:
		dataCopy := make([]byte, len(body))
		copy(dataCopy, body)
		return &OpaqueAttribute{NameIndex: nameIdx, Data: dataCopy}, nil
	}
}

// decodeCodeAttribute parses a Code attribute body. Nested attributes stay
// opaque so debug tables round-trip losslessly.
func decodeCodeAttribute(nameIdx uint16, body []byte, cp *ConstantPool) (*CodeAttribute, error) {
	cd := &decoder{data: body}

	code := &CodeAttribute{NameIndex: nameIdx}
	var err error
	if code.MaxStack, err = cd.u2(); err != nil {
		return nil, err
	}
	if code.MaxLocals, err = cd.u2(); err != nil {
		return nil, err
	}

	codeLen, err := cd.u4()
	if err != nil {
		return nil, err
	}
	raw, err := cd.bytes(int(codeLen))
	if err != nil {
		return nil, err
	}
	code.Code = make([]byte, len(raw))
	copy(code.Code, raw)

	excCount, err := cd.u2()
	if err != nil {
		return nil, err
	}
	code.ExceptionTable = make([]ExceptionEntry, excCount)
	for i := range code.ExceptionTable {
		e := &code.ExceptionTable[i]
		if e.StartPC, err = cd.u2(); err != nil {
			return nil, err
		}
		if e.EndPC, err = cd.u2(); err != nil {
			return nil, err
		}
		if e.HandlerPC, err = cd.u2(); err != nil {
			return nil, err
		}
		if e.CatchType, err = cd.u2(); err != nil {
			return nil, err
		}
	}

	if code.Nested, err = cd.readAttributes(cp, attrContextCode); err != nil {
		return nil, err
	}
	if cd.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in Code attribute", ErrMalformedClassFile, cd.remaining())
	}
	return code, nil
}
