package isa

import (
	"fmt"
	"strings"
)

// RegKind classifies registers into the coarse categories that matter for
// aliasing and operand policies.
type RegKind int

const (
	RegKindGPR RegKind = iota
	RegKindVec
	RegKindFlag
)

// Register describes a single architectural register. Registers that overlap
// in hardware (e.g. rax/eax/ax/al) share an alias class.
type Register struct {
	Name       string
	Width      int
	AliasClass string
	Kind       RegKind
}

func (r *Register) String() string {
	return r.Name
}

// Operand is a concrete operand of an instruction instance. All
// implementations are comparable value types, so operands can be used as map
// keys and compared with ==.
type Operand interface {
	Width() int
	String() string
}

// RegOperand is a register operand.
type RegOperand struct {
	Reg *Register
}

func (o RegOperand) Width() int     { return o.Reg.Width }
func (o RegOperand) String() string { return o.Reg.Name }

// MemOperand is a memory operand of the form [base + displacement].
type MemOperand struct {
	W            int
	Base         *Register
	Displacement int64
}

func (o MemOperand) Width() int { return o.W }

func (o MemOperand) String() string {
	var sb strings.Builder
	if tag := widthTag(o.W); tag != "" {
		sb.WriteString(tag)
		sb.WriteString(" ptr ")
	}
	sb.WriteString("[")
	if o.Base != nil {
		sb.WriteString(o.Base.Name)
	}
	if o.Displacement > 0 {
		fmt.Fprintf(&sb, " + %d", o.Displacement)
	} else if o.Displacement < 0 {
		fmt.Fprintf(&sb, " - %d", -o.Displacement)
	}
	sb.WriteString("]")
	return sb.String()
}

// ImmOperand is an immediate operand.
type ImmOperand struct {
	W     int
	Value int64
}

func (o ImmOperand) Width() int     { return o.W }
func (o ImmOperand) String() string { return fmt.Sprintf("0x%x", o.Value) }

func widthTag(width int) string {
	switch width {
	case 8:
		return "byte"
	case 16:
		return "word"
	case 32:
		return "dword"
	case 64:
		return "qword"
	case 128:
		return "xmmword"
	case 256:
		return "ymmword"
	}
	return ""
}

// Constraint restricts which operands an operand scheme accepts.
type Constraint interface {
	Accepts(op Operand) bool
	Width() int
	String() string
}

// RegConstraint accepts any register out of a fixed set. All acceptable
// registers have the same width.
type RegConstraint struct {
	Acceptable []*Register
}

func (c RegConstraint) Accepts(op Operand) bool {
	ro, ok := op.(RegOperand)
	if !ok {
		return false
	}
	for _, r := range c.Acceptable {
		if r == ro.Reg {
			return true
		}
	}
	return false
}

func (c RegConstraint) Width() int {
	return c.Acceptable[0].Width
}

func (c RegConstraint) String() string {
	kind := "R"
	if c.Acceptable[0].Kind == RegKindVec {
		kind = "V"
	}
	return fmt.Sprintf("%s%d", kind, c.Width())
}

// MemConstraint accepts any memory operand of the given access width.
type MemConstraint struct {
	W int
}

func (c MemConstraint) Accepts(op Operand) bool {
	mo, ok := op.(MemOperand)
	return ok && mo.W == c.W
}

func (c MemConstraint) Width() int     { return c.W }
func (c MemConstraint) String() string { return fmt.Sprintf("M%d", c.W) }

// ImmConstraint accepts immediates representable in the given width.
type ImmConstraint struct {
	W int
}

func (c ImmConstraint) Accepts(op Operand) bool {
	io, ok := op.(ImmOperand)
	if !ok {
		return false
	}
	if c.W >= 64 {
		return true
	}
	limit := int64(1) << (c.W - 1)
	return io.Value < limit && io.Value >= -limit
}

func (c ImmConstraint) Width() int     { return c.W }
func (c ImmConstraint) String() string { return fmt.Sprintf("I%d", c.W) }

// OperandScheme describes one operand slot of an instruction scheme: either a
// fixed operand or a constraint over acceptable operands, plus whether the
// slot is read and/or written.
type OperandScheme struct {
	Fixed      Operand
	Constraint Constraint
	Read       bool
	Written    bool
}

func (os *OperandScheme) IsFixed() bool {
	return os.Fixed != nil
}

func (os *OperandScheme) Width() int {
	if os.IsFixed() {
		return os.Fixed.Width()
	}
	return os.Constraint.Width()
}

// IsMemory reports whether this slot takes a memory operand.
func (os *OperandScheme) IsMemory() bool {
	if os.IsFixed() {
		_, ok := os.Fixed.(MemOperand)
		return ok
	}
	_, ok := os.Constraint.(MemConstraint)
	return ok
}

func (os *OperandScheme) accessMarks() string {
	marks := ""
	if os.Read {
		marks += "r"
	}
	if os.Written {
		marks += "w"
	}
	return marks
}

func (os *OperandScheme) String() string {
	if os.IsFixed() {
		return fmt.Sprintf("%s:%s", os.Fixed.String(), os.accessMarks())
	}
	return fmt.Sprintf("%s:%s", os.Constraint.String(), os.accessMarks())
}
