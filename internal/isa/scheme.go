package isa

import (
	"fmt"
	"strings"
)

// SchemeInfo carries the per-scheme feature record published by the knowledge
// base: classification strings and the port usage of the scheme's uops.
type SchemeInfo struct {
	Category  string
	Extension string
	ISASet    string
	// Ports lists one entry per uop, each naming the ports the uop can
	// execute on (e.g. "0156").
	Ports []string
}

// NamedOperandScheme pairs an operand key with its scheme. Keys are unique
// within an instruction scheme and stable across runs.
type NamedOperandScheme struct {
	Key    string
	Scheme *OperandScheme
}

// InsnScheme is an instruction template: a mnemonic plus explicit and
// implicit operand schemes. Schemes are interned by the Context; pointer
// equality identifies a scheme.
type InsnScheme struct {
	mnemonic string
	lock     bool
	rep      bool
	explicit []NamedOperandScheme
	implicit []NamedOperandScheme
	info     SchemeInfo

	str string
}

// NewInsnScheme builds a scheme and computes its canonical string form.
// Explicit operands get keys op0, op1, ...; implicit ones imp0, imp1, ...
func NewInsnScheme(mnemonic string, lock, rep bool, explicit, implicit []*OperandScheme, info SchemeInfo) *InsnScheme {
	s := &InsnScheme{
		mnemonic: mnemonic,
		lock:     lock,
		rep:      rep,
		info:     info,
	}
	for i, op := range explicit {
		s.explicit = append(s.explicit, NamedOperandScheme{Key: fmt.Sprintf("op%d", i), Scheme: op})
	}
	for i, op := range implicit {
		s.implicit = append(s.implicit, NamedOperandScheme{Key: fmt.Sprintf("imp%d", i), Scheme: op})
	}
	s.str = s.render()
	return s
}

func (s *InsnScheme) render() string {
	var sb strings.Builder
	if s.lock {
		sb.WriteString("lock ")
	}
	if s.rep {
		sb.WriteString("rep ")
	}
	sb.WriteString(s.mnemonic)
	parts := make([]string, 0, len(s.explicit))
	for _, nos := range s.explicit {
		parts = append(parts, nos.Scheme.String())
	}
	if len(parts) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(parts, ", "))
	}
	if len(s.implicit) > 0 {
		iparts := make([]string, 0, len(s.implicit))
		for _, nos := range s.implicit {
			iparts = append(iparts, nos.Scheme.String())
		}
		sb.WriteString(" <")
		sb.WriteString(strings.Join(iparts, ", "))
		sb.WriteString(">")
	}
	return sb.String()
}

func (s *InsnScheme) Mnemonic() string { return s.mnemonic }
func (s *InsnScheme) HasLock() bool    { return s.lock }
func (s *InsnScheme) HasRep() bool     { return s.rep }
func (s *InsnScheme) Info() SchemeInfo { return s.info }
func (s *InsnScheme) String() string   { return s.str }

// ExplicitOperands returns the explicit operand slots in order.
func (s *InsnScheme) ExplicitOperands() []NamedOperandScheme { return s.explicit }

// ImplicitOperands returns the implicit operand slots in order.
func (s *InsnScheme) ImplicitOperands() []NamedOperandScheme { return s.implicit }

// OperandKeys returns all operand slots, explicit before implicit.
func (s *InsnScheme) OperandKeys() []NamedOperandScheme {
	res := make([]NamedOperandScheme, 0, len(s.explicit)+len(s.implicit))
	res = append(res, s.explicit...)
	res = append(res, s.implicit...)
	return res
}

// OperandScheme returns the operand scheme for the given key, or nil if the
// scheme has no such slot.
func (s *InsnScheme) OperandScheme(key string) *OperandScheme {
	for _, nos := range s.explicit {
		if nos.Key == key {
			return nos.Scheme
		}
	}
	for _, nos := range s.implicit {
		if nos.Key == key {
			return nos.Scheme
		}
	}
	return nil
}

// Instantiate materializes the scheme with the given explicit operand
// choices. Fixed slots (explicit or implicit) fill themselves; every
// non-fixed explicit slot must be present in ops and satisfy its constraint.
func (s *InsnScheme) Instantiate(ops map[string]Operand) (*Insn, error) {
	chosen := make(map[string]Operand, len(s.explicit)+len(s.implicit))
	for _, nos := range s.OperandKeys() {
		if nos.Scheme.IsFixed() {
			chosen[nos.Key] = nos.Scheme.Fixed
			continue
		}
		op, ok := ops[nos.Key]
		if !ok {
			return nil, fmt.Errorf("isa: missing operand %s for scheme %q", nos.Key, s.str)
		}
		if !nos.Scheme.Constraint.Accepts(op) {
			return nil, fmt.Errorf("isa: operand %s for scheme %q violates its constraint: %s", nos.Key, s.str, op)
		}
		chosen[nos.Key] = op
	}
	return &Insn{Scheme: s, Operands: chosen}, nil
}

// Insn is a concrete instruction: a scheme with all operand slots filled.
type Insn struct {
	Scheme   *InsnScheme
	Operands map[string]Operand
}

// Operand returns the operand bound to key, or nil if the instruction's
// scheme has no such slot.
func (i *Insn) Operand(key string) Operand {
	op, ok := i.Operands[key]
	if !ok {
		return nil
	}
	return op
}

func (i *Insn) String() string {
	var sb strings.Builder
	if i.Scheme.lock {
		sb.WriteString("lock ")
	}
	if i.Scheme.rep {
		sb.WriteString("rep ")
	}
	sb.WriteString(i.Scheme.mnemonic)
	parts := make([]string, 0, len(i.Scheme.explicit))
	for _, nos := range i.Scheme.explicit {
		parts = append(parts, i.Operands[nos.Key].String())
	}
	if len(parts) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(parts, ", "))
	}
	return sb.String()
}

// BasicBlock is an ordered sequence of concrete instructions.
type BasicBlock struct {
	Insns []*Insn
}

func NewBasicBlock(insns []*Insn) *BasicBlock {
	return &BasicBlock{Insns: insns}
}

func (bb *BasicBlock) Len() int {
	return len(bb.Insns)
}

// Asm renders the block as newline-separated assembly text.
func (bb *BasicBlock) Asm() string {
	lines := make([]string, len(bb.Insns))
	for i, insn := range bb.Insns {
		lines[i] = insn.String()
	}
	return strings.Join(lines, "\n")
}

func (bb *BasicBlock) String() string {
	return bb.Asm()
}
