package abstraction

import (
	"sort"

	"anica/internal/isa"
)

// Augmentation encodes the operand policy layered on top of the knowledge
// base: which operands sampling may choose, which operand schemes are ignored
// for aliasing, and the sharpened alias semantics that follow from how memory
// operands are synthesized.
type Augmentation struct {
	ctx *isa.Context

	memBases      []*isa.Register
	displacements []int64

	reservedClasses map[string]bool
}

// The measurement harness keeps a loop counter in r15 and owns rsp/r14; the
// memory base registers must stay stable too, so none of them may be chosen
// as a plain register operand.
var (
	defaultMemBaseNames  = []string{"rbp", "rsi", "rdi"}
	defaultReservedNames = []string{"r15", "rsp", "r14"}
	defaultDisplacements = []int64{64, 128}
)

func NewAugmentation(ctx *isa.Context) *Augmentation {
	a := &Augmentation{
		ctx:             ctx,
		displacements:   defaultDisplacements,
		reservedClasses: make(map[string]bool),
	}
	for _, name := range defaultMemBaseNames {
		reg, err := ctx.Register(name)
		if err != nil {
			panic(err)
		}
		a.memBases = append(a.memBases, reg)
		a.reservedClasses[reg.AliasClass] = true
	}
	for _, name := range defaultReservedNames {
		reg, err := ctx.Register(name)
		if err != nil {
			panic(err)
		}
		a.reservedClasses[reg.AliasClass] = true
	}
	return a
}

// MustAlias sharpens the knowledge base's notion for memory operands: the
// sampler only produces memory operands from the fixed base/displacement
// pool, so two memory operands alias exactly if base and displacement agree.
func (a *Augmentation) MustAlias(op1, op2 isa.Operand) bool {
	if m1, ok := op1.(isa.MemOperand); ok {
		if m2, ok := op2.(isa.MemOperand); ok {
			return sameMemLocation(m1, m2)
		}
	}
	return a.ctx.MustAlias(op1, op2)
}

// MayAlias mirrors MustAlias for the sampled memory operand pool.
func (a *Augmentation) MayAlias(op1, op2 isa.Operand) bool {
	if m1, ok := op1.(isa.MemOperand); ok {
		if m2, ok := op2.(isa.MemOperand); ok {
			return sameMemLocation(m1, m2)
		}
	}
	return a.ctx.MayAlias(op1, op2)
}

func sameMemLocation(m1, m2 isa.MemOperand) bool {
	if m1.Base == nil || m2.Base == nil {
		return false
	}
	return m1.Base.AliasClass == m2.Base.AliasClass && m1.Displacement == m2.Displacement
}

// SkipForAliasing reports whether an operand scheme is ignored by the
// aliasing abstraction: flag registers and immediates carry no aliasing
// information worth tracking.
func (a *Augmentation) SkipForAliasing(os *isa.OperandScheme) bool {
	if os.IsFixed() {
		switch op := os.Fixed.(type) {
		case isa.RegOperand:
			return op.Reg.Kind == isa.RegKindFlag
		case isa.ImmOperand:
			return true
		}
		return false
	}
	switch c := os.Constraint.(type) {
	case isa.RegConstraint:
		return c.Acceptable[0].Kind == isa.RegKindFlag
	case isa.ImmConstraint:
		return true
	}
	return false
}

// AllowedOperands returns the operands sampling may choose for an operand
// scheme, sorted for determinism.
func (a *Augmentation) AllowedOperands(os *isa.OperandScheme) []isa.Operand {
	if os.IsFixed() {
		return []isa.Operand{os.Fixed}
	}
	switch c := os.Constraint.(type) {
	case isa.RegConstraint:
		var res []isa.Operand
		for _, reg := range c.Acceptable {
			if !a.reservedClasses[reg.AliasClass] {
				res = append(res, isa.RegOperand{Reg: reg})
			}
		}
		sortOperands(res)
		return res
	case isa.MemConstraint:
		var res []isa.Operand
		for _, base := range a.memBases {
			for _, disp := range a.displacements {
				res = append(res, isa.MemOperand{W: c.W, Base: base, Displacement: disp})
			}
		}
		sortOperands(res)
		return res
	case isa.ImmConstraint:
		return []isa.Operand{isa.ImmOperand{W: c.W, Value: 42}}
	}
	return nil
}

func sortOperands(ops []isa.Operand) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].String() < ops[j].String() })
}

// AdjustOperandWidth rewrites an operand so that its width fits the target
// operand scheme, staying in the same alias class for registers. Returns
// false when no fitting operand exists.
func (a *Augmentation) AdjustOperandWidth(op isa.Operand, target *isa.OperandScheme) (isa.Operand, bool) {
	width := target.Width()
	if op.Width() == width {
		return op, true
	}
	switch typed := op.(type) {
	case isa.RegOperand:
		fitting := a.ctx.RegistersWhere(typed.Reg.AliasClass, width)
		if target.IsFixed() {
			for _, reg := range fitting {
				cand := isa.RegOperand{Reg: reg}
				if isa.Operand(cand) == target.Fixed {
					return target.Fixed, true
				}
			}
			return nil, false
		}
		if rc, ok := target.Constraint.(isa.RegConstraint); ok {
			for _, reg := range fitting {
				if rc.Accepts(isa.RegOperand{Reg: reg}) {
					return isa.RegOperand{Reg: reg}, true
				}
			}
			return nil, false
		}
		if len(fitting) == 0 {
			return nil, false
		}
		return isa.RegOperand{Reg: fitting[0]}, true
	case isa.MemOperand:
		return isa.MemOperand{W: width, Base: typed.Base, Displacement: typed.Displacement}, true
	case isa.ImmOperand:
		return isa.ImmOperand{W: width, Value: typed.Value}, true
	}
	return nil, false
}
