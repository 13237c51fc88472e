package isa

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/tliron/commonlog"
)

var (
	// ErrUnknownScheme indicates a scheme string that is not in the registry.
	ErrUnknownScheme = errors.New("isa: unknown instruction scheme")
	// ErrUnknownRegister indicates a register name that is not in the registry.
	ErrUnknownRegister = errors.New("isa: unknown register")
)

var log = commonlog.GetLogger("anica.isa")

// Encoder turns a basic block into the byte-level representation consumed by
// predictors. The built-in encoder hex-encodes the textual assembly; swapping
// in a real machine-code encoder only requires implementing this interface.
type Encoder interface {
	EncodeBlock(bb *BasicBlock) (string, error)
}

type textualEncoder struct{}

func (textualEncoder) EncodeBlock(bb *BasicBlock) (string, error) {
	return hex.EncodeToString([]byte(bb.Asm())), nil
}

// loopEncoder wraps each block in the counted measurement loop before
// encoding, with r15 as the loop counter (which is why r15 is reserved and
// never sampled as an operand).
type loopEncoder struct{}

func (loopEncoder) EncodeBlock(bb *BasicBlock) (string, error) {
	asm := "loop_start:\n" + bb.Asm() + "\ndec r15\njnz loop_start"
	return hex.EncodeToString([]byte(asm)), nil
}

// NewLoopEncoder returns the encoder used when sampled blocks should be
// measured as the body of a counted loop.
func NewLoopEncoder() Encoder {
	return loopEncoder{}
}

// Context is the ISA knowledge base: the scheme registry, the register file,
// aliasing queries, and the encoder. It is read-only after construction and
// safe for concurrent use.
type Context struct {
	schemes  []*InsnScheme
	byString map[string]*InsnScheme

	registers map[string]*Register
	byClass   map[string][]*Register

	filtered []*InsnScheme

	coder Encoder
}

func newContext() *Context {
	return &Context{
		byString:  make(map[string]*InsnScheme),
		registers: make(map[string]*Register),
		byClass:   make(map[string][]*Register),
		coder:     textualEncoder{},
	}
}

func (ctx *Context) addRegister(r *Register) {
	ctx.registers[r.Name] = r
	ctx.byClass[r.AliasClass] = append(ctx.byClass[r.AliasClass], r)
}

func (ctx *Context) addScheme(s *InsnScheme) {
	if _, dup := ctx.byString[s.String()]; dup {
		panic(fmt.Sprintf("isa: duplicate scheme: %s", s))
	}
	ctx.schemes = append(ctx.schemes, s)
	ctx.filtered = append(ctx.filtered, s)
	ctx.byString[s.String()] = s
}

// Schemes returns the filtered scheme universe, i.e. all schemes that
// discovery may sample. The returned slice must not be modified.
func (ctx *Context) Schemes() []*InsnScheme {
	return ctx.filtered
}

// AllSchemes returns every registered scheme, ignoring filters.
func (ctx *Context) AllSchemes() []*InsnScheme {
	return ctx.schemes
}

// SchemeByString resolves the canonical string form of a scheme.
func (ctx *Context) SchemeByString(str string) (*InsnScheme, error) {
	s, ok := ctx.byString[str]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, str)
	}
	return s, nil
}

// Register resolves a register name.
func (ctx *Context) Register(name string) (*Register, error) {
	r, ok := ctx.registers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegister, name)
	}
	return r, nil
}

// RegistersWhere returns all registers of the given alias class and width,
// sorted by name for determinism.
func (ctx *Context) RegistersWhere(aliasClass string, width int) []*Register {
	var res []*Register
	for _, r := range ctx.byClass[aliasClass] {
		if r.Width == width {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// RemoveSchemes drops the given schemes from the filtered universe. Used for
// predictor-specific unsupported-scheme filters.
func (ctx *Context) RemoveSchemes(drop map[*InsnScheme]bool) {
	if len(drop) == 0 {
		return
	}
	kept := ctx.filtered[:0]
	for _, s := range ctx.filtered {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	removed := len(ctx.filtered) - len(kept)
	ctx.filtered = kept
	log.Infof("filtered scheme universe: removed %d schemes, %d remain", removed, len(ctx.filtered))
}

// FilterSchemes keeps only schemes for which keep returns true.
func (ctx *Context) FilterSchemes(keep func(*InsnScheme) bool) {
	kept := ctx.filtered[:0]
	for _, s := range ctx.filtered {
		if keep(s) {
			kept = append(kept, s)
		}
	}
	ctx.filtered = kept
}

// MustAlias reports whether two operands certainly access the same location.
func (ctx *Context) MustAlias(op1, op2 Operand) bool {
	switch o1 := op1.(type) {
	case RegOperand:
		if o2, ok := op2.(RegOperand); ok {
			return o1.Reg.AliasClass == o2.Reg.AliasClass
		}
	case MemOperand:
		if o2, ok := op2.(MemOperand); ok {
			return sameBase(o1, o2) && o1.Displacement == o2.Displacement
		}
	}
	return false
}

// MayAlias reports whether two operands can possibly access overlapping
// locations.
func (ctx *Context) MayAlias(op1, op2 Operand) bool {
	switch o1 := op1.(type) {
	case RegOperand:
		if o2, ok := op2.(RegOperand); ok {
			return o1.Reg.AliasClass == o2.Reg.AliasClass
		}
	case MemOperand:
		if o2, ok := op2.(MemOperand); ok {
			if !sameBase(o1, o2) {
				// distinct or unknown base registers: cannot rule out overlap
				return true
			}
			return rangesOverlap(o1.Displacement, int64(o1.W/8), o2.Displacement, int64(o2.W/8))
		}
	}
	return false
}

func sameBase(m1, m2 MemOperand) bool {
	if m1.Base == nil || m2.Base == nil {
		return false
	}
	return m1.Base.AliasClass == m2.Base.AliasClass
}

func rangesOverlap(start1, len1, start2, len2 int64) bool {
	return start1 < start2+len2 && start2 < start1+len1
}

// Encode produces the predictor payload for a block via the context's coder.
func (ctx *Context) Encode(bb *BasicBlock) (string, error) {
	return ctx.coder.EncodeBlock(bb)
}

// Coder exposes the encoder for payload serialization in the predictor pool.
func (ctx *Context) Coder() Encoder {
	return ctx.coder
}

// MakeBB builds a basic block from instructions.
func (ctx *Context) MakeBB(insns []*Insn) *BasicBlock {
	return NewBasicBlock(insns)
}
