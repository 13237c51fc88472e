package isa

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// ErrNoMatchingScheme indicates an instruction that parses syntactically but
// matches no registered instruction scheme.
var ErrNoMatchingScheme = errors.New("isa: no matching instruction scheme")

var asmLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		// Comments
		{"Comment", `(#|//)[^\n]*`, nil},

		// Identifiers (mnemonics, registers, size tags)
		{"Ident", `[a-zA-Z_][a-zA-Z0-9_]*`, nil},

		// Integer literals
		{"Number", `0x[0-9a-fA-F]+|[0-9]+`, nil},

		// Instruction separators
		{"Sep", `[;\n]`, nil},

		// Punctuation
		{"Punct", `[\[\],+\-*]`, nil},

		// Whitespace
		{"Whitespace", `[ \t\r]+`, nil},
	},
})

type asmProgram struct {
	Insns []*asmInsn `(Sep* @@)* Sep*`
}

type asmInsn struct {
	Lock     bool          `@"lock"?`
	Rep      bool          `@"rep"?`
	Mnemonic string        `@Ident`
	Operands []*asmOperand `(@@ ("," @@)*)?`
}

type asmOperand struct {
	Mem *asmMem `( @@`
	Imm *asmImm `| @@`
	Reg string  `| @Ident )`
}

type asmMem struct {
	Size string `(@("byte"|"word"|"dword"|"qword"|"xmmword"|"ymmword") "ptr")?`
	Base string `"[" @Ident`
	Sign string `(@("+"|"-")`
	Disp string `@Number)? "]"`
}

type asmImm struct {
	Sign  string `@"-"?`
	Value string `@Number`
}

var asmParser = participle.MustBuild[asmProgram](
	participle.Lexer(asmLexer),
	participle.Elide("Whitespace", "Comment"),
	// Memory operands and bare registers both start with an identifier
	participle.UseLookahead(4),
)

// ParseAsm parses textual assembly (instructions separated by newlines or
// semicolons) and matches each instruction against the scheme registry.
func (ctx *Context) ParseAsm(src string) (*BasicBlock, error) {
	prog, err := asmParser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("isa: parsing assembly: %w", err)
	}

	insns := make([]*Insn, 0, len(prog.Insns))
	for _, raw := range prog.Insns {
		insn, err := ctx.matchInsn(raw)
		if err != nil {
			return nil, err
		}
		insns = append(insns, insn)
	}
	return NewBasicBlock(insns), nil
}

func (ctx *Context) matchInsn(raw *asmInsn) (*Insn, error) {
	parsed := make([]Operand, len(raw.Operands))
	sizes := make([]int, len(raw.Operands))
	for i, rawOp := range raw.Operands {
		op, explicitSize, err := ctx.resolveOperand(rawOp)
		if err != nil {
			return nil, err
		}
		parsed[i] = op
		sizes[i] = explicitSize
	}

	mnemonic := strings.ToLower(raw.Mnemonic)
	for _, scheme := range ctx.schemes {
		if scheme.Mnemonic() != mnemonic || scheme.HasLock() != raw.Lock || scheme.HasRep() != raw.Rep {
			continue
		}
		explicit := scheme.ExplicitOperands()
		if len(explicit) != len(parsed) {
			continue
		}
		ops, ok := fitOperands(explicit, parsed, sizes)
		if !ok {
			continue
		}
		return scheme.Instantiate(ops)
	}
	return nil, fmt.Errorf("%w: %q", ErrNoMatchingScheme, renderRawInsn(raw))
}

// fitOperands adapts the parsed operands to the widths required by the
// operand schemes and checks the constraints.
func fitOperands(explicit []NamedOperandScheme, parsed []Operand, sizes []int) (map[string]Operand, bool) {
	ops := make(map[string]Operand, len(parsed))
	for i, nos := range explicit {
		if nos.Scheme.IsFixed() {
			if parsed[i] != nos.Scheme.Fixed {
				return nil, false
			}
			continue
		}
		op := parsed[i]
		switch typed := op.(type) {
		case MemOperand:
			if sizes[i] != 0 && sizes[i] != nos.Scheme.Width() {
				return nil, false
			}
			typed.W = nos.Scheme.Width()
			op = typed
		case ImmOperand:
			typed.W = nos.Scheme.Width()
			op = typed
		}
		if !nos.Scheme.Constraint.Accepts(op) {
			return nil, false
		}
		ops[nos.Key] = op
	}
	return ops, true
}

func (ctx *Context) resolveOperand(raw *asmOperand) (Operand, int, error) {
	switch {
	case raw.Mem != nil:
		base, err := ctx.Register(raw.Mem.Base)
		if err != nil {
			return nil, 0, err
		}
		var disp int64
		if raw.Mem.Disp != "" {
			disp, err = parseInt(raw.Mem.Disp)
			if err != nil {
				return nil, 0, err
			}
			if raw.Mem.Sign == "-" {
				disp = -disp
			}
		}
		size := 0
		if raw.Mem.Size != "" {
			size = sizeForTag(raw.Mem.Size)
		}
		return MemOperand{W: size, Base: base, Displacement: disp}, size, nil
	case raw.Imm != nil:
		val, err := parseInt(raw.Imm.Value)
		if err != nil {
			return nil, 0, err
		}
		if raw.Imm.Sign == "-" {
			val = -val
		}
		return ImmOperand{W: 64, Value: val}, 0, nil
	default:
		reg, err := ctx.Register(raw.Reg)
		if err != nil {
			return nil, 0, err
		}
		return RegOperand{Reg: reg}, 0, nil
	}
}

func parseInt(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}

func sizeForTag(tag string) int {
	switch tag {
	case "byte":
		return 8
	case "word":
		return 16
	case "dword":
		return 32
	case "qword":
		return 64
	case "xmmword":
		return 128
	case "ymmword":
		return 256
	}
	return 0
}

func renderRawInsn(raw *asmInsn) string {
	var sb strings.Builder
	if raw.Lock {
		sb.WriteString("lock ")
	}
	if raw.Rep {
		sb.WriteString("rep ")
	}
	sb.WriteString(raw.Mnemonic)
	for i, op := range raw.Operands {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		switch {
		case op.Mem != nil:
			fmt.Fprintf(&sb, "[%s...]", op.Mem.Base)
		case op.Imm != nil:
			sb.WriteString(op.Imm.Sign + op.Imm.Value)
		default:
			sb.WriteString(op.Reg)
		}
	}
	return sb.String()
}
