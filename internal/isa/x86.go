package isa

import "fmt"

// gprNames lists the GPR register families with their names per width.
// The 64-bit name doubles as the alias class of the family.
var gprNames = [][4]string{
	{"rax", "eax", "ax", "al"},
	{"rbx", "ebx", "bx", "bl"},
	{"rcx", "ecx", "cx", "cl"},
	{"rdx", "edx", "dx", "dl"},
	{"rsi", "esi", "si", "sil"},
	{"rdi", "edi", "di", "dil"},
	{"rbp", "ebp", "bp", "bpl"},
	{"rsp", "esp", "sp", "spl"},
	{"r8", "r8d", "r8w", "r8b"},
	{"r9", "r9d", "r9w", "r9b"},
	{"r10", "r10d", "r10w", "r10b"},
	{"r11", "r11d", "r11w", "r11b"},
	{"r12", "r12d", "r12w", "r12b"},
	{"r13", "r13d", "r13w", "r13b"},
	{"r14", "r14d", "r14w", "r14b"},
	{"r15", "r15d", "r15w", "r15b"},
}

var gprWidths = [4]int{64, 32, 16, 8}

const numVecRegs = 8

// NewX86Context builds the built-in x86-64 knowledge base: the register file
// and a scheme universe covering the ALU, data transfer, shift, string and
// AVX subsets used by discovery campaigns and tests.
func NewX86Context() *Context {
	ctx := newContext()

	for _, family := range gprNames {
		class := family[0]
		for i, name := range family {
			ctx.addRegister(&Register{Name: name, Width: gprWidths[i], AliasClass: class, Kind: RegKindGPR})
		}
	}
	for i := 0; i < numVecRegs; i++ {
		class := fmt.Sprintf("v%d", i)
		ctx.addRegister(&Register{Name: fmt.Sprintf("ymm%d", i), Width: 256, AliasClass: class, Kind: RegKindVec})
		ctx.addRegister(&Register{Name: fmt.Sprintf("xmm%d", i), Width: 128, AliasClass: class, Kind: RegKindVec})
	}
	ctx.addRegister(&Register{Name: "rflags", Width: 64, AliasClass: "rflags", Kind: RegKindFlag})

	buildX86Schemes(ctx)
	return ctx
}

func (ctx *Context) gprs(width int) []*Register {
	res := make([]*Register, 0, len(gprNames))
	for _, family := range gprNames {
		for i, name := range family {
			if gprWidths[i] == width {
				res = append(res, ctx.registers[name])
			}
		}
	}
	return res
}

func (ctx *Context) vecs(width int) []*Register {
	prefix := "ymm"
	if width == 128 {
		prefix = "xmm"
	}
	res := make([]*Register, 0, numVecRegs)
	for i := 0; i < numVecRegs; i++ {
		res = append(res, ctx.registers[fmt.Sprintf("%s%d", prefix, i)])
	}
	return res
}

func buildX86Schemes(ctx *Context) {
	gpr64 := RegConstraint{Acceptable: ctx.gprs(64)}
	mem64 := MemConstraint{W: 64}
	imm32 := ImmConstraint{W: 32}
	imm8 := ImmConstraint{W: 8}

	flags := ctx.registers["rflags"]

	flagsW := &OperandScheme{Fixed: RegOperand{Reg: flags}, Written: true}
	flagsRW := &OperandScheme{Fixed: RegOperand{Reg: flags}, Read: true, Written: true}

	rw := func(c Constraint) *OperandScheme { return &OperandScheme{Constraint: c, Read: true, Written: true} }
	rd := func(c Constraint) *OperandScheme { return &OperandScheme{Constraint: c, Read: true} }
	wr := func(c Constraint) *OperandScheme { return &OperandScheme{Constraint: c, Written: true} }

	binInfo := func(ports ...string) SchemeInfo {
		return SchemeInfo{Category: "BINARY", Extension: "BASE", ISASet: "I86", Ports: ports}
	}

	// two-operand ALU instructions, four addressing forms each
	aluMnemonics := []struct {
		mnemonic  string
		readFlags bool
	}{
		{"add", false},
		{"sub", false},
		{"and", false},
		{"or", false},
		{"xor", false},
		{"adc", true},
		{"sbb", true},
		{"cmp", false},
	}
	for _, m := range aluMnemonics {
		dstReg := rw(gpr64)
		dstMem := rw(mem64)
		if m.mnemonic == "cmp" {
			dstReg = rd(gpr64)
			dstMem = rd(mem64)
		}
		fl := flagsW
		if m.readFlags {
			fl = flagsRW
		}
		ctx.addScheme(NewInsnScheme(m.mnemonic, false, false,
			[]*OperandScheme{dstReg, rd(gpr64)}, []*OperandScheme{fl}, binInfo("0156")))
		ctx.addScheme(NewInsnScheme(m.mnemonic, false, false,
			[]*OperandScheme{dstReg, rd(imm32)}, []*OperandScheme{fl}, binInfo("0156")))
		ctx.addScheme(NewInsnScheme(m.mnemonic, false, false,
			[]*OperandScheme{dstReg, rd(mem64)}, []*OperandScheme{fl}, binInfo("0156", "23")))
		ctx.addScheme(NewInsnScheme(m.mnemonic, false, false,
			[]*OperandScheme{dstMem, rd(gpr64)}, []*OperandScheme{fl}, binInfo("0156", "23", "4")))
	}

	// data transfer
	movInfo := func(ports ...string) SchemeInfo {
		return SchemeInfo{Category: "DATAXFER", Extension: "BASE", ISASet: "I86", Ports: ports}
	}
	ctx.addScheme(NewInsnScheme("mov", false, false,
		[]*OperandScheme{wr(gpr64), rd(gpr64)}, nil, movInfo("0156")))
	ctx.addScheme(NewInsnScheme("mov", false, false,
		[]*OperandScheme{wr(gpr64), rd(imm32)}, nil, movInfo("0156")))
	ctx.addScheme(NewInsnScheme("mov", false, false,
		[]*OperandScheme{wr(gpr64), rd(mem64)}, nil, movInfo("23")))
	ctx.addScheme(NewInsnScheme("mov", false, false,
		[]*OperandScheme{wr(mem64), rd(gpr64)}, nil, movInfo("237", "4")))

	ctx.addScheme(NewInsnScheme("imul", false, false,
		[]*OperandScheme{rw(gpr64), rd(gpr64)}, []*OperandScheme{flagsW}, binInfo("1")))

	// single-operand ALU instructions
	for _, mnemonic := range []string{"inc", "dec"} {
		ctx.addScheme(NewInsnScheme(mnemonic, false, false,
			[]*OperandScheme{rw(gpr64)}, []*OperandScheme{flagsW}, binInfo("0156")))
	}
	logInfo := SchemeInfo{Category: "LOGICAL", Extension: "BASE", ISASet: "I86", Ports: []string{"0156"}}
	ctx.addScheme(NewInsnScheme("neg", false, false,
		[]*OperandScheme{rw(gpr64)}, []*OperandScheme{flagsW}, logInfo))
	ctx.addScheme(NewInsnScheme("not", false, false,
		[]*OperandScheme{rw(gpr64)}, nil, logInfo))

	// shifts
	shiftInfo := SchemeInfo{Category: "SHIFT", Extension: "BASE", ISASet: "I86", Ports: []string{"06"}}
	for _, mnemonic := range []string{"shl", "shr"} {
		ctx.addScheme(NewInsnScheme(mnemonic, false, false,
			[]*OperandScheme{rw(gpr64), rd(imm8)}, []*OperandScheme{flagsW}, shiftInfo))
	}

	ctx.addScheme(NewInsnScheme("nop", false, false, nil, nil,
		SchemeInfo{Category: "NOP", Extension: "BASE", ISASet: "I86", Ports: nil}))

	// locked read-modify-write forms
	for _, mnemonic := range []string{"add", "sub", "xor"} {
		ctx.addScheme(NewInsnScheme(mnemonic, true, false,
			[]*OperandScheme{rw(mem64), rd(gpr64)}, []*OperandScheme{flagsW},
			SchemeInfo{Category: "BINARY", Extension: "BASE", ISASet: "I86", Ports: []string{"0156", "23", "4"}}))
	}

	// string move with its implicit register operands
	ctx.addScheme(NewInsnScheme("movsb", false, true, nil,
		[]*OperandScheme{
			{Fixed: RegOperand{Reg: ctx.registers["rsi"]}, Read: true, Written: true},
			{Fixed: RegOperand{Reg: ctx.registers["rdi"]}, Read: true, Written: true},
			{Fixed: RegOperand{Reg: ctx.registers["rcx"]}, Read: true, Written: true},
		},
		SchemeInfo{Category: "STRINGOP", Extension: "BASE", ISASet: "I86", Ports: []string{"0156", "23", "4"}}))

	// AVX packed double arithmetic, xmm and ymm forms
	for _, mnemonic := range []string{"vaddpd", "vsubpd", "vmulpd"} {
		for _, width := range []int{128, 256} {
			vec := RegConstraint{Acceptable: ctx.vecs(width)}
			ports := []string{"01"}
			if mnemonic == "vmulpd" {
				ports = []string{"01", "01"}
			}
			ctx.addScheme(NewInsnScheme(mnemonic, false, false,
				[]*OperandScheme{wr(vec), rd(vec), rd(vec)}, nil,
				SchemeInfo{Category: "AVX", Extension: "AVX", ISASet: "AVX", Ports: ports}))
		}
	}
}
