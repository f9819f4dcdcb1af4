package vm

// instr.go decodes RV32I instruction words.

import (
	"errors"
	"fmt"
)

// ErrDecode is returned for words that do not encode a recognised RV32I instruction.
var ErrDecode = errors.New("decode error")

// Opcode names a decoded operation.
type Opcode uint8

// The RV32I base set.
const (
	OpLUI Opcode = iota
	OpAUIPC
	OpJAL
	OpJALR
	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU
	OpLB
	OpLH
	OpLW
	OpLBU
	OpLHU
	OpSB
	OpSH
	OpSW
	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI
	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND
	OpECALL
	OpEBREAK
)

var opcodeNames = map[Opcode]string{
	OpLUI: "lui", OpAUIPC: "auipc", OpJAL: "jal", OpJALR: "jalr",
	OpBEQ: "beq", OpBNE: "bne", OpBLT: "blt", OpBGE: "bge", OpBLTU: "bltu", OpBGEU: "bgeu",
	OpLB: "lb", OpLH: "lh", OpLW: "lw", OpLBU: "lbu", OpLHU: "lhu",
	OpSB: "sb", OpSH: "sh", OpSW: "sw",
	OpADDI: "addi", OpSLTI: "slti", OpSLTIU: "sltiu", OpXORI: "xori", OpORI: "ori",
	OpANDI: "andi", OpSLLI: "slli", OpSRLI: "srli", OpSRAI: "srai",
	OpADD: "add", OpSUB: "sub", OpSLL: "sll", OpSLT: "slt", OpSLTU: "sltu",
	OpXOR: "xor", OpSRL: "srl", OpSRA: "sra", OpOR: "or", OpAND: "and",
	OpECALL: "ecall", OpEBREAK: "ebreak",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}

	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

// Instruction is one decoded operation. Field use depends on the format: immediates are
// sign-extended where the encoding calls for it; shift amounts live in the low five bits of
// Imm.
type Instruction struct {
	Op  Opcode
	Rd  Reg
	Rs1 Reg
	Rs2 Reg
	Imm int32
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s rd=%s rs1=%s rs2=%s imm=%d", i.Op, i.Rd, i.Rs1, i.Rs2, i.Imm)
}

// Decode decodes a 32-bit instruction word.
func Decode(word uint32) (Instruction, error) {
	var (
		opcode = word & 0x7f
		rd     = Reg((word >> 7) & 0x1f)
		funct3 = (word >> 12) & 0x7
		rs1    = Reg((word >> 15) & 0x1f)
		rs2    = Reg((word >> 20) & 0x1f)
		funct7 = (word >> 25) & 0x7f
	)

	bad := func() (Instruction, error) {
		return Instruction{}, fmt.Errorf("%w: %#08x", ErrDecode, word)
	}

	switch opcode {
	case 0x37:
		return Instruction{Op: OpLUI, Rd: rd, Imm: int32(word & 0xffff_f000)}, nil

	case 0x17:
		return Instruction{Op: OpAUIPC, Rd: rd, Imm: int32(word & 0xffff_f000)}, nil

	case 0x6f:
		imm := (word>>31&1)<<20 | (word>>12&0xff)<<12 | (word>>20&1)<<11 | (word>>21&0x3ff)<<1
		return Instruction{Op: OpJAL, Rd: rd, Imm: signExtend(imm, 21)}, nil

	case 0x67:
		if funct3 != 0 {
			return bad()
		}

		return Instruction{Op: OpJALR, Rd: rd, Rs1: rs1, Imm: int32(word) >> 20}, nil

	case 0x63:
		imm := (word>>31&1)<<12 | (word>>7&1)<<11 | (word>>25&0x3f)<<5 | (word>>8&0xf)<<1
		in := Instruction{Rs1: rs1, Rs2: rs2, Imm: signExtend(imm, 13)}

		switch funct3 {
		case 0x0:
			in.Op = OpBEQ
		case 0x1:
			in.Op = OpBNE
		case 0x4:
			in.Op = OpBLT
		case 0x5:
			in.Op = OpBGE
		case 0x6:
			in.Op = OpBLTU
		case 0x7:
			in.Op = OpBGEU
		default:
			return bad()
		}

		return in, nil

	case 0x03:
		in := Instruction{Rd: rd, Rs1: rs1, Imm: int32(word) >> 20}

		switch funct3 {
		case 0x0:
			in.Op = OpLB
		case 0x1:
			in.Op = OpLH
		case 0x2:
			in.Op = OpLW
		case 0x4:
			in.Op = OpLBU
		case 0x5:
			in.Op = OpLHU
		default:
			return bad()
		}

		return in, nil

	case 0x23:
		imm := (word>>25&0x7f)<<5 | (word >> 7 & 0x1f)
		in := Instruction{Rs1: rs1, Rs2: rs2, Imm: signExtend(imm, 12)}

		switch funct3 {
		case 0x0:
			in.Op = OpSB
		case 0x1:
			in.Op = OpSH
		case 0x2:
			in.Op = OpSW
		default:
			return bad()
		}

		return in, nil

	case 0x13:
		in := Instruction{Rd: rd, Rs1: rs1, Imm: int32(word) >> 20}

		switch funct3 {
		case 0x0:
			in.Op = OpADDI
		case 0x2:
			in.Op = OpSLTI
		case 0x3:
			in.Op = OpSLTIU
		case 0x4:
			in.Op = OpXORI
		case 0x6:
			in.Op = OpORI
		case 0x7:
			in.Op = OpANDI
		case 0x1:
			if funct7 != 0 {
				return bad()
			}

			in.Op, in.Imm = OpSLLI, int32(rs2)
		case 0x5:
			switch funct7 {
			case 0x00:
				in.Op, in.Imm = OpSRLI, int32(rs2)
			case 0x20:
				in.Op, in.Imm = OpSRAI, int32(rs2)
			default:
				return bad()
			}
		}

		return in, nil

	case 0x33:
		in := Instruction{Rd: rd, Rs1: rs1, Rs2: rs2}

		switch {
		case funct3 == 0x0 && funct7 == 0x00:
			in.Op = OpADD
		case funct3 == 0x0 && funct7 == 0x20:
			in.Op = OpSUB
		case funct3 == 0x1 && funct7 == 0x00:
			in.Op = OpSLL
		case funct3 == 0x2 && funct7 == 0x00:
			in.Op = OpSLT
		case funct3 == 0x3 && funct7 == 0x00:
			in.Op = OpSLTU
		case funct3 == 0x4 && funct7 == 0x00:
			in.Op = OpXOR
		case funct3 == 0x5 && funct7 == 0x00:
			in.Op = OpSRL
		case funct3 == 0x5 && funct7 == 0x20:
			in.Op = OpSRA
		case funct3 == 0x6 && funct7 == 0x00:
			in.Op = OpOR
		case funct3 == 0x7 && funct7 == 0x00:
			in.Op = OpAND
		default:
			return bad()
		}

		return in, nil

	case 0x73:
		switch word {
		case 0x0000_0073:
			return Instruction{Op: OpECALL}, nil
		case 0x0010_0073:
			return Instruction{Op: OpEBREAK}, nil
		default:
			return bad()
		}

	default:
		return bad()
	}
}
