//go:build arm

package intercept

import "syscall"

// https://man7.org/linux/man-pages/man2/syscall.2.html
//   Arch/ABI    arg1  arg2  arg3  arg4  arg5  arg6  arg7   Notes
//   ────────────────────────────────────────────────────────────
//   arm/EABI    r0    r1    r2    r3    r4    r5    r6
//
//   Arch/ABI    Instruction       System  Ret  Ret  Error  Notes
//                                 call #  val  val2
//   ────────────────────────────────────────────────────────────
//   arm/EABI    swi 0x0           r7      r0   r1   -

func decodeArgs(regs *syscall.PtraceRegs) (int, [6]uint64) {
	return int(regs.Uregs[7]), [6]uint64{
		uint64(regs.Uregs[0]), uint64(regs.Uregs[1]), uint64(regs.Uregs[2]),
		uint64(regs.Uregs[3]), uint64(regs.Uregs[4]), uint64(regs.Uregs[5]),
	}
}

func returnValue(regs *syscall.PtraceRegs) int64 {
	return int64(int32(regs.Uregs[0]))
}
