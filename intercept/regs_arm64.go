//go:build arm64

package intercept

import "syscall"

// https://man7.org/linux/man-pages/man2/syscall.2.html
//   Arch/ABI    arg1  arg2  arg3  arg4  arg5  arg6  arg7   Notes
//   ────────────────────────────────────────────────────────────
//   arm64       x0    x1    x2    x3    x4    x5    -
//
//   Arch/ABI    Instruction       System  Ret  Ret  Error  Notes
//                                 call #  val  val2
//   ────────────────────────────────────────────────────────────
//   arm64       svc #0            w8      x0   x1   -

func decodeArgs(regs *syscall.PtraceRegs) (int, [6]uint64) {
	return int(regs.Regs[8]), [6]uint64{regs.Regs[0], regs.Regs[1], regs.Regs[2], regs.Regs[3], regs.Regs[4], regs.Regs[5]}
}

func returnValue(regs *syscall.PtraceRegs) int64 {
	return int64(regs.Regs[0])
}
