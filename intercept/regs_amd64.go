//go:build amd64

package intercept

import "syscall"

// https://man7.org/linux/man-pages/man2/syscall.2.html
//   Arch/ABI    arg1  arg2  arg3  arg4  arg5  arg6  arg7   Notes
//   ────────────────────────────────────────────────────────────
//   x86-64      rdi   rsi   rdx   r10   r8    r9    -
//
//   Arch/ABI    Instruction       System  Ret  Ret  Error  Notes
//                                 call #  val  val2
//   ────────────────────────────────────────────────────────────
//   x86-64      syscall           rax     rax  rdx  -      5

func decodeArgs(regs *syscall.PtraceRegs) (int, [6]uint64) {
	return int(regs.Orig_rax), [6]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9}
}

func returnValue(regs *syscall.PtraceRegs) int64 {
	return int64(regs.Rax)
}
