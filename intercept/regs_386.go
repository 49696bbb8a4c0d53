//go:build 386

package intercept

import "syscall"

// https://man7.org/linux/man-pages/man2/syscall.2.html
//   Arch/ABI    arg1  arg2  arg3  arg4  arg5  arg6  arg7   Notes
//   ────────────────────────────────────────────────────────────
//   i386        ebx   ecx   edx   esi   edi   ebp   -
//
//   Arch/ABI    Instruction       System  Ret  Ret  Error  Notes
//                                 call #  val  val2
//   ────────────────────────────────────────────────────────────
//   i386        int $0x80         eax     eax  edx  -

func decodeArgs(regs *syscall.PtraceRegs) (int, [6]uint64) {
	return int(regs.Orig_eax), [6]uint64{
		uint64(uint32(regs.Ebx)), uint64(uint32(regs.Ecx)), uint64(uint32(regs.Edx)),
		uint64(uint32(regs.Esi)), uint64(uint32(regs.Edi)), uint64(uint32(regs.Ebp)),
	}
}

func returnValue(regs *syscall.PtraceRegs) int64 {
	return int64(regs.Eax)
}
