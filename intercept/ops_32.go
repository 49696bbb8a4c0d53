//go:build 386 || arm

package intercept

// 32-bit platforms distinguish the stat-structure widths. Only the
// 64-bit-width variants are intercepted; they are what modern libc binds
// stat/lstat/fstat to, and unix.Stat_t matches their layout. Records
// carry the logical operation name, so both widths read the same.

func init() {
	ops = append(ops,
		operation{name: "open", sysname: "open", kind: subjectPath, pathArg: 0, targetArg: -1, fdArg: -1, flagsArg: 1, modeArg: 2, statArg: -1, errno: true, action: actionMark, detail: detailOpen},
		operation{name: "mkdir", sysname: "mkdir", kind: subjectPath, pathArg: 0, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: 1, statArg: -1, errno: true, detail: detailMkdir},
		operation{name: "symlink", sysname: "symlink", kind: subjectPath, pathArg: 1, targetArg: 0, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: -1, errno: true, detail: detailSymlink},
		operation{name: "stat", sysname: "stat64", kind: subjectPath, pathArg: 0, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: 1, errno: true, detail: detailStat},
		operation{name: "lstat", sysname: "lstat64", kind: subjectPath, pathArg: 0, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: 1, errno: true, detail: detailStat},
		operation{name: "fstat", sysname: "fstat64", kind: subjectFD, pathArg: -1, targetArg: -1, fdArg: 0, flagsArg: -1, modeArg: -1, statArg: 1, detail: detailStat},
		operation{name: "fstatat", sysname: "fstatat64", kind: subjectPath, pathArg: 1, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: 2, errno: true, detail: detailStat},
	)
}
