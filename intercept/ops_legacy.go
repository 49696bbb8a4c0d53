//go:build amd64

package intercept

// x86-64 still provides the legacy non-at forms older binaries bind to.

func init() {
	ops = append(ops,
		operation{name: "open", sysname: "open", kind: subjectPath, pathArg: 0, targetArg: -1, fdArg: -1, flagsArg: 1, modeArg: 2, statArg: -1, errno: true, action: actionMark, detail: detailOpen},
		operation{name: "mkdir", sysname: "mkdir", kind: subjectPath, pathArg: 0, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: 1, statArg: -1, errno: true, detail: detailMkdir},
		operation{name: "symlink", sysname: "symlink", kind: subjectPath, pathArg: 1, targetArg: 0, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: -1, errno: true, detail: detailSymlink},
		operation{name: "stat", sysname: "stat", kind: subjectPath, pathArg: 0, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: 1, errno: true, detail: detailStat},
		operation{name: "lstat", sysname: "lstat", kind: subjectPath, pathArg: 0, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: 1, errno: true, detail: detailStat},
	)
}
