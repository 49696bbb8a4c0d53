//go:build amd64 || arm64

package intercept

// 64-bit platforms carry a single stat-structure width; fstat and
// newfstatat are the only descriptor- and dirfd-based stat forms.

func init() {
	ops = append(ops,
		operation{name: "fstat", sysname: "fstat", kind: subjectFD, pathArg: -1, targetArg: -1, fdArg: 0, flagsArg: -1, modeArg: -1, statArg: 1, detail: detailStat},
		operation{name: "fstatat", sysname: "newfstatat", kind: subjectPath, pathArg: 1, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: 2, errno: true, detail: detailStat},
	)
}
