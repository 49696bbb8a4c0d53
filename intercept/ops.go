package intercept

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// subjectKind says what identifies a call when deciding whether to
// record it.
type subjectKind int

const (
	// subjectPath calls carry a path argument evaluated against the
	// scope filter.
	subjectPath subjectKind = iota
	// subjectFD calls carry only a descriptor and are recorded when the
	// descriptor registry has it marked.
	subjectFD
)

// registryAction is the descriptor-registry update applied after a call
// has been recorded, strictly once the original call is known to have
// succeeded.
type registryAction int

const (
	actionNone registryAction = iota
	// actionMark marks the returned descriptor of an in-scope open.
	actionMark
	// actionUnmark removes the caller's descriptor after a successful
	// close. Removal is mandatory: the kernel reuses descriptor values,
	// and a stale entry would attribute an unrelated open.
	actionUnmark
)

// operation is one row of the interception table: how to identify the
// call, which arguments carry its subject and parameters, how to format
// its record, and how it affects the descriptor registry. The table is
// consumed by a single generic dispatch routine; adding an intercepted
// call means adding a row, not a new code path.
type operation struct {
	name    string // operation name as it appears in records
	sysname string // platform syscall name, resolved through libseccomp
	nr      int    // resolved syscall number

	kind      subjectKind
	pathArg   int // index of the subject path argument, -1 if none
	targetArg int // index of the symlink target argument, -1 if none
	fdArg     int // index of the subject descriptor argument, -1 if none
	flagsArg  int // index of the flags argument, -1 if none
	modeArg   int // index of the mode argument, -1 if none
	statArg   int // index of the result-structure argument, -1 if none

	errno  bool // append the error-state clause to records
	action registryAction
	detail func(*call) string
}

// ops is the intercepted operation set. These rows exist on every
// supported platform; per-arch files contribute the legacy calls and the
// width variants the platform distinguishes.
var ops = []operation{
	{name: "openat", sysname: "openat", kind: subjectPath, pathArg: 1, targetArg: -1, fdArg: -1, flagsArg: 2, modeArg: 3, statArg: -1, errno: true, action: actionMark, detail: detailOpen},
	{name: "close", sysname: "close", kind: subjectFD, pathArg: -1, targetArg: -1, fdArg: 0, flagsArg: -1, modeArg: -1, statArg: -1, detail: detailClose},
	{name: "mkdirat", sysname: "mkdirat", kind: subjectPath, pathArg: 1, targetArg: -1, fdArg: -1, flagsArg: -1, modeArg: 2, statArg: -1, errno: true, detail: detailMkdir},
	{name: "symlinkat", sysname: "symlinkat", kind: subjectPath, pathArg: 2, targetArg: 0, fdArg: -1, flagsArg: -1, modeArg: -1, statArg: -1, errno: true, detail: detailSymlink},
}

// table maps resolved syscall numbers to operations.
type table map[int]*operation

// buildTable resolves every intercepted operation name to its syscall
// number. A name that does not resolve on the running platform is a
// configuration error: the layer cannot claim to intercept a call it
// cannot identify, so there is no recovery path.
func buildTable() (table, error) {
	tbl := make(table, len(ops))
	for i := range ops {
		op := &ops[i]
		nr, err := resolve(op.sysname)
		if err != nil {
			return nil, err
		}
		op.nr = nr
		tbl[nr] = op
	}
	return tbl, nil
}

// call is one in-flight intercepted call, captured at syscall entry and
// completed at exit. Every record corresponds to exactly one completed
// call.
type call struct {
	op     *operation
	tid    int
	args   [6]uint64
	ret    int64 // raw return value, negative errno on failure
	path   string
	target string
	stat   *unix.Stat_t
}

// retval is the return value as the caller observes it: the raw negative
// errno collapses to -1, matching the libc convention the host sees.
func (c *call) retval() int64 {
	if c.ret < 0 {
		return -1
	}
	return c.ret
}

// errno is the error state as it stood immediately after the original
// call returned.
func (c *call) errno() int64 {
	if c.ret < 0 {
		return -c.ret
	}
	return 0
}

// fd is the descriptor value the caller passed, untransformed.
func (c *call) fd() int {
	return int(int32(c.args[c.op.fdArg]))
}

func (c *call) subject() string {
	if c.op.kind == subjectFD {
		return strconv.Itoa(c.fd())
	}
	return c.path
}

// line renders the record, minus the timestamp prefix the sink adds.
func (c *call) line() string {
	s := c.op.name + " " + c.subject() + " " + c.op.detail(c)
	if c.op.errno {
		s += fmt.Sprintf(", errno %d", c.errno())
	}
	return s
}

func detailOpen(c *call) string {
	return fmt.Sprintf("(flags: %d, mode: %d) -> %d",
		int32(c.args[c.op.flagsArg]), c.args[c.op.modeArg], c.retval())
}

func detailMkdir(c *call) string {
	return fmt.Sprintf("(mode: %d) -> %d", c.args[c.op.modeArg], c.retval())
}

func detailSymlink(c *call) string {
	return fmt.Sprintf("-> %s -> %d", c.target, c.retval())
}

func detailClose(c *call) string {
	return fmt.Sprintf("-> %d", c.retval())
}

// detailStat emits the normalized result summary shared by every stat
// variant, whatever the width of the underlying structure. A failed call
// has no valid result structure and reports only the return value.
func detailStat(c *call) string {
	if c.stat == nil {
		return fmt.Sprintf("-> %d", c.retval())
	}
	return fmt.Sprintf("-> mode %d uid %d gid %d size %d -> %d",
		c.stat.Mode, c.stat.Uid, c.stat.Gid, c.stat.Size, c.retval())
}
