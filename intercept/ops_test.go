package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func opByName(t *testing.T, name string) *operation {
	t.Helper()
	for i := range ops {
		if ops[i].name == name {
			return &ops[i]
		}
	}
	t.Fatalf("operation %q not in table", name)
	return nil
}

func TestBuildTable(t *testing.T) {
	tbl, err := buildTable()
	require.NoError(t, err)

	// Every intercepted name must resolve, to a distinct number.
	assert.Len(t, tbl, len(ops))
	for nr, op := range tbl {
		assert.Equal(t, op.nr, nr)
		assert.GreaterOrEqual(t, nr, 0)
	}
}

func TestResolveUnknownName(t *testing.T) {
	_, err := resolve("definitely_not_a_syscall")
	assert.Error(t, err)
}

func TestOpenRecordLine(t *testing.T) {
	c := &call{op: opByName(t, "openat"), path: "/tmp/data/a.txt", ret: 3}
	assert.Equal(t, "openat /tmp/data/a.txt (flags: 0, mode: 0) -> 3, errno 0", c.line())
}

func TestFailedOpenRecordLine(t *testing.T) {
	c := &call{op: opByName(t, "openat"), path: "/tmp/data/missing", ret: -2}
	c.args[2] = uint64(unix.O_WRONLY)
	assert.Equal(t, "openat /tmp/data/missing (flags: 1, mode: 0) -> -1, errno 2", c.line())
}

func TestCloseRecordLine(t *testing.T) {
	c := &call{op: opByName(t, "close"), ret: 0}
	c.args[0] = 5
	assert.Equal(t, "close 5 -> 0", c.line())
}

func TestMkdirRecordLine(t *testing.T) {
	c := &call{op: opByName(t, "mkdirat"), path: "/tmp/data/sub", ret: 0}
	c.args[2] = 0o755
	assert.Equal(t, "mkdirat /tmp/data/sub (mode: 493) -> 0, errno 0", c.line())
}

func TestSymlinkRecordLine(t *testing.T) {
	c := &call{op: opByName(t, "symlinkat"), path: "/tmp/data/link", target: "a.txt", ret: 0}
	assert.Equal(t, "symlinkat /tmp/data/link -> a.txt -> 0, errno 0", c.line())
}

func TestFstatRecordLine(t *testing.T) {
	c := &call{op: opByName(t, "fstat"), ret: 0}
	c.args[0] = 5
	c.stat = &unix.Stat_t{Mode: 33188, Uid: 1000, Gid: 1000, Size: 42}
	// Descriptor-keyed stat reports no error state.
	assert.Equal(t, "fstat 5 -> mode 33188 uid 1000 gid 1000 size 42 -> 0", c.line())
}

func TestFailedStatRecordLine(t *testing.T) {
	// No valid result structure, so no summary.
	c := &call{op: opByName(t, "fstatat"), path: "/tmp/data/missing", ret: -2}
	assert.Equal(t, "fstatat /tmp/data/missing -> -1, errno 2", c.line())
}
