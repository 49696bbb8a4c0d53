package intercept

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/PlasmaPower/intercept-fs/audit"
	"github.com/PlasmaPower/intercept-fs/fdset"
	"github.com/PlasmaPower/intercept-fs/scope"
)

// testTracer wires a tracer around a trail in a temporary directory so
// the dispatch protocol can be exercised without ptrace.
func testTracer(t *testing.T) (*Tracer, string) {
	t.Helper()
	root := t.TempDir()
	auditDir := filepath.Join(root, "intercepts")
	trail, err := audit.NewTrail(auditDir, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })
	return &Tracer{
		filter:  scope.New(root, auditDir),
		fds:     fdset.NewRegistry(),
		trail:   trail,
		pending: make(map[int]*call),
		seen:    make(map[int]bool),
	}, root
}

func records(t *testing.T, auditDir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(auditDir, "*.log"))
	require.NoError(t, err)
	var lines []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		for _, line := range strings.Split(string(data), "\n") {
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	return lines
}

func countContaining(lines []string, substr string) int {
	n := 0
	for _, line := range lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestDispatchMarksInScopeOpen(t *testing.T) {
	tr, root := testTracer(t)

	c := &call{op: opByName(t, "openat"), tid: 1, path: filepath.Join(root, "a.txt"), ret: 7}
	require.NoError(t, tr.complete(c))

	assert.True(t, tr.fds.IsMarked(7))
	lines := records(t, tr.trail.Dir())
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], " openat "+filepath.Join(root, "a.txt")+" (flags: 0, mode: 0) -> 7, errno 0")
}

func TestDispatchIgnoresOutOfScopeOpen(t *testing.T) {
	tr, _ := testTracer(t)

	c := &call{op: opByName(t, "openat"), tid: 1, path: "/somewhere/else", ret: 7}
	require.NoError(t, tr.complete(c))

	assert.False(t, tr.fds.IsMarked(7))
	assert.Empty(t, records(t, tr.trail.Dir()))
}

func TestDispatchFailedOpenRecordedNotMarked(t *testing.T) {
	tr, root := testTracer(t)

	c := &call{op: opByName(t, "openat"), tid: 1, path: filepath.Join(root, "missing"), ret: -2}
	require.NoError(t, tr.complete(c))

	assert.Equal(t, 0, tr.fds.Len())
	lines := records(t, tr.trail.Dir())
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "-> -1, errno 2")
}

func TestDispatchAuditDirExcluded(t *testing.T) {
	tr, _ := testTracer(t)

	c := &call{op: opByName(t, "openat"), tid: 1, path: filepath.Join(tr.trail.Dir(), "1000.1.log"), ret: 3}
	require.NoError(t, tr.complete(c))

	assert.Empty(t, records(t, tr.trail.Dir()))
}

func TestDispatchCloseOnlyWhenMarked(t *testing.T) {
	tr, _ := testTracer(t)

	unmarked := &call{op: opByName(t, "close"), tid: 1, ret: 0}
	unmarked.args[0] = 9
	require.NoError(t, tr.complete(unmarked))
	assert.Empty(t, records(t, tr.trail.Dir()))

	tr.fds.Mark(9)
	marked := &call{op: opByName(t, "close"), tid: 1, ret: 0}
	marked.args[0] = 9
	require.NoError(t, tr.complete(marked))

	lines := records(t, tr.trail.Dir())
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], " close 9 -> 0")
	assert.False(t, tr.fds.IsMarked(9))

	// A second close of the now-stale value produces nothing further.
	require.NoError(t, tr.complete(marked))
	assert.Len(t, records(t, tr.trail.Dir()), 1)
}

func TestDispatchFailedCloseStaysMarked(t *testing.T) {
	tr, _ := testTracer(t)

	tr.fds.Mark(4)
	c := &call{op: opByName(t, "close"), tid: 1, ret: -9} // EBADF
	c.args[0] = 4
	require.NoError(t, tr.complete(c))

	// Recorded, but membership only changes on success.
	assert.Len(t, records(t, tr.trail.Dir()), 1)
	assert.True(t, tr.fds.IsMarked(4))
}

const (
	helperEnv    = "INTERCEPT_FS_HELPER"
	helperDirEnv = "INTERCEPT_FS_DIR"
)

// TestHelperProcess is the traced child for TestRunAudit. It performs a
// fixed set of filesystem calls against the directory named in the
// environment and exits.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	dir := os.Getenv(helperDirEnv)
	path := filepath.Join(dir, "a.txt")

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		os.Exit(2)
	}
	if _, err := unix.Write(fd, []byte("hi")); err != nil {
		os.Exit(2)
	}
	if err := unix.Close(fd); err != nil {
		os.Exit(2)
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		os.Exit(2)
	}
	if err := unix.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		os.Exit(2)
	}
	if err := unix.Symlink("a.txt", filepath.Join(dir, "link")); err != nil {
		os.Exit(2)
	}
	// Expected to fail with ENOENT; the failure itself must be recorded.
	unix.Open(filepath.Join(dir, "nope"), unix.O_RDONLY, 0)

	// Out-of-scope activity must leave no trace.
	outside, err := os.CreateTemp("", "intercept-outside-*")
	if err == nil {
		outside.Close()
		os.Remove(outside.Name())
	}

	os.Exit(0)
}

// TestThreadedHelperProcess opens one distinct file from each of four
// goroutines pinned to their own OS threads. All four descriptors are
// held open across a barrier before any is closed, so the kernel must
// hand out four distinct values.
func TestThreadedHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "threads" {
		return
	}
	dir := os.Getenv(helperDirEnv)

	var opened, done sync.WaitGroup
	opened.Add(4)
	done.Add(4)
	for i := 0; i < 4; i++ {
		go func(i int) {
			defer done.Done()
			runtime.LockOSThread()
			fd, err := unix.Open(filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), unix.O_CREAT|unix.O_WRONLY, 0o644)
			if err != nil {
				os.Exit(2)
			}
			opened.Done()
			opened.Wait()
			unix.Close(fd)
		}(i)
	}
	done.Wait()
	os.Exit(0)
}

func TestRunConcurrentOpens(t *testing.T) {
	root := t.TempDir()
	auditDir := filepath.Join(root, "intercepts")

	t.Setenv(helperEnv, "threads")
	t.Setenv(helperDirEnv, root)

	tracer, err := New(Config{WatchedRoot: root, AuditDir: auditDir})
	require.NoError(t, err)

	code, err := tracer.Run([]string{os.Args[0], "-test.run=TestThreadedHelperProcess"})
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("ptrace unavailable: %v", err)
	}
	require.NoError(t, err)
	require.Equal(t, 0, code)

	lines := records(t, auditDir)

	// Exactly one open record per path, and the four descriptors the
	// records report are all distinct: the files were open at the same
	// time, a shared value would mean records crossed between threads.
	fds := make(map[int]bool)
	for i := 0; i < 4; i++ {
		path := filepath.Join(root, fmt.Sprintf("f%d.txt", i))
		var match string
		for _, line := range lines {
			if strings.Contains(line, " openat "+path+" ") {
				assert.Empty(t, match, "duplicate open record for %s: %v", path, lines)
				match = line
			}
		}
		require.NotEmpty(t, match, "no open record for %s: %v", path, lines)

		ret := strings.TrimSuffix(match[strings.LastIndex(match, "-> ")+3:], ", errno 0")
		fd, err := strconv.Atoi(ret)
		require.NoError(t, err, "unparseable return in %q", match)
		fds[fd] = true
	}
	assert.Len(t, fds, 4, "lines: %v", lines)

	assert.Equal(t, 4, countContaining(lines, " close "), "lines: %v", lines)
}

func TestRunAudit(t *testing.T) {
	root := t.TempDir()
	auditDir := filepath.Join(root, "intercepts")

	t.Setenv(helperEnv, "1")
	t.Setenv(helperDirEnv, root)

	tracer, err := New(Config{WatchedRoot: root, AuditDir: auditDir})
	require.NoError(t, err)

	code, err := tracer.Run([]string{os.Args[0], "-test.run=TestHelperProcess"})
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("ptrace unavailable: %v", err)
	}
	require.NoError(t, err)
	require.Equal(t, 0, code)

	lines := records(t, auditDir)
	aPath := filepath.Join(root, "a.txt")

	assert.Equal(t, 1, countContaining(lines, " openat "+aPath+" "), "lines: %v", lines)
	assert.Equal(t, 1, countContaining(lines, " close "))
	assert.Equal(t, 1, countContaining(lines, " mkdirat "+filepath.Join(root, "sub")+" (mode: 493) -> 0, errno 0"))
	assert.Equal(t, 1, countContaining(lines, " symlinkat "+filepath.Join(root, "link")+" -> a.txt -> 0, errno 0"))
	assert.Equal(t, 1, countContaining(lines, " openat "+filepath.Join(root, "nope")+" (flags: 0, mode: 0) -> -1, errno 2"))

	statLines := countContaining(lines, " "+aPath+" -> mode ")
	assert.Equal(t, 1, statLines, "lines: %v", lines)
	assert.Equal(t, 1, countContaining(lines, " size 2 -> 0, errno 0"))

	assert.Equal(t, 0, countContaining(lines, "intercept-outside"))
}

func TestRunTrailFailureReapsChild(t *testing.T) {
	root := t.TempDir()

	t.Setenv(helperEnv, "1")
	t.Setenv(helperDirEnv, root)

	// The audit directory's parent does not exist, so trail creation
	// fails after the child has already reached its initial stop.
	tracer, err := New(Config{
		WatchedRoot: root,
		AuditDir:    filepath.Join(root, "missing", "intercepts"),
	})
	require.NoError(t, err)

	_, err = tracer.Run([]string{os.Args[0], "-test.run=TestHelperProcess"})
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("ptrace unavailable: %v", err)
	}
	require.Error(t, err)

	// The stopped child must have been killed and reaped, not left
	// behind: with no children remaining, wait reports ECHILD.
	var ws syscall.WaitStatus
	_, werr := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
	assert.Equal(t, syscall.ECHILD, werr)
}
