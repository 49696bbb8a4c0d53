// Package intercept attaches the call-interception layer to a host
// process and drives the shim protocol for every intercepted call:
// forward unchanged, evaluate scope or descriptor correlation, append an
// audit record, update the descriptor registry. The host never observes
// a behavioral difference; the only side effects are the audit trail and
// forwarding latency.
package intercept

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/PlasmaPower/intercept-fs/audit"
	"github.com/PlasmaPower/intercept-fs/fdset"
	"github.com/PlasmaPower/intercept-fs/scope"
)

// ptraceOptions make syscall stops distinguishable from signal stops
// and keep new threads and child processes traced as they appear.
const ptraceOptions = syscall.PTRACE_O_TRACESYSGOOD |
	syscall.PTRACE_O_TRACECLONE |
	syscall.PTRACE_O_TRACEFORK |
	syscall.PTRACE_O_TRACEVFORK |
	syscall.PTRACE_O_TRACEEXEC

// sigSyscallStop is the stop signal reported for syscall entry and exit
// stops when PTRACE_O_TRACESYSGOOD is set.
const sigSyscallStop = syscall.SIGTRAP | 0x80

// Config carries the paths defining the audit scope.
type Config struct {
	// WatchedRoot is the directory subtree whose activity is audited.
	WatchedRoot string
	// AuditDir is where the trail is written. It is excluded from the
	// scope so the trail never observes its own writes.
	AuditDir string
}

// Tracer runs the interception layer against one host process. Every
// ptrace operation must happen on a single OS thread: Run locks it
// itself; callers of Attach and Trace must hold runtime.LockOSThread
// across both.
type Tracer struct {
	ops    table
	filter scope.Filter
	fds    *fdset.Registry
	trail  *audit.Trail
	cfg    Config

	pending map[int]*call // per-thread call captured at syscall entry
	seen    map[int]bool  // threads whose initial stop was consumed
}

// New builds the operation table and the scope filter. It fails if any
// intercepted operation cannot be resolved on the running platform.
func New(cfg Config) (*Tracer, error) {
	tbl, err := buildTable()
	if err != nil {
		return nil, err
	}
	return &Tracer{
		ops:     tbl,
		filter:  scope.New(cfg.WatchedRoot, cfg.AuditDir),
		fds:     fdset.NewRegistry(),
		cfg:     cfg,
		pending: make(map[int]*call),
		seen:    make(map[int]bool),
	}, nil
}

// Run starts argv under interception and audits it, and every thread it
// spawns, until it exits. The command's standard streams pass through
// untouched; its exit code is returned.
func (t *Tracer) Run(argv []string) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %q: %w", argv[0], err)
	}
	pid := cmd.Process.Pid

	// Once the child is stopped, every error return must kill and reap
	// it; nothing else will ever resume it.
	kill := func() {
		_ = cmd.Process.Kill()
		_, _ = syscall.Wait4(pid, nil, syscall.WALL, nil)
	}

	// The child stops with SIGTRAP once it has executed the new program.
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, syscall.WALL, nil); err != nil {
		kill()
		return 0, fmt.Errorf("waiting for initial stop of %q: %w", argv[0], err)
	}
	if !ws.Stopped() || ws.StopSignal() != syscall.SIGTRAP {
		kill()
		return 0, fmt.Errorf("expected initial trap from %q, got status %#x", argv[0], int(ws))
	}
	trail, err := audit.NewTrail(t.cfg.AuditDir, pid)
	if err != nil {
		kill()
		return 0, err
	}
	t.trail = trail
	defer trail.Close()

	t.seen[pid] = true
	if err := syscall.PtraceSetOptions(pid, ptraceOptions); err != nil {
		kill()
		return 0, fmt.Errorf("setting ptrace options on %d: %w", pid, err)
	}
	if err := syscall.PtraceSyscall(pid, 0); err != nil {
		kill()
		return 0, fmt.Errorf("resuming %d: %w", pid, err)
	}
	return t.loop(pid)
}

// Attach seizes every thread of an already-running process. Threads
// created while the list is being walked are picked up by re-listing
// until no new thread appears; threads created afterwards are traced
// through PTRACE_O_TRACECLONE.
func (t *Tracer) Attach(pid int) error {
	for {
		tids, err := listThreads(pid)
		if err != nil {
			return err
		}
		attached := 0
		for _, tid := range tids {
			if t.seen[tid] {
				continue
			}
			if err := t.attachThread(tid); err != nil {
				return err
			}
			attached++
		}
		if attached == 0 {
			break
		}
	}

	trail, err := audit.NewTrail(t.cfg.AuditDir, pid)
	if err != nil {
		return err
	}
	t.trail = trail
	logrus.Infof("Attached to %d threads of process %d", len(t.seen), pid)
	return nil
}

func (t *Tracer) attachThread(tid int) error {
	if err := syscall.PtraceAttach(tid); err != nil {
		return fmt.Errorf("attaching to thread %d: %w", tid, err)
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(tid, &ws, syscall.WALL, nil); err != nil {
		return fmt.Errorf("waiting for thread %d to stop: %w", tid, err)
	}
	if err := syscall.PtraceSetOptions(tid, ptraceOptions); err != nil {
		return fmt.Errorf("setting ptrace options on %d: %w", tid, err)
	}
	t.seen[tid] = true
	if err := syscall.PtraceSyscall(tid, 0); err != nil {
		return fmt.Errorf("resuming thread %d: %w", tid, err)
	}
	return nil
}

// Trace observes an attached process until it exits and returns its exit
// code. Must follow Attach on the same locked OS thread.
func (t *Tracer) Trace(pid int) (int, error) {
	defer t.trail.Close()
	return t.loop(pid)
}

// loop waits for stops from any traced thread and dispatches completed
// calls. It returns when the root process exits. Each thread's records
// are appended in its program order; cross-thread ordering exists only
// through the timestamps.
func (t *Tracer) loop(root int) (int, error) {
	for {
		var ws syscall.WaitStatus
		tid, err := syscall.Wait4(-1, &ws, syscall.WALL, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("waiting for tracees: %w", err)
		}

		switch {
		case ws.Exited():
			delete(t.pending, tid)
			delete(t.seen, tid)
			if tid == root {
				return ws.ExitStatus(), nil
			}
		case ws.Signaled():
			delete(t.pending, tid)
			delete(t.seen, tid)
			if tid == root {
				// ExitStatus is -1 for a killed process; report the
				// shell convention instead so callers can os.Exit it.
				return 128 + int(ws.Signal()), nil
			}
		case ws.Stopped():
			sig := 0
			switch {
			case ws.StopSignal() == sigSyscallStop:
				if err := t.handleSyscallStop(tid); err != nil {
					return 0, err
				}
			case ws.StopSignal() == syscall.SIGTRAP:
				// Exec, clone and attach administrivia; nothing to
				// record and nothing to deliver.
			case ws.StopSignal() == syscall.SIGSTOP && !t.seen[tid]:
				// First stop of a freshly cloned thread.
			default:
				sig = int(ws.StopSignal())
			}
			t.seen[tid] = true
			if err := syscall.PtraceSyscall(tid, sig); err != nil && err != syscall.ESRCH {
				return 0, fmt.Errorf("resuming thread %d: %w", tid, err)
			}
		}
	}
}

// handleSyscallStop processes one syscall entry or exit stop. Entry and
// exit are told apart by the return register: the kernel parks ENOSYS
// there between the two, so attaching mid-call cannot desynchronize the
// pairing.
func (t *Tracer) handleSyscallStop(tid int) error {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(tid, &regs); err != nil {
		if err == syscall.ESRCH {
			delete(t.pending, tid)
			return nil
		}
		return fmt.Errorf("reading registers of thread %d: %w", tid, err)
	}

	if returnValue(&regs) == -int64(syscall.ENOSYS) {
		nr, args := decodeArgs(&regs)
		c := &call{tid: tid, args: args}
		if op, ok := t.ops[nr]; ok {
			c.op = op
			if err := t.capture(c); err != nil {
				// The caller passed an unreadable pointer; the kernel
				// will fail the call and there is nothing to record.
				logrus.Debugf("dropping call on thread %d: %v", tid, err)
				c.op = nil
			}
		}
		t.pending[tid] = c
		return nil
	}

	c, ok := t.pending[tid]
	delete(t.pending, tid)
	if !ok || c.op == nil {
		return nil
	}
	// Error state is captured here, straight off the exit stop, before
	// any bookkeeping can disturb it.
	c.ret = returnValue(&regs)
	return t.complete(c)
}

// capture reads the string arguments at syscall entry, while the
// caller's pointers are valid.
func (t *Tracer) capture(c *call) error {
	var err error
	if c.op.pathArg >= 0 {
		if c.path, err = peekString(c.tid, c.args[c.op.pathArg]); err != nil {
			return err
		}
	}
	if c.op.targetArg >= 0 {
		if c.target, err = peekString(c.tid, c.args[c.op.targetArg]); err != nil {
			return err
		}
	}
	return nil
}

// complete runs the recording half of the shim protocol for a finished
// call: evaluate scope or descriptor correlation, decode the result
// structure, append the record, then update the registry strictly after
// the original call is known to have succeeded.
func (t *Tracer) complete(c *call) error {
	switch c.op.kind {
	case subjectPath:
		if !t.filter.InScope(c.path) {
			return nil
		}
	case subjectFD:
		if !t.fds.IsMarked(c.fd()) {
			return nil
		}
	}

	if c.op.statArg >= 0 && c.ret == 0 {
		st, err := peekStat(c.tid, c.args[c.op.statArg])
		if err != nil {
			logrus.Debugf("dropping stat summary on thread %d: %v", c.tid, err)
		} else {
			c.stat = st
		}
	}

	if err := t.trail.Record(c.tid, c.line()); err != nil {
		return err
	}

	switch c.op.action {
	case actionMark:
		if c.ret >= 0 {
			t.fds.Mark(int(c.ret))
		}
	case actionUnmark:
		if c.ret == 0 {
			t.fds.Unmark(c.fd())
		}
	}
	return nil
}

// listThreads returns the thread ids of pid from procfs.
func listThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, fmt.Errorf("listing threads of %d: %w", pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}
