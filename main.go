package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/syslog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	spec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"golang.org/x/sys/unix"

	"github.com/PlasmaPower/intercept-fs/intercept"
)

const (
	// AttachTimeout is the timeout in seconds to wait for the child process
	// to signal that it attached to the target.
	AttachTimeout = 10
	// RootPrefix is the prefix for the watched root in the runtime annotation.
	RootPrefix = "wr:"
	// AuditDirPrefix is the prefix for the audit directory in the runtime annotation.
	AuditDirPrefix = "od:"
	// HookAnnotation is the runtime-spec annotation used to start and run
	// the interception layer by passing arguments.
	HookAnnotation = "io.containers.intercept-fs"
)

var (
	// version is the version string of the hook. Set at build time.
	version string
	// errInvalidAnnotation denotes an error for an invalid runtime annotation.
	errInvalidAnnotation = errors.New("invalid annotation")
)

func main() {
	// To facilitate debugging, write all diagnostics to the syslog; the
	// traced command owns the standard streams, so we must not claim them.
	if hook, err := logrus_syslog.NewSyslogHook("", "", syslog.LOG_INFO, ""); err == nil {
		logrus.AddHook(hook)
	}

	watchedRoot := flag.String("w", "/tmp", "Watched root directory")
	auditDir := flag.String("o", "", "Audit directory (default: <watched root>/intercepts)")
	attachPid := flag.Int("p", 0, "Attach to the specified PID")
	start := flag.Bool("s", false, "Start tracing and read the state spec from stdin")
	notify := flag.Bool("notify", false, "Signal the parent process once tracing has started")
	printVersion := flag.Bool("version", false, "Print the version")
	flag.Parse()

	// Validate input.
	if !filepath.IsAbs(*watchedRoot) {
		logrus.Fatal("Watched root is not absolute")
	}
	if *auditDir == "" {
		*auditDir = filepath.Join(*watchedRoot, "intercepts")
	}
	if !filepath.IsAbs(*auditDir) {
		logrus.Fatal("Audit directory is not absolute")
	}
	cfg := intercept.Config{
		WatchedRoot: filepath.Clean(*watchedRoot),
		AuditDir:    filepath.Clean(*auditDir),
	}

	// Execute commands.
	var err error
	switch {
	case *printVersion:
		fmt.Println(version)
	case *attachPid > 0:
		err = attachAndTrace(*attachPid, cfg, *notify)
	case *start:
		logrus.Infof("Started intercept-fs hook version %s", version)
		err = detachAndTrace()
	case flag.NArg() > 0:
		var code int
		if code, err = runAndTrace(flag.Args(), cfg); err == nil {
			os.Exit(code)
		}
	default:
		logrus.Fatalf("Unsupported arguments: %v", os.Args)
	}

	if err != nil {
		logrus.Fatalf("%v: please refer to the syslog (e.g., journalctl(1)) for more details", err)
	}
}

// runAndTrace runs the command under the interception layer and returns
// its exit code.
func runAndTrace(argv []string, cfg intercept.Config) (int, error) {
	tracer, err := intercept.New(cfg)
	if err != nil {
		return 0, err
	}
	code, err := tracer.Run(argv)
	if err != nil {
		return 0, err
	}
	logrus.Infof("Command %q exited with code %d", argv[0], code)
	return code, nil
}

// attachAndTrace attaches to a running process and audits it until it
// exits. When notify is set (hook mode), the parent is told via SIGUSR1
// that tracing started, or via SIGUSR2 that it could not.
func attachAndTrace(pid int, cfg intercept.Config, notify bool) (finalErr error) {
	ppid := os.Getppid()
	parentProcess, err := os.FindProcess(ppid)
	if err != nil {
		return fmt.Errorf("cannot find parent process %d: %v", ppid, err)
	}

	signaledParent := false
	defer func() {
		if notify && !signaledParent && finalErr != nil {
			logrus.Infof("Sending SIGUSR2 to parent (%d)", ppid)
			if err := parentProcess.Signal(unix.SIGUSR2); err != nil {
				logrus.Errorf("error sending signal to parent process: %v", err)
			}
		}
	}()

	tracer, err := intercept.New(cfg)
	if err != nil {
		return err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := tracer.Attach(pid); err != nil {
		return err
	}

	if notify {
		if err := parentProcess.Signal(unix.SIGUSR1); err != nil {
			return err
		}
		signaledParent = true
	}

	code, err := tracer.Trace(pid)
	if err != nil {
		return err
	}
	logrus.Infof("Process %d exited with code %d", pid, code)
	return nil
}

// detachAndTrace re-executes the current executable to "fork" in a go-ish
// way and attaches to the PID named by the state spec on stdin.
func detachAndTrace() error {
	// Read the State spec from stdin and unmarshal it.
	var s spec.State
	reader := bufio.NewReader(os.Stdin)
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(&s); err != nil {
		return err
	}

	// Sanity check the PID.
	if s.Pid <= 0 {
		return fmt.Errorf("invalid PID %d (must be greater than 0)", s.Pid)
	}

	// Parse the State's annotation.
	annotation := s.Annotations[HookAnnotation]
	watchedRoot, auditDir, err := parseAnnotation(annotation)
	if err != nil {
		return err
	}

	// We are running as a hook and are hence blocking the container
	// (engine) from running. Go doesn't allow for forking, so we are using
	// a common trick in go land and execute ourselves and exit. This way,
	// we're passing the arguments (i.e., the PID and the scope) to the
	// child process which can start tracing.
	//
	// We're waiting at most for `AttachTimeout` seconds for a SIGUSR1 from
	// the child to signal they attached to the target successfully.
	// Otherwise, we're shooting down the child process and return an error.
	attr := &os.ProcAttr{
		Dir: ".",
		Env: os.Environ(),
		Files: []*os.File{
			os.Stdin,
			nil,
			nil,
		},
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGUSR1, unix.SIGUSR2)

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable: %v", err)
	}

	process, err := os.StartProcess(executable, []string{"intercept-fs", "-p", strconv.Itoa(s.Pid), "-w", watchedRoot, "-o", auditDir, "-notify"}, attr)
	if err != nil {
		return fmt.Errorf("cannot re-execute: %v", err)
	}
	defer func() {
		if err := process.Release(); err != nil {
			logrus.Errorf("Error releasing process: %v", err)
		}
	}()

	select {
	// Check which signal we received and act accordingly.
	case s := <-sig:
		logrus.Infof("Received signal (presumably from child): %v", s)
		switch s {
		case unix.SIGUSR1:
			// Child attached. We can safely detach.
		case unix.SIGUSR2:
			return errors.New("error while attaching")
		default:
			return fmt.Errorf("unexpected signal %v", s)
		}

	// The timeout kicked in. Kill the child and return the sad news.
	case <-time.After(AttachTimeout * time.Second):
		if err := process.Kill(); err != nil {
			logrus.Errorf("error killing child process: %v", err)
		}
		return fmt.Errorf("interception layer didn't attach within %d seconds", AttachTimeout)
	}

	return nil
}

// parseAnnotation parses the provided annotation and extracts the
// mandatory watched root and the optional audit directory.
func parseAnnotation(annotation string) (watchedRoot string, auditDir string, err error) {
	annotationSplit := strings.Split(annotation, ";")
	if len(annotationSplit) > 2 {
		return "", "", fmt.Errorf("%v: more than one semi-colon: %q", errInvalidAnnotation, annotation)
	}
	for _, value := range annotationSplit {
		switch {
		// Watched root
		case strings.HasPrefix(value, RootPrefix):
			watchedRoot = strings.TrimSpace(strings.TrimPrefix(value, RootPrefix))
			if !filepath.IsAbs(watchedRoot) {
				return "", "", fmt.Errorf("%v: watched root must be absolute: %q", errInvalidAnnotation, watchedRoot)
			}

		// Audit directory
		case strings.HasPrefix(value, AuditDirPrefix):
			auditDir = strings.TrimSpace(strings.TrimPrefix(value, AuditDirPrefix))
			if !filepath.IsAbs(auditDir) {
				return "", "", fmt.Errorf("%v: audit directory must be absolute: %q", errInvalidAnnotation, auditDir)
			}

		// Unsupported default
		default:
			return "", "", fmt.Errorf("%v: must start with %q or %q prefix", errInvalidAnnotation, RootPrefix, AuditDirPrefix)
		}
	}

	if watchedRoot == "" {
		return "", "", fmt.Errorf("%v: providing the watched root is mandatory", errInvalidAnnotation)
	}
	if auditDir == "" {
		auditDir = filepath.Join(watchedRoot, "intercepts")
	}

	return watchedRoot, auditDir, nil
}
