package intercept

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// pathMax bounds how much tracee memory a single string read may touch.
const pathMax = 4096

// peekString reads a NUL-terminated string out of the tracee's memory.
// Called at syscall entry, while the caller's pointer is live, so the
// recorded path is exactly what the caller requested.
func peekString(tid int, addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	var out []byte
	buf := make([]byte, 64)
	for len(out) < pathMax {
		n, err := syscall.PtracePeekData(tid, uintptr(addr)+uintptr(len(out)), buf)
		if n == 0 {
			if err == nil {
				err = syscall.EIO
			}
			return "", fmt.Errorf("reading string at %#x from thread %d: %w", addr, tid, err)
		}
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf[:n]...)
		if n < len(buf) {
			break
		}
	}
	return string(out), nil
}

// peekStat decodes the result structure of a successful stat-family
// call from the tracee's memory. unix.Stat_t matches the width variant
// each platform's table intercepts.
func peekStat(tid int, addr uint64) (*unix.Stat_t, error) {
	var st unix.Stat_t
	buf := make([]byte, binary.Size(&st))
	if _, err := syscall.PtracePeekData(tid, uintptr(addr), buf); err != nil {
		return nil, fmt.Errorf("reading stat result at %#x from thread %d: %w", addr, tid, err)
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &st); err != nil {
		return nil, fmt.Errorf("decoding stat result: %w", err)
	}
	return &st, nil
}
