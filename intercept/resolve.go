package intercept

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
)

// resolve maps a syscall name to its number on the running platform.
// This is the only place that consults the platform's symbol knowledge;
// the rest of the layer works purely with the resolved table.
func resolve(name string) (int, error) {
	nr, err := seccomp.GetSyscallFromName(name)
	if err != nil {
		return 0, fmt.Errorf("resolving syscall %q: %w", name, err)
	}
	return int(nr), nil
}
