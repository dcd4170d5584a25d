//go:build !linux

package executor

import (
	"fmt"
	"os/exec"
	"runtime"
)

func isolateNetwork(*exec.Cmd) error {
	return fmt.Errorf("%w: network namespaces are not supported on %s", ErrNetworkIsolationUnavailable, runtime.GOOS)
}
