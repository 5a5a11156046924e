//go:build !unix

package resource

import (
	"fmt"
	"runtime"
)

func lowerProcessPriority() error {
	return fmt.Errorf("priority adjustment not supported on %s", runtime.GOOS)
}
