//go:build !linux

package stress

import (
	"errors"
	"os"
	"time"
)

// threadID falls back to the process id where thread ids are not exposed.
func threadID() int { return os.Getpid() }

func threadCPUTime() (time.Duration, error) { return 0, errors.ErrUnsupported }
