package health

import (
	"sync"

	"github.com/pkg/errors"
)

type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until the application marks
// startup as finished.
type StartupCompleteChecker struct {
	mu       sync.Mutex
	complete bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = true
}

func (c *StartupCompleteChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.complete {
		return errors.New("startup not complete")
	}
	return nil
}
