// Package interrupt turns termination signals into cooperative stop
// requests. A sync must never be killed between a transfer and the record
// write that confirms it, so signals only take effect at checkpoints.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// InterruptedError reports that the user requested a stop and the current
// operation ended at a safe point instead of finishing.
type InterruptedError struct {
	Signals int
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted by user (%d signal(s))", e.Signals)
}

// Controller counts SIGINT/SIGTERM. The first two signals request a
// cooperative stop at the next checkpoint; the third gives up on graceful
// shutdown and exits immediately.
type Controller struct {
	mu    sync.Mutex
	count int

	ch   chan os.Signal
	done chan struct{}
	exit func(code int)
}

// NewController returns a Controller. Call Start to install the handler.
func NewController() *Controller {
	return &Controller{exit: os.Exit}
}

// Start installs the signal handler. Stop must be called before the
// process finishes normally.
func (c *Controller) Start() {
	c.ch = make(chan os.Signal, 1)
	c.done = make(chan struct{})
	signal.Notify(c.ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-c.ch:
				c.handle()
			case <-c.done:
				return
			}
		}
	}()
}

// Stop uninstalls the handler, restoring default signal behavior.
func (c *Controller) Stop() {
	if c.ch == nil {
		return
	}
	signal.Stop(c.ch)
	close(c.done)
	c.ch = nil
}

func (c *Controller) handle() {
	c.mu.Lock()
	c.count++
	n := c.count
	c.mu.Unlock()
	if n >= 3 {
		fmt.Fprintln(os.Stderr, "repoyard: forced exit, work in progress may be incomplete")
		c.exit(130)
	}
}

// Requested reports whether a stop has been requested.
func (c *Controller) Requested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count > 0
}

// Checkpoint returns an InterruptedError once a stop has been requested,
// and nil otherwise. Long operations call it between work units.
func (c *Controller) Checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return nil
	}
	return &InterruptedError{Signals: c.count}
}
