package reaper

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"cdr.dev/slog"
	reap "github.com/hashicorp/go-reap"
	"github.com/sourcegraph/conc"
)

// IsInitProcess reports whether the service runs as PID 1, typically as
// the entrypoint of a container without an init
func IsInitProcess() bool {
	return os.Getpid() == 1
}

type Options struct {
	// Force reaps even when the process is not PID 1
	Force  bool
	Logger slog.Logger
}

// Reaper
//
//	Collects orphaned children that were re-parented to this process. Code
//	that waits on its own children must hold Lock() for reading between
//	starting and waiting on them, otherwise the reaper may steal their exit
//	status.
type Reaper struct {
	lock    *sync.RWMutex
	done    chan struct{}
	once    sync.Once
	wg      *conc.WaitGroup
	logger  slog.Logger
	reaped  atomic.Int64
	running bool
}

func New(opts Options) *Reaper {
	r := &Reaper{
		lock:   &sync.RWMutex{},
		done:   make(chan struct{}),
		wg:     conc.NewWaitGroup(),
		logger: opts.Logger.Named("reaper"),
	}

	if !reap.IsSupported() || (!opts.Force && !IsInitProcess()) {
		return r
	}

	pids := make(reap.PidCh, 16)
	errs := make(reap.ErrorCh, 16)

	r.running = true
	r.wg.Go(func() {
		reap.ReapChildren(pids, errs, r.done, r.lock)
		close(pids)
		close(errs)
	})
	r.wg.Go(func() {
		for pid := range pids {
			r.reaped.Add(1)
			r.logger.Debug(context.Background(), "reaped orphan", slog.F("pid", pid))
		}
	})
	r.wg.Go(func() {
		for err := range errs {
			r.logger.Warn(context.Background(), "failed to reap child", slog.Error(err))
		}
	})

	r.logger.Info(context.Background(), "reaping orphaned children")
	return r
}

// Running reports whether orphans are being reaped
func (r *Reaper) Running() bool {
	return r.running
}

// Lock returns the lock that pauses reaping while held for reading
func (r *Reaper) Lock() *sync.RWMutex {
	return r.lock
}

// Reaped returns the number of orphans collected so far
func (r *Reaper) Reaped() int64 {
	return r.reaped.Load()
}

// Stop ends reaping and waits for the reaper goroutines to exit
func (r *Reaper) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
