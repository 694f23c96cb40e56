package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/webstore/offline-proxy/internal/cache"
)

// Registration owns the worker versions of one origin. At most one worker is
// active (answering requests) and at most one is waiting to replace it.
type Registration struct {
	storage     cache.Storage
	network     Fetcher
	opts        Options
	skipWaiting bool

	// serializes lifecycle changes, never held while serving requests
	mu      sync.Mutex
	active  atomic.Pointer[Worker]
	waiting *Worker
	retired []*Worker
}

// NewRegistration creates an empty registration. opts.Version is ignored: versions come from Update.
func NewRegistration(storage cache.Storage, network Fetcher, opts Options, skipWaiting bool) *Registration {
	return &Registration{
		storage:     storage,
		network:     network,
		opts:        opts,
		skipWaiting: skipWaiting,
	}
}

// Active returns the worker answering requests, or nil
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Waiting returns the installed worker waiting for activation, or nil
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Restore makes a previously installed bucket of version active without
// going to the network. It reports false when there is nothing to restore.
func (r *Registration) Restore(ctx context.Context, version string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active.Load() != nil {
		return false, nil
	}

	w := r.newWorker(version)
	ok, err := w.restore(ctx)
	if err != nil {
		return false, fmt.Errorf("restoring %s: %w", version, err)
	}
	if !ok {
		return false, nil
	}
	r.active.Store(w)
	return true, nil
}

// Update installs version. With skip-waiting the new worker is activated
// and claims every request immediately; otherwise it waits for SkipWaiting.
// Updating to the active or waiting version is a no-op.
func (r *Registration) Update(ctx context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if active := r.active.Load(); active != nil && active.Version() == version {
		logrus.Debugf("Version %s is already active", version)
		return nil
	}
	if r.waiting != nil && r.waiting.Version() == version {
		logrus.Debugf("Version %s is already waiting", version)
		return nil
	}

	w := r.newWorker(version)
	if err := w.Install(ctx); err != nil {
		return err
	}

	if r.waiting != nil {
		r.retire(r.waiting)
	}
	r.waiting = w

	if !r.skipWaiting {
		logrus.Infof("Version %s installed, waiting for activation", version)
		return nil
	}
	return r.activateWaiting(ctx)
}

// SkipWaiting activates the waiting worker
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting == nil {
		return ErrNoWaitingWorker
	}
	return r.activateWaiting(ctx)
}

// Wait blocks until the background work of every worker has finished
func (r *Registration) Wait() {
	r.mu.Lock()
	workers := append([]*Worker(nil), r.retired...)
	r.retired = nil
	if r.waiting != nil {
		workers = append(workers, r.waiting)
	}
	r.mu.Unlock()

	if active := r.active.Load(); active != nil {
		workers = append(workers, active)
	}
	for _, w := range workers {
		w.Wait()
	}
}

func (r *Registration) newWorker(version string) *Worker {
	opts := r.opts
	opts.Version = version
	return New(r.storage, r.network, opts)
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	w := r.waiting
	if err := w.Activate(ctx); err != nil {
		return err
	}
	r.waiting = nil

	// claim: requests go to the new worker from now on
	if old := r.active.Swap(w); old != nil {
		r.retire(old)
	}
	logrus.Infof("Version %s is now active", w.Version())
	return nil
}

func (r *Registration) retire(w *Worker) {
	w.setState(StateRedundant)
	r.retired = append(r.retired, w)
}
