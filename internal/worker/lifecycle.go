package worker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/webstore/offline-proxy/internal/cache/httpcache"
)

type precached struct {
	key      string
	snapshot []byte
}

// Install opens the version bucket and fills it with the precache list.
// It is all-or-nothing: if any entry cannot be fetched with a 2xx status,
// nothing is committed and the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) (err error) {
	ctx, span := w.tracer.Start(ctx, "worker.install", trace.WithAttributes(
		attribute.String("cache.version", w.opts.Version),
		attribute.Int("precache.size", len(w.opts.Precache)),
	))
	defer span.End()

	if !w.transition(StateParsed, StateInstalling) {
		return fmt.Errorf("%w: cannot install from %s", ErrInvalidState, w.State())
	}

	defer func() {
		w.opts.Metrics.Install(err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			w.setState(StateRedundant)
			w.log().Errorf("Install failed: %v", err)
			return
		}
		w.setState(StateInstalled)
		w.log().Infof("Installed, %d entries precached", len(w.opts.Precache))
	}()

	existed, err := w.storage.Has(ctx, w.opts.Version)
	if err != nil {
		return fmt.Errorf("%w: checking bucket: %w", ErrInstallFailed, err)
	}

	bucket, err := w.storage.Open(ctx, w.opts.Version)
	if err != nil {
		return fmt.Errorf("%w: opening bucket: %w", ErrInstallFailed, err)
	}

	// do not leave a half-filled bucket behind, unless it predates this install
	discard := func() {
		if existed {
			return
		}
		if _, err := w.storage.Delete(context.WithoutCancel(ctx), w.opts.Version); err != nil {
			w.log().Errorf("Failed to discard bucket after failed install: %v", err)
		}
	}

	entries, err := w.precache(ctx)
	if err != nil {
		discard()
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	for _, entry := range entries {
		if err := bucket.Set(ctx, entry.key, entry.snapshot); err != nil {
			discard()
			return fmt.Errorf("%w: storing %s: %w", ErrInstallFailed, entry.key, err)
		}
	}

	if err := bucket.Set(ctx, installedMarker, []byte(strconv.FormatInt(time.Now().Unix(), 10))); err != nil {
		discard()
		return fmt.Errorf("%w: marking bucket ready: %w", ErrInstallFailed, err)
	}

	w.cache = httpcache.New(bucket)
	return nil
}

// precache fetches every precache entry concurrently. The first failure cancels the rest.
func (w *Worker) precache(ctx context.Context) ([]precached, error) {
	entries := make([]precached, len(w.opts.Precache))

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range w.opts.Precache {
		g.Go(func() error {
			u, err := w.resolve(p)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}

			resp, err := w.network.Do(req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("precache %s: unexpected status %d", p, resp.StatusCode)
			}

			snapshot, err := httpcache.Serialize(resp)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}

			entries[i] = precached{key: httpcache.GenerateKey(u), snapshot: snapshot}
			w.log().Debugf("Precached %s", u)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Activate deletes every bucket except the worker's own.
// A bucket that cannot be deleted is logged and left for the next activation.
func (w *Worker) Activate(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "worker.activate", trace.WithAttributes(
		attribute.String("cache.version", w.opts.Version),
	))
	defer span.End()

	if !w.transition(StateInstalled, StateActivating) {
		return fmt.Errorf("%w: cannot activate from %s", ErrInvalidState, w.State())
	}

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.log().Errorf("Failed to list cache buckets: %v", err)
	}

	for _, name := range names {
		if name == w.opts.Version {
			continue
		}
		deleted, err := w.storage.Delete(ctx, name)
		if err != nil {
			span.RecordError(err)
			w.log().Errorf("Failed to delete stale bucket %s: %v", name, err)
			continue
		}
		if deleted {
			w.opts.Metrics.BucketDeleted()
			w.log().Infof("Deleted stale bucket %s", name)
		}
	}

	w.setState(StateActivated)
	w.opts.Metrics.Activation()
	w.log().Infof("Activated")
	return nil
}

// restore adopts a bucket left by a previous run of the same version.
// It reports false when the bucket is missing or was never fully installed.
func (w *Worker) restore(ctx context.Context) (bool, error) {
	exists, err := w.storage.Has(ctx, w.opts.Version)
	if err != nil || !exists {
		return false, err
	}

	bucket, err := w.storage.Open(ctx, w.opts.Version)
	if err != nil {
		return false, err
	}
	marker, err := bucket.Get(ctx, installedMarker)
	if err != nil || marker == nil {
		return false, err
	}

	w.cache = httpcache.New(bucket)
	w.setState(StateActivated)
	w.log().Infof("Restored installed bucket")
	return true, nil
}
