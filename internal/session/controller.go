// Package session implements the preview session state machine. A Controller
// holds at most one open preview; each open, retry or close bumps a generation
// counter and a finishing load only commits when its captured generation is
// still current.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"previewd/internal/failure"
	"previewd/internal/filetype"
	"previewd/internal/metrics"
	"previewd/internal/models"
	"previewd/internal/worker"
)

// Runner executes load jobs asynchronously; Submit is called with the
// controller lock held and must not run the job inline. *worker.Dispatcher
// implements it.
type Runner interface {
	Submit(job worker.Job) error
}

// Options configures a Controller. Zero values select no-op collaborators.
type Options struct {
	Mirror Mirror
	Logger *zap.Logger
	Now    func() time.Time
}

// Controller is the preview session of a single viewer.
type Controller struct {
	viewer string
	loader Loader
	runner Runner
	mirror Mirror
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	gen      uint64
	rev      uint64
	state    models.LoadState
	desc     *models.FileDescriptor
	category filetype.Category
	parsed   *models.Parsed
	err      error
	active   int
	updated  time.Time
	done     chan struct{}
	settled  bool
	cancel   context.CancelFunc

	pubMu   sync.Mutex
	lastRev uint64
}

// NewController returns a closed session for viewer.
func NewController(viewer string, loader Loader, runner Runner, opts Options) *Controller {
	c := &Controller{
		viewer: viewer,
		loader: loader,
		runner: runner,
		mirror: opts.Mirror,
		logger: opts.Logger,
		now:    opts.Now,
		state:  models.StateClosed,
	}
	if c.mirror == nil {
		c.mirror = NopMirror{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.logger = c.logger.With(zap.String("viewer", viewer))
	c.updated = c.now()
	return c
}

// Viewer returns the viewer the controller belongs to.
func (c *Controller) Viewer() string { return c.viewer }

// Open replaces any current session with one for desc and starts loading it.
func (c *Controller) Open(desc models.FileDescriptor) models.Snapshot {
	c.mu.Lock()
	c.releaseLocked()
	c.desc = &desc
	c.category = filetype.Classify(desc.DeclaredType)
	snap, rev := c.beginLocked()
	c.mu.Unlock()

	c.logger.Info("open preview",
		zap.String("name", desc.Name()),
		zap.String("type", desc.DeclaredType),
		zap.Stringer("category", snap.Category),
		zap.Uint64("generation", snap.Generation),
	)
	c.publish(snap, rev)
	return snap
}

// Retry reloads the current descriptor. It is a no-op unless the session
// has failed.
func (c *Controller) Retry() models.Snapshot {
	c.mu.Lock()
	if c.state != models.StateFailed || c.desc == nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	c.releaseLocked()
	snap, rev := c.beginLocked()
	c.mu.Unlock()

	c.logger.Info("retry preview", zap.Uint64("generation", snap.Generation))
	c.publish(snap, rev)
	return snap
}

// Close discards the descriptor and parsed content from any state.
func (c *Controller) Close() models.Snapshot {
	c.mu.Lock()
	c.releaseLocked()
	c.gen++
	c.desc = nil
	c.category = filetype.Unsupported
	c.parsed = nil
	c.err = nil
	c.active = 0
	c.done = nil
	snap, rev := c.transitionLocked(models.StateClosed)
	c.mu.Unlock()

	c.publish(snap, rev)
	return snap
}

// SelectSheet switches the active sheet of a ready spreadsheet. It reports
// false and changes nothing for any other state or an out-of-range index.
func (c *Controller) SelectSheet(index int) (models.Snapshot, bool) {
	c.mu.Lock()
	if c.state != models.StateReady || c.category != filetype.Spreadsheet ||
		index < 0 || index >= c.parsed.SheetCount() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, false
	}
	c.active = index
	snap, rev := c.transitionLocked(models.StateReady)
	c.mu.Unlock()

	c.publish(snap, rev)
	return snap, true
}

// Snapshot returns the public view of the session.
func (c *Controller) Snapshot() models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// View returns the snapshot together with the parsed payload it describes.
func (c *Controller) View() (models.Snapshot, *models.Parsed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), c.parsed
}

// Wait blocks until the generation current at call time settles (ready,
// failed, or superseded) or ctx ends, then returns the latest snapshot.
func (c *Controller) Wait(ctx context.Context) (models.Snapshot, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return c.Snapshot(), nil
	}
	select {
	case <-done:
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// beginLocked starts a new generation for the current descriptor.
func (c *Controller) beginLocked() (models.Snapshot, uint64) {
	c.gen++
	c.parsed = nil
	c.err = nil
	c.active = 0
	c.done = make(chan struct{})
	c.settled = false

	switch c.category {
	case filetype.Image, filetype.Pdf:
		c.parsed = &models.Parsed{}
		c.settleLocked()
		return c.transitionLocked(models.StateReady)
	case filetype.Unsupported:
		c.err = failure.New(failure.KindUnsupportedType, "no preview for type %q", c.desc.DeclaredType)
		c.settleLocked()
		return c.transitionLocked(models.StateFailed)
	}

	gen := c.gen
	desc := *c.desc
	category := c.category
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	err := c.runner.Submit(worker.Job{
		Key:  c.viewer,
		Name: "load " + category.String(),
		Run: func(jobCtx context.Context) {
			stop := context.AfterFunc(jobCtx, cancel)
			defer stop()
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("preview load panicked", zap.Uint64("generation", gen), zap.Any("panic", r))
					c.complete(gen, nil, failure.Wrap(failure.KindParse, fmt.Errorf("%v", r), "load"))
				}
			}()
			parsed, err := c.loader.Load(ctx, desc, category)
			c.complete(gen, parsed, err)
		},
	})
	if err != nil {
		cancel()
		c.cancel = nil
		if errors.Is(err, worker.ErrQueueFull) {
			metrics.JobsRejected.Inc()
		}
		c.err = failure.Wrap(failure.KindBusy, err, "submit load")
		c.settleLocked()
		return c.transitionLocked(models.StateFailed)
	}
	return c.transitionLocked(models.StateLoading)
}

// complete commits a load result if gen is still the current generation.
func (c *Controller) complete(gen uint64, parsed *models.Parsed, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		metrics.StaleResults.Inc()
		c.logger.Debug("discard stale load", zap.Uint64("generation", gen))
		return
	}
	c.cancel = nil
	var snap models.Snapshot
	var rev uint64
	if err == nil && parsed == nil {
		err = failure.New(failure.KindParse, "loader returned no content")
	}
	if err != nil {
		c.err = err
		snap, rev = c.transitionLocked(models.StateFailed)
	} else {
		c.parsed = parsed
		c.active = 0
		snap, rev = c.transitionLocked(models.StateReady)
	}
	c.settleLocked()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("preview load failed",
			zap.Uint64("generation", gen),
			zap.String("kind", string(failure.KindOf(err))),
			zap.Error(err),
		)
	} else {
		c.logger.Info("preview ready", zap.Uint64("generation", gen), zap.Int("sheets", parsed.SheetCount()))
	}
	c.publish(snap, rev)
}

// releaseLocked cancels the in-flight load and releases its waiters.
func (c *Controller) releaseLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.settleLocked()
}

func (c *Controller) settleLocked() {
	if c.done != nil && !c.settled {
		close(c.done)
		c.settled = true
	}
}

func (c *Controller) transitionLocked(state models.LoadState) (models.Snapshot, uint64) {
	c.state = state
	c.updated = c.now()
	c.rev++
	metrics.RecordTransition(string(state))
	return c.snapshotLocked(), c.rev
}

func (c *Controller) snapshotLocked() models.Snapshot {
	snap := models.Snapshot{
		State:            c.state,
		Generation:       c.gen,
		Category:         c.category,
		ActiveSheetIndex: c.active,
		UpdatedAt:        c.updated,
	}
	if c.desc != nil {
		d := *c.desc
		snap.Descriptor = &d
	}
	if c.err != nil {
		snap.Error = failure.UserMessage(c.err)
		snap.ErrorKind = string(failure.KindOf(c.err))
	}
	if c.parsed != nil {
		for _, s := range c.parsed.Sheets {
			snap.SheetNames = append(snap.SheetNames, s.Name)
		}
	}
	return snap
}

// publish forwards snap to the mirror unless a later revision already went out.
func (c *Controller) publish(snap models.Snapshot, rev uint64) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if rev <= c.lastRev {
		return
	}
	c.lastRev = rev
	c.mirror.Publish(context.Background(), c.viewer, snap)
}
