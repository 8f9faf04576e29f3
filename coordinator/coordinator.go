package coordinator

import (
	"context"
	"errors"
	"fmt"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"sync"
	"time"
)

var (
	// ErrUpdateFailed is wrapped by update functions that failed to talk to their source
	ErrUpdateFailed = errors.New("update failed")
	// ErrNotReady is returned by FirstRefresh when the initial fetch did not succeed
	ErrNotReady = errors.New("not ready")
)

type UpdateFunc[T any] func(ctx context.Context) (T, error)

type Config[T any] struct {
	Name     string
	Logger   *zap.SugaredLogger
	Interval time.Duration
	// Timeout bounds one update call, zero means no bound
	Timeout time.Duration
	Update  UpdateFunc[T]
	Clock   clock.Clock
}

// Coordinator fetches data on a fixed interval and caches the latest result for its listeners
type Coordinator[T any] struct {
	cfg   Config[T]
	log   *zap.SugaredLogger
	clock clock.Clock

	sync.RWMutex
	data              T
	hasData           bool
	lastUpdateSuccess bool
	lastError         error
	lastUpdate        time.Time

	refreshLock sync.Mutex

	listenerLock sync.Mutex
	listeners    map[int]func()
	listenerID   int

	stop   context.CancelFunc
	doneCh chan struct{}
}

func New[T any](cfg Config[T]) *Coordinator[T] {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Coordinator[T]{
		cfg:               cfg,
		log:               cfg.Logger,
		clock:             cfg.Clock,
		lastUpdateSuccess: true,
		listeners:         map[int]func(){},
	}
}

func (c *Coordinator[T]) Name() string {
	return c.cfg.Name
}

// Data returns the latest successfully fetched data and whether there is any
func (c *Coordinator[T]) Data() (T, bool) {
	c.RLock()
	defer c.RUnlock()
	return c.data, c.hasData
}

func (c *Coordinator[T]) LastUpdateSuccess() bool {
	c.RLock()
	defer c.RUnlock()
	return c.lastUpdateSuccess
}

func (c *Coordinator[T]) LastError() error {
	c.RLock()
	defer c.RUnlock()
	return c.lastError
}

func (c *Coordinator[T]) LastUpdate() time.Time {
	c.RLock()
	defer c.RUnlock()
	return c.lastUpdate
}

// AddListener registers fn to be called after every refresh. The returned func removes it.
func (c *Coordinator[T]) AddListener(fn func()) (remove func()) {
	c.listenerLock.Lock()
	id := c.listenerID
	c.listenerID++
	c.listeners[id] = fn
	c.listenerLock.Unlock()
	return func() {
		c.listenerLock.Lock()
		delete(c.listeners, id)
		c.listenerLock.Unlock()
	}
}

// Refresh runs one update. Failures are recorded, not returned; check LastUpdateSuccess.
func (c *Coordinator[T]) Refresh(ctx context.Context) {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()

	updateCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		updateCtx, cancel = c.clock.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	start := c.clock.Now()
	data, err := c.cfg.Update(updateCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timeout fetching %s data: %w", c.cfg.Name, err)
	}

	c.Lock()
	wasSuccess := c.lastUpdateSuccess
	if err != nil {
		c.lastUpdateSuccess = false
		c.lastError = err
	} else {
		c.data = data
		c.hasData = true
		c.lastUpdateSuccess = true
		c.lastError = nil
		c.lastUpdate = c.clock.Now()
	}
	c.Unlock()

	switch {
	case err != nil && wasSuccess:
		c.log.Errorf("error fetching %s data: %s", c.cfg.Name, err)
	case err != nil:
		c.log.Debugf("error fetching %s data: %s", c.cfg.Name, err)
	case !wasSuccess:
		c.log.Infof("fetching %s data recovered", c.cfg.Name)
	default:
		c.log.Debugf("finished fetching %s data in %s", c.cfg.Name, c.clock.Since(start))
	}
	c.notify()
}

// FirstRefresh runs the initial update and fails with ErrNotReady when it did not succeed
func (c *Coordinator[T]) FirstRefresh(ctx context.Context) error {
	c.Refresh(ctx)
	if !c.LastUpdateSuccess() {
		return fmt.Errorf("%w: %w", ErrNotReady, c.LastError())
	}
	return nil
}

// Start begins polling every Interval until Stop is called or ctx is done
func (c *Coordinator[T]) Start(ctx context.Context) {
	c.Lock()
	if c.stop != nil {
		c.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.doneCh = make(chan struct{})
	done := c.doneCh
	c.Unlock()

	ticker := c.clock.Ticker(c.cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for an in-flight update to return
func (c *Coordinator[T]) Stop() {
	c.Lock()
	cancel, done := c.stop, c.doneCh
	c.stop, c.doneCh = nil, nil
	c.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Coordinator[T]) notify() {
	c.listenerLock.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerLock.Unlock()
	for _, fn := range fns {
		fn()
	}
}
