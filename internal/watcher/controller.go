package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chainwatch/internal/model"
	"chainwatch/internal/render"
	"chainwatch/internal/report"
	"chainwatch/internal/sink"
)

// State is the pipeline's lifecycle state.
type State string

const (
	StateInit    State = "INIT"
	StateRunning State = "RUNNING"
	StateOK      State = "OK"
	StateError   State = "ERROR"
	StateStopped State = "STOPPED"
)

// DedupScope selects how cross-cycle duplicate suppression keys are derived.
// One policy per pipeline instance; never mixed.
type DedupScope string

const (
	// DedupByTx keys on the transaction hash alone.
	DedupByTx DedupScope = "tx"
	// DedupByTxEvent keys on (transaction hash, logical event name), for
	// contract families where one transaction yields multiple distinct
	// logical events.
	DedupByTxEvent DedupScope = "tx_event"
)

// Source exposes polling for new chain activity. Poll returns only items
// observed since the previous call, in no guaranteed order. Commit persists
// the source's position; the controller calls it only after every
// notification of the cycle has been dispatched.
type Source interface {
	Poll(ctx context.Context) ([]model.ActivityItem, error)
	Lookback(ctx context.Context) ([]model.ActivityItem, error)
	Commit(ctx context.Context) error
	Reset(ctx context.Context) error
}

// EventRecognizer turns one raw activity item into zero or one decoded event.
type EventRecognizer interface {
	Recognize(item model.ActivityItem) (*model.DecodedEvent, error)
}

// Config holds runtime settings for one pipeline instance.
type Config struct {
	Name          string
	Interval      time.Duration
	DedupCapacity int
	DedupScope    DedupScope
}

// Deps are the controller's collaborators.
type Deps struct {
	Source     Source
	Recognizer EventRecognizer
	Renderer   render.Renderer
	Router     *sink.Router
	Sink       sink.Sink
	Reporter   report.Reporter
	Logger     *zap.Logger
}

// Controller owns the pipeline state machine and drives one poll cycle per
// tick: poll, decode, deduplicate, order, dispatch, and self-heal on error.
// All mutable state belongs to the single active cycle; no locking.
type Controller struct {
	cfg       Config
	source    Source
	recognize EventRecognizer
	renderer  render.Renderer
	router    *sink.Router
	sink      sink.Sink
	reporter  report.Reporter
	logger    *zap.Logger

	state State
	seen  *FIFOCache
}

// NewController builds a pipeline controller in the INIT state.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if deps.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is nil")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("router is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 256
	}
	if cfg.DedupScope == "" {
		cfg.DedupScope = DedupByTx
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.JSONRenderer{}
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = report.NewLogReporter(logger)
	}

	return &Controller{
		cfg:       cfg,
		source:    deps.Source,
		recognize: deps.Recognizer,
		renderer:  renderer,
		router:    deps.Router,
		sink:      deps.Sink,
		reporter:  reporter,
		logger:    logger,
		state:     StateInit,
		seen:      NewFIFOCache(cfg.DedupCapacity),
	}, nil
}

// State returns the current pipeline state.
func (c *Controller) State() State {
	return c.state
}

// Run drives the pipeline until ctx is cancelled, one tick per interval.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Stop transitions to the terminal STOPPED state. A cycle already in flight
// finishes cooperatively; no further cycles run and no reset follows.
func (c *Controller) Stop() {
	c.state = StateStopped
}

// Tick runs at most one cycle. In ERROR it performs a reset instead of a
// cycle; the cycle resumes from INIT on the following tick.
func (c *Controller) Tick(ctx context.Context) {
	switch c.state {
	case StateStopped:
		return
	case StateRunning:
		// The previous cycle has not finished. Never treat this as an
		// error condition to reset from; just skip the tick.
		c.logger.Warn("cycle still running, skipping tick")
		return
	case StateError:
		if err := c.reset(ctx); err != nil {
			c.logger.Error("reset failed", zap.Error(err))
			return
		}
		c.logger.Info("pipeline reset, resuming from cold start")
		return
	}

	initial := c.state == StateInit
	c.state = StateRunning

	itemCount, err := c.runCycle(ctx, initial)
	if c.state == StateStopped {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Normal shutdown surfaces as a cancelled poll or send, not a
			// pipeline failure.
			c.state = StateStopped
			return
		}
		c.state = StateError
		c.reporter.Report(ctx, err, report.Snapshot{
			Pipeline: c.cfg.Name,
			State:    string(StateRunning),
			Items:    itemCount,
		})
		return
	}
	c.state = StateOK
}

// reset rebuilds all mutable pipeline state: the source drops its in-memory
// cursor and the dedup cache is reconstructed empty. Idempotent and cheap; a
// failure leaves the pipeline in ERROR to retry next tick.
func (c *Controller) reset(ctx context.Context) error {
	if err := c.source.Reset(ctx); err != nil {
		return fmt.Errorf("reset source: %w", err)
	}
	c.seen = NewFIFOCache(c.cfg.DedupCapacity)
	c.state = StateInit
	return nil
}

func (c *Controller) runCycle(ctx context.Context, initial bool) (int, error) {
	var (
		items []model.ActivityItem
		err   error
	)
	if initial {
		c.logger.Info("cold start, scanning look-back window")
		items, err = c.source.Lookback(ctx)
	} else {
		items, err = c.source.Poll(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("poll activity: %w", err)
	}

	batch := make([]ScoredItem, 0)
	cycleKeys := make(map[string]struct{})
	emittedKeys := make([]string, 0)
	seenTx := make([]string, 0)
	seenTxSet := make(map[string]struct{})

	for _, item := range items {
		if item.Removed {
			continue
		}
		if c.seen.Contains(item.TxHash) {
			continue
		}
		if _, ok := seenTxSet[item.TxHash]; !ok {
			seenTxSet[item.TxHash] = struct{}{}
			seenTx = append(seenTx, item.TxHash)
		}

		event, err := c.recognize.Recognize(item)
		if err != nil {
			return len(items), fmt.Errorf("recognize %s: %w", item.TxHash, err)
		}
		if event == nil {
			continue
		}

		// Same-cycle working set: one poll can return logically duplicate
		// raw items for the same transaction.
		key := c.dedupKey(*event)
		if _, ok := cycleKeys[key]; ok {
			c.logger.Debug("skip duplicate within cycle", zap.String("key", key))
			continue
		}
		cycleKeys[key] = struct{}{}
		emittedKeys = append(emittedKeys, key)

		payload, err := c.renderer.Render(*event)
		if err != nil {
			return len(items), fmt.Errorf("render %s: %w", event.Name, err)
		}

		batch = append(batch, ScoredItem{
			Event:      *event,
			Payload:    payload,
			RoutingKey: c.router.Route(event.Name),
			Key:        event.Key(),
		})
	}

	sortItems(batch)

	if len(batch) > 0 {
		c.logger.Info("dispatching notifications", zap.Int("count", len(batch)))
	}
	for _, scored := range batch {
		// Sequential sends: the sink delivers to an ordered message log per
		// channel, so each send completes before the next is issued.
		if err := c.sink.Send(ctx, scored.RoutingKey, scored.Payload); err != nil {
			return len(items), fmt.Errorf("send %s: %w", scored.Event.Name, err)
		}
		c.logger.Debug("sent notification", zap.String("event", scored.Event.Name), zap.String("channel", scored.RoutingKey))
	}

	// The cache is updated once per cycle with every transaction seen,
	// including ones that produced no event, so unrecognized transactions
	// are not re-decoded every cycle.
	for _, txHash := range seenTx {
		c.seen.Insert(txHash)
	}
	if c.cfg.DedupScope == DedupByTxEvent {
		for _, key := range emittedKeys {
			c.seen.Insert(key)
		}
	}

	// The cursor is persisted only now, after every send completed, so a
	// restart or recovery resumes from the last block whose notifications were
	// actually delivered. A failed save costs a replay, not a lost event.
	if err := c.source.Commit(ctx); err != nil {
		c.logger.Error("persist cursor failed", zap.Error(err))
	}

	return len(items), nil
}

func (c *Controller) dedupKey(event model.DecodedEvent) string {
	if c.cfg.DedupScope == DedupByTxEvent {
		return event.TxHash + ":" + event.Name
	}
	return event.TxHash
}
