// Package engine wires the trading loop: streams feed books, positions
// and orders; polls reconcile them; stops trail every open position;
// shutdown flushes working orders.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/book"
	"main/internal/bus"
	"main/internal/errors"
	"main/internal/exchange"
	"main/internal/ledger"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/order"
	"main/internal/position"
	"main/internal/precision"
	"main/internal/risk"
	"main/internal/stops"
	"main/internal/stream"
)

const (
	eventQueueSize   = 8192
	shutdownTimeout  = 10 * time.Second
	stopsFlushPeriod = time.Second
	// volSmoothing is the EWMA weight of the newest mark move.
	volSmoothing = 0.1
)

// Engine owns every component of the trading loop.
type Engine struct {
	cfg     ops.Loaded
	client  exchange.Client
	store   ledger.Store
	events  *bus.Queue
	metrics *obs.Metrics

	rules     *precision.Service
	books     *book.Engine
	orders    *order.Manager
	positions *position.Tracker
	stops     *stops.Controller
	gate      *risk.Gate
	streams   *stream.Supervisor

	mu    sync.Mutex
	marks map[string]decimal.Decimal
	vols  map[string]decimal.Decimal
}

// New wires an engine around the given venue client and trade store.
func New(cfg ops.Loaded, client exchange.Client, store ledger.Store) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		client:  client,
		store:   store,
		events:  bus.NewQueue(eventQueueSize),
		metrics: obs.NewMetrics(),
		rules:   precision.NewService(),
		marks:   make(map[string]decimal.Decimal),
		vols:    make(map[string]decimal.Decimal),
	}

	for symbol, rules := range cfg.Rules {
		if err := e.rules.SetRules(symbol, rules); err != nil {
			return nil, errors.Wrapf(err, "rules for %s", symbol)
		}
	}

	e.positions = position.NewTracker(e.events, e.recordClosedTrade)

	stopCtrl, err := stops.NewController(cfg.Stops, stopSetter{e}, e.events)
	if err != nil {
		return nil, errors.Wrap(err, "build stop controller")
	}
	e.stops = stopCtrl

	e.gate = risk.NewGate(cfg.Risk, risk.Views{
		Balance:   e.positions.Balance,
		Positions: e.positions.All,
		Mark:      e.Mark,
	})
	e.orders = order.NewManager(client, e.gate, e.rules, e.events, exchange.DefaultRetryPolicy(), e.metrics)
	e.books = book.NewEngine(e.events, e.resyncBook)

	if !cfg.Paper {
		e.streams = stream.NewSupervisor(stream.SupervisorConfig{
			PublicURL:  cfg.PublicWS,
			PrivateURL: cfg.PrivateWS,
			Symbols:    cfg.Symbols,
			Depth:      cfg.BookDepth,
			Credentials: stream.Credentials{
				APIKey:    cfg.Credentials.APIKey,
				APISecret: cfg.Credentials.APISecret,
			},
			Public: stream.PublicHandlers{
				OnBook:   e.HandleBook,
				OnTicker: e.HandleTicker,
			},
			Private: stream.PrivateHandlers{
				OnOrder:    e.HandleOrder,
				OnFill:     e.HandleFill,
				OnPosition: e.HandlePosition,
				OnWallet:   e.HandleWallet,
			},
			Events:        e.events,
			OnPublicReset: e.books.InvalidateAll,
		})
	}
	return e, nil
}

// Orders exposes the lifecycle manager for strategies and tooling.
func (e *Engine) Orders() *order.Manager { return e.orders }

// Positions exposes the position tracker.
func (e *Engine) Positions() *position.Tracker { return e.positions }

// Books exposes the order book engine.
func (e *Engine) Books() *book.Engine { return e.books }

// Stops exposes the protective-stop controller.
func (e *Engine) Stops() *stops.Controller { return e.stops }

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *obs.Metrics { return e.metrics }

// MarketState assembles the read-only view handed to a strategy. It
// reports false until a mark price has been seen.
func (e *Engine) MarketState(symbol string) (model.MarketState, bool) {
	mark, ok := e.Mark(symbol)
	if !ok {
		return model.MarketState{}, false
	}
	state := model.MarketState{Symbol: symbol, MarkPrice: mark}
	if bid, ask, ok := e.books.Book(symbol).BestBidAsk(); ok {
		state.BestBid = bid.Price
		state.BestAsk = ask.Price
	}
	return state, true
}

// Evaluate runs one strategy pass over a symbol and executes the
// resulting signal. qty sizes entry signals; close signals flatten the
// whole position.
func (e *Engine) Evaluate(ctx context.Context, strategy model.Strategy, symbol string, qty decimal.Decimal) error {
	state, ok := e.MarketState(symbol)
	if !ok {
		return nil
	}
	return e.OnSignal(ctx, state, strategy.GenerateSignal(state), qty)
}

// OnSignal turns a strategy decision into an order. Hold does nothing.
func (e *Engine) OnSignal(ctx context.Context, state model.MarketState, sig model.Signal, qty decimal.Decimal) error {
	switch sig.Action {
	case enum.SignalActionBuy, enum.SignalActionSell:
		side := enum.SideBuy
		if sig.Action == enum.SignalActionSell {
			side = enum.SideSell
		}
		req := model.OrderRequest{
			Symbol:   state.Symbol,
			Side:     side,
			Type:     enum.OrderTypeMarket,
			Quantity: qty,
		}
		if sig.StopDistance.IsPositive() {
			if side == enum.SideBuy {
				req.StopLoss = state.MarkPrice.Sub(sig.StopDistance)
			} else {
				req.StopLoss = state.MarkPrice.Add(sig.StopDistance)
			}
		}
		_, err := e.orders.Submit(ctx, req)
		return errors.Wrapf(err, "execute %s signal", sig.Action)
	case enum.SignalActionClose:
		pos, ok := e.positions.Get(state.Symbol)
		if !ok {
			return nil
		}
		_, err := e.orders.Submit(ctx, model.OrderRequest{
			Symbol:   state.Symbol,
			Side:     pos.Side.FromOrderSide().Opposite(),
			Type:     enum.OrderTypeMarket,
			Quantity: pos.Size,
		})
		return errors.Wrap(err, "execute close signal")
	default:
		return nil
	}
}

// Mark returns the last seen mark price for a symbol.
func (e *Engine) Mark(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mark, ok := e.marks[symbol]
	return mark, ok
}

// Run blocks until ctx is done, then flushes working orders before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	e.restoreSnapshot(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.events.Run(runCtx, e.consumeEvent)
	}()

	errCh := make(chan error, 1)
	if e.streams != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.streams.Run(runCtx); err != nil && runCtx.Err() == nil {
				errCh <- err
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.pollLoop(runCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logs.Errorf("stream supervisor failed, err: %+v", runErr)
	}

	cancel()
	e.flushOnShutdown()
	wg.Wait()
	return runErr
}

// HandleBook routes one public book frame.
func (e *Engine) HandleBook(u model.BookUpdate) {
	e.books.Apply(u)
}

// HandleTicker updates marks, revalues positions and trails stops.
func (e *Engine) HandleTicker(t model.Ticker) {
	if !t.MarkPrice.IsPositive() {
		return
	}

	e.mu.Lock()
	prev, had := e.marks[t.Symbol]
	e.marks[t.Symbol] = t.MarkPrice
	if had {
		move := t.MarkPrice.Sub(prev).Abs()
		weight := decimal.NewFromFloat(volSmoothing)
		e.vols[t.Symbol] = e.vols[t.Symbol].
			Mul(decimal.NewFromInt(1).Sub(weight)).
			Add(move.Mul(weight))
	}
	vol := e.vols[t.Symbol]
	e.mu.Unlock()

	e.positions.ApplyMark(t)

	if _, ok := e.positions.Get(t.Symbol); ok {
		if err := e.stops.OnMark(context.Background(), t.Symbol, t.MarkPrice, vol); err != nil && !errors.Is(err, stops.ErrNotArmed) {
			logs.Warnf("trail stop failed, symbol: %s, err: %+v", t.Symbol, err)
		}
	}
}

// HandleOrder routes one private order event.
func (e *Engine) HandleOrder(u model.OrderUpdate) {
	e.orders.ApplyUpdate(u)
}

// HandleFill routes one execution and arms the stop on a fresh
// position.
func (e *Engine) HandleFill(f model.Fill) {
	e.positions.ApplyFill(f)

	pos, ok := e.positions.Get(f.Symbol)
	if !ok {
		e.stops.Close(f.Symbol)
		return
	}
	if _, state, armed := e.stops.Current(f.Symbol); !armed || state == stops.StateClosed {
		e.mu.Lock()
		vol := e.vols[f.Symbol]
		e.mu.Unlock()
		if err := e.stops.Arm(context.Background(), pos, vol); err != nil {
			logs.Warnf("arm stop failed, symbol: %s, err: %+v", f.Symbol, err)
		}
	}
}

// HandlePosition routes one private position event.
func (e *Engine) HandlePosition(u model.PositionUpdate) {
	e.positions.ApplyPush(u)
}

// HandleWallet routes one private wallet event.
func (e *Engine) HandleWallet(u model.WalletUpdate) {
	e.positions.ApplyWallet(u)
}

func (e *Engine) pollLoop(ctx context.Context) {
	orderTicker := time.NewTicker(e.cfg.OrderPollInterval)
	defer orderTicker.Stop()
	positionTicker := time.NewTicker(e.cfg.PositionPollInterval)
	defer positionTicker.Stop()
	flushTicker := time.NewTicker(stopsFlushPeriod)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-orderTicker.C:
			started := time.Now()
			if err := e.orders.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logs.Warnf("order reconcile failed, err: %+v", err)
			}
			e.metrics.ObserveReconcile(time.Since(started))
		case <-positionTicker.C:
			started := time.Now()
			if err := e.positions.Reconcile(ctx, e.client); err != nil && ctx.Err() == nil {
				logs.Warnf("position reconcile failed, err: %+v", err)
			}
			e.metrics.ObserveReconcile(time.Since(started))
		case <-flushTicker.C:
			e.stops.Flush(ctx)
		}
	}
}

// flushOnShutdown cancels every working order with a bounded deadline
// so a hung venue cannot stall exit.
func (e *Engine) flushOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, ord := range e.orders.Active() {
		logs.Infof("abandoning working order, id: %s, leaves: %s", ord.ClientOrderID, ord.LeavesQuantity())
	}

	for _, symbol := range e.cfg.Symbols {
		if err := e.client.CancelAll(ctx, symbol); err != nil {
			logs.Errorf("cancel all on shutdown failed, symbol: %s, err: %+v", symbol, err)
			continue
		}
		logs.Infof("flushed working orders, symbol: %s", symbol)
	}

	if e.store != nil {
		snap := ledger.Snapshot{
			TakenAt:   time.Now(),
			Balance:   e.positions.Balance(),
			Positions: e.positions.All(),
			Orders:    e.orders.Active(),
		}
		if err := e.store.SaveSnapshot(ctx, snap); err != nil {
			logs.Errorf("save shutdown snapshot failed, err: %+v", err)
		}
	}
}

// restoreSnapshot surfaces the last persisted state. The venue stays
// authoritative; the first reconcile poll adopts the live view.
func (e *Engine) restoreSnapshot(ctx context.Context) {
	if e.store == nil {
		return
	}
	snap, err := e.store.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, ledger.ErrNoSnapshot):
		return
	case err != nil:
		logs.Warnf("load snapshot failed, err: %+v", err)
		return
	}
	logs.Infof("last snapshot from %s, positions: %d, working orders: %d",
		snap.TakenAt.Format(time.RFC3339), len(snap.Positions), len(snap.Orders))
}

func (e *Engine) consumeEvent(ev bus.Event) {
	e.metrics.ObserveEvent(ev)
}

func (e *Engine) recordClosedTrade(trade model.ClosedTrade) {
	e.stops.Close(trade.Symbol)
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.RecordTrade(ctx, trade); err != nil {
		logs.Errorf("record closed trade failed, id: %s, err: %+v", trade.ID, err)
	}
}

func (e *Engine) resyncBook(symbol string) {
	if e.streams == nil {
		return
	}
	if err := e.streams.ResyncBook(symbol); err != nil {
		logs.Warnf("book resubscribe failed, symbol: %s, err: %+v", symbol, err)
	}
}

// stopSetter adapts the venue's trading-stop call to the stop
// controller, quantizing onto the tick grid first.
type stopSetter struct {
	e *Engine
}

func (s stopSetter) SetStop(ctx context.Context, symbol string, side enum.PositionSide, price decimal.Decimal) error {
	// long stops snap down, short stops snap up, both away from the
	// position
	quantized, err := s.e.rules.PriceToTick(symbol, price, side == enum.PositionSideShort)
	if err != nil {
		return errors.Wrap(err, "quantize stop")
	}
	return exchange.Retry(ctx, exchange.DefaultRetryPolicy(), "set trading stop", func(ctx context.Context) error {
		return s.e.client.SetTradingStop(ctx, symbol, side, quantized)
	})
}
