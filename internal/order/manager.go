// Package order owns the order lifecycle: idempotent submission,
// cancel and amend, status mapping from venue events and the
// reconciliation poll that backstops the private stream.
package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/errors"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/precision"
)

var (
	ErrUnknownOrder  = errors.New("order: unknown client order id")
	ErrOrderTerminal = errors.New("order: order already terminal")
	ErrRiskRejected  = errors.New("order: rejected by risk gate")
	ErrEmptyAmend    = errors.New("order: amend changes nothing")
)

// Gate is the pre-trade check consulted before every submission.
type Gate interface {
	Validate(req model.OrderRequest) error
}

const defaultHistoryCap = 512

// Manager is the single writer of order state. Venue events and poll
// results funnel through ApplyUpdate; reads get copies.
type Manager struct {
	client  exchange.Client
	gate    Gate
	rules   *precision.Service
	events  *bus.Queue
	retry   exchange.RetryPolicy
	metrics *obs.Metrics

	mu         sync.Mutex
	active     map[string]*model.Order
	byVenueID  map[string]string
	stale      map[string]struct{}
	history    []model.Order
	historyCap int

	now func() time.Time
}

// NewManager wires the lifecycle manager. gate may be nil for paths
// that carry their own risk checks; metrics may be nil.
func NewManager(client exchange.Client, gate Gate, rules *precision.Service, events *bus.Queue, retry exchange.RetryPolicy, metrics *obs.Metrics) *Manager {
	return &Manager{
		client:     client,
		gate:       gate,
		rules:      rules,
		events:     events,
		retry:      retry,
		metrics:    metrics,
		active:     make(map[string]*model.Order),
		byVenueID:  make(map[string]string),
		stale:      make(map[string]struct{}),
		historyCap: defaultHistoryCap,
		now:        time.Now,
	}
}

// NewClientOrderID derives the idempotency key for a request. Tagged
// requests get a deterministic id so a crashed-and-restarted submit
// collapses onto the same venue order; untagged requests get a random
// one.
func NewClientOrderID(req model.OrderRequest, at time.Time) string {
	if req.StrategyTag == "" {
		return uuid.NewString()
	}
	bucket := at.UnixMilli() / 1000
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", req.Symbol, req.Side, req.StrategyTag, bucket))
	return "eng-" + hex.EncodeToString(sum[:12])
}

// Submit places an order. Resubmitting an id already tracked returns
// the tracked order without touching the wire. An ambiguous outcome
// (retries exhausted, duplicate-id reply) is resolved by querying the
// venue for the idempotency key before anything is reported.
func (m *Manager) Submit(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID(req, m.now())
	}

	m.mu.Lock()
	if existing, ok := m.active[req.ClientOrderID]; ok {
		ord := *existing
		m.mu.Unlock()
		return ord, nil
	}
	m.mu.Unlock()

	if err := m.quantize(&req); err != nil {
		return model.Order{}, err
	}
	if m.gate != nil {
		if err := m.gate.Validate(req); err != nil {
			m.publishRiskRejected(req.Symbol, err)
			return model.Order{}, errors.Wrapf(ErrRiskRejected, "%v", err)
		}
	}

	m.track(req)

	started := time.Now()
	err := exchange.Retry(ctx, m.retry, "place order", func(ctx context.Context) error {
		res, err := m.client.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		m.adopt(req.ClientOrderID, res.ExchangeOrderID)
		return nil
	})
	m.metrics.ObservePlace(time.Since(started))

	switch {
	case err == nil:
		m.transition(req.ClientOrderID, enum.OrderStatusAcknowledged, m.now())
	case errors.Is(err, exchange.ErrDuplicateOrder):
		// the order already exists on the venue, adopt it
		if rErr := m.reconcileOne(ctx, req.Symbol, req.ClientOrderID); rErr != nil {
			logs.Warnf("adopt duplicate order failed, id: %s, err: %+v", req.ClientOrderID, rErr)
		}
	case errors.Is(err, exchange.ErrAttemptsExhausted):
		// ambiguous: the venue may or may not have the order
		if rErr := m.reconcileOne(ctx, req.Symbol, req.ClientOrderID); rErr != nil {
			if errors.Is(rErr, exchange.ErrOrderNotFound) {
				m.drop(req.ClientOrderID)
				return model.Order{}, err
			}
			logs.Warnf("reconcile ambiguous submit failed, id: %s, err: %+v", req.ClientOrderID, rErr)
			return model.Order{}, err
		}
	default:
		m.transition(req.ClientOrderID, enum.OrderStatusRejected, m.now())
		return model.Order{}, errors.Wrap(err, "place order")
	}

	got, _ := m.Get(req.ClientOrderID)
	return got, nil
}

// Cancel requests cancellation. Canceling a terminal or venue-unknown
// order is a no-op.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	ord, ok := m.active[clientOrderID]
	if !ok {
		m.mu.Unlock()
		if m.inHistory(clientOrderID) {
			return nil
		}
		return ErrUnknownOrder
	}
	symbol := ord.Symbol
	m.mu.Unlock()

	started := time.Now()
	err := exchange.Retry(ctx, m.retry, "cancel order", func(ctx context.Context) error {
		return m.client.CancelOrder(ctx, symbol, clientOrderID)
	})
	m.metrics.ObserveCancel(time.Since(started))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, exchange.ErrOrderNotFound), errors.Is(err, exchange.ErrAlreadyClosed):
		// already terminal on the venue; the poll settles the final state
		if rErr := m.reconcileOne(ctx, symbol, clientOrderID); rErr != nil {
			logs.Warnf("reconcile after cancel no-op failed, id: %s, err: %+v", clientOrderID, rErr)
		}
		return nil
	case errors.Is(err, exchange.ErrAttemptsExhausted):
		if rErr := m.reconcileOne(ctx, symbol, clientOrderID); rErr != nil {
			logs.Warnf("reconcile ambiguous cancel failed, id: %s, err: %+v", clientOrderID, rErr)
		}
		return err
	default:
		return errors.Wrap(err, "cancel order")
	}
}

// Amend changes the mutable fields of a live order.
func (m *Manager) Amend(ctx context.Context, clientOrderID string, changes model.OrderChanges) error {
	if changes.IsEmpty() {
		return ErrEmptyAmend
	}

	m.mu.Lock()
	ord, ok := m.active[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownOrder
	}
	if ord.Status.IsTerminal() {
		m.mu.Unlock()
		return ErrOrderTerminal
	}
	symbol := ord.Symbol
	side := ord.Side
	m.mu.Unlock()

	if err := m.quantizeChanges(symbol, side, &changes); err != nil {
		return err
	}

	err := exchange.Retry(ctx, m.retry, "amend order", func(ctx context.Context) error {
		return m.client.AmendOrder(ctx, symbol, clientOrderID, changes)
	})
	if errors.Is(err, exchange.ErrAlreadyClosed) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "amend order")
	}
	return nil
}

// ApplyUpdate folds one venue order event into local state. Duplicate,
// stale and regressive updates are dropped; each accepted change
// publishes exactly one transition event.
func (m *Manager) ApplyUpdate(u model.OrderUpdate) {
	mapped := statusFromVenue(u.Status)

	m.mu.Lock()
	defer m.mu.Unlock()

	id := u.ClientOrderID
	if id == "" {
		id = m.byVenueID[u.ExchangeOrderID]
	}
	ord, ok := m.active[id]
	if !ok {
		return // not ours
	}

	if mapped == enum.OrderStatusUnknown {
		logs.Warnf("unmapped order status, id: %s, status: %s", id, u.Status)
		m.stale[id] = struct{}{}
		return
	}
	if ord.Status.IsTerminal() {
		return
	}
	if !u.UpdatedAt.IsZero() && u.UpdatedAt.Before(ord.UpdatedAt) {
		return // stale
	}
	if mapped == ord.Status && u.FilledQuantity.Equal(ord.FilledQuantity) {
		return // duplicate
	}
	if rank(mapped) < rank(ord.Status) {
		return // out of order
	}

	if u.ExchangeOrderID != "" && ord.ExchangeOrderID == "" {
		ord.ExchangeOrderID = u.ExchangeOrderID
		m.byVenueID[u.ExchangeOrderID] = id
	}
	if u.FilledQuantity.GreaterThan(ord.FilledQuantity) {
		ord.FilledQuantity = u.FilledQuantity
	}
	if u.AvgFillPrice.IsPositive() {
		ord.AvgFillPrice = u.AvgFillPrice
	}

	at := u.UpdatedAt
	if at.IsZero() {
		at = m.now()
	}
	m.transitionLocked(ord, mapped, at)
	delete(m.stale, id)
}

// Reconcile polls the venue and folds the authoritative view back in.
// Orders the poll no longer reports are queried individually.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	symbols := make(map[string]struct{})
	tracked := make(map[string]string, len(m.active))
	for id, ord := range m.active {
		symbols[ord.Symbol] = struct{}{}
		tracked[id] = ord.Symbol
	}
	m.mu.Unlock()

	open := make(map[string]struct{})
	for symbol := range symbols {
		rows, err := m.client.GetOpenOrders(ctx, symbol)
		if err != nil {
			return errors.Wrap(err, "poll open orders")
		}
		for _, row := range rows {
			open[row.ClientOrderID] = struct{}{}
			m.ApplyUpdate(row)
		}
	}

	for id, symbol := range tracked {
		if _, ok := open[id]; ok {
			continue
		}
		if err := m.reconcileOne(ctx, symbol, id); err != nil {
			logs.Warnf("reconcile order failed, id: %s, err: %+v", id, err)
		}
	}
	return nil
}

// Get returns a copy of a tracked or archived order.
func (m *Manager) Get(clientOrderID string) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.active[clientOrderID]; ok {
		return *ord, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ClientOrderID == clientOrderID {
			return m.history[i], true
		}
	}
	return model.Order{}, false
}

// Active returns copies of all non-terminal orders.
func (m *Manager) Active() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Order, 0, len(m.active))
	for _, ord := range m.active {
		out = append(out, *ord)
	}
	return out
}

// History returns copies of archived terminal orders, oldest first.
func (m *Manager) History() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Order, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) quantize(req *model.OrderRequest) error {
	qty, err := m.rules.QtyToStep(req.Symbol, req.Quantity)
	if err != nil {
		return errors.Wrap(err, "quantize quantity")
	}
	req.Quantity = qty

	if req.Type == enum.OrderTypeLimit {
		price, err := m.rules.PriceToTick(req.Symbol, req.LimitPrice, req.Side == enum.SideSell)
		if err != nil {
			return errors.Wrap(err, "quantize price")
		}
		req.LimitPrice = price
	}
	return m.rules.ValidateOrder(req.Symbol, req.LimitPrice, req.Quantity)
}

func (m *Manager) quantizeChanges(symbol string, side enum.Side, changes *model.OrderChanges) error {
	if changes.LimitPrice != nil {
		price, err := m.rules.PriceToTick(symbol, *changes.LimitPrice, side == enum.SideSell)
		if err != nil {
			return errors.Wrap(err, "quantize amend price")
		}
		changes.LimitPrice = &price
	}
	if changes.StopLoss != nil {
		// protective stop for a buy sits below, round away from fill
		price, err := m.rules.PriceToTick(symbol, *changes.StopLoss, side == enum.SideSell)
		if err != nil {
			return errors.Wrap(err, "quantize stop loss")
		}
		changes.StopLoss = &price
	}
	if changes.Quantity != nil {
		qty, err := m.rules.QtyToStep(symbol, *changes.Quantity)
		if err != nil {
			return errors.Wrap(err, "quantize amend quantity")
		}
		changes.Quantity = &qty
	}
	return nil
}

func (m *Manager) track(req model.OrderRequest) model.Order {
	now := m.now()
	ord := &model.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		Status:        enum.OrderStatusPendingSubmit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	m.active[req.ClientOrderID] = ord
	m.mu.Unlock()

	m.publishTransition(*ord, enum.OrderStatusUnknown, enum.OrderStatusPendingSubmit, now)
	return *ord
}

func (m *Manager) adopt(clientOrderID, exchangeOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.active[clientOrderID]; ok && exchangeOrderID != "" {
		ord.ExchangeOrderID = exchangeOrderID
		m.byVenueID[exchangeOrderID] = clientOrderID
	}
}

func (m *Manager) drop(clientOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.active[clientOrderID]; ok {
		delete(m.active, clientOrderID)
		delete(m.byVenueID, ord.ExchangeOrderID)
	}
}

func (m *Manager) transition(clientOrderID string, to enum.OrderStatus, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.active[clientOrderID]; ok {
		m.transitionLocked(ord, to, at)
	}
}

func (m *Manager) transitionLocked(ord *model.Order, to enum.OrderStatus, at time.Time) {
	if ord.Status == to {
		ord.UpdatedAt = at
		return
	}
	from := ord.Status
	ord.Status = to
	ord.UpdatedAt = at
	m.publishTransition(*ord, from, to, at)

	if to.IsTerminal() {
		delete(m.active, ord.ClientOrderID)
		delete(m.byVenueID, ord.ExchangeOrderID)
		m.history = append(m.history, *ord)
		if len(m.history) > m.historyCap {
			m.history = m.history[len(m.history)-m.historyCap:]
		}
	}
}

func (m *Manager) inHistory(clientOrderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ClientOrderID == clientOrderID {
			return true
		}
	}
	return false
}

func (m *Manager) reconcileOne(ctx context.Context, symbol, clientOrderID string) error {
	var row model.OrderUpdate
	err := exchange.Retry(ctx, m.retry, "query order", func(ctx context.Context) error {
		got, err := m.client.GetOrder(ctx, symbol, clientOrderID)
		if err != nil {
			return err
		}
		row = got
		return nil
	})
	if err != nil {
		return err
	}
	m.ApplyUpdate(row)
	return nil
}

func (m *Manager) publishTransition(ord model.Order, from, to enum.OrderStatus, at time.Time) {
	logs.Infof("order %s, id: %s, %s -> %s", ord.Symbol, ord.ClientOrderID, from, to)
	if m.events == nil {
		return
	}
	if err := m.events.TryPublish(bus.Event{
		Type: bus.EventOrderTransition,
		OrderTransition: &bus.OrderTransition{
			ClientOrderID:   ord.ClientOrderID,
			ExchangeOrderID: ord.ExchangeOrderID,
			Symbol:          ord.Symbol,
			From:            from,
			To:              to,
			UpdatedAt:       at,
		},
	}); err != nil {
		m.metrics.IncQueueDrop()
		logs.Warnf("publish order transition failed, err: %+v", err)
	}
}

func (m *Manager) publishRiskRejected(symbol string, cause error) {
	logs.Warnf("risk gate rejected order, symbol: %s, err: %+v", symbol, cause)
	if m.events == nil {
		return
	}
	if err := m.events.TryPublish(bus.Event{
		Type:         bus.EventRiskRejected,
		RiskRejected: &bus.RiskRejected{Symbol: symbol, Reason: cause.Error()},
	}); err != nil {
		m.metrics.IncQueueDrop()
	}
}
