package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ordersentry/internal/utils"
)

// MockGateway provides scripted responses for tests and dry-run mode.
// Submitted orders land on an in-memory live list; failures can be
// injected per endpoint.
type MockGateway struct {
	mu sync.Mutex

	orders       map[string]LiveOrder
	history      map[string]LiveOrder
	balance      float64
	orderCounter int64

	// next injected error per endpoint, consumed on use
	SubmitErr  error
	CancelErr  error
	ListErr    error
	BalanceErr error
	HistoryErr error

	// SubmitStatus is the status assigned to accepted orders.
	SubmitStatus string
}

func NewMockGateway(balance float64) *MockGateway {
	return &MockGateway{
		orders:       make(map[string]LiveOrder),
		history:      make(map[string]LiveOrder),
		balance:      balance,
		orderCounter: 1000, // mock order IDs start from 1000
		SubmitStatus: "OPEN",
	}
}

func (m *MockGateway) Name() string { return "mock" }

func (m *MockGateway) SetBalance(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = v
}

// Seed places an order on the live list without going through
// SubmitOrder, simulating a manually placed broker order.
func (m *MockGateway) Seed(o LiveOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	m.history[o.OrderID] = o
}

// Resolve moves an order off the live list with a final status,
// simulating a fill or cancellation observed at the broker.
func (m *MockGateway) Resolve(orderID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return
	}
	delete(m.orders, orderID)
	o.Status = status
	m.history[orderID] = o
}

// Drop removes an order from both live list and history, simulating a
// broker that cannot disambiguate its outcome.
func (m *MockGateway) Drop(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
	delete(m.history, orderID)
}

func (m *MockGateway) SubmitOrder(ctx context.Context, req OrderRequest) (LiveOrder, error) {
	select {
	case <-ctx.Done():
		return LiveOrder{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.SubmitErr; err != nil {
		m.SubmitErr = nil
		return LiveOrder{}, err
	}

	required := req.Quantity * req.Price
	if required > m.balance {
		return LiveOrder{}, &InsufficientFundsError{Required: required, Available: m.balance}
	}

	m.orderCounter++
	o := LiveOrder{
		OrderID:   fmt.Sprintf("mock_%d_%d", time.Now().Unix(), m.orderCounter),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    m.SubmitStatus,
		CreatedAt: time.Now().UTC(),
	}
	m.orders[o.OrderID] = o
	m.history[o.OrderID] = o

	utils.GetLogger().Printf("MockGateway | Accepted order: OrderID=%s, Symbol=%s, Side=%s, Price=%.2f, Quantity=%.2f",
		o.OrderID, o.Symbol, o.Side, o.Price, o.Quantity)

	return o, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.CancelErr; err != nil {
		m.CancelErr = nil
		return err
	}

	o, ok := m.orders[orderID]
	if !ok {
		return nil // already gone, cancellation is idempotent
	}
	delete(m.orders, orderID)
	o.Status = "CANCELLED"
	m.history[orderID] = o
	return nil
}

func (m *MockGateway) ListLiveOrders(ctx context.Context) ([]LiveOrder, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ListErr; err != nil {
		m.ListErr = nil
		return nil, err
	}

	out := make([]LiveOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out, nil
}

func (m *MockGateway) GetAvailableBalance(ctx context.Context) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.BalanceErr; err != nil {
		m.BalanceErr = nil
		return 0, err
	}
	return m.balance, nil
}

func (m *MockGateway) GetOrderHistory(ctx context.Context, orderID string) (LiveOrder, error) {
	select {
	case <-ctx.Done():
		return LiveOrder{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.HistoryErr; err != nil {
		m.HistoryErr = nil
		return LiveOrder{}, err
	}

	o, ok := m.history[orderID]
	if !ok {
		return LiveOrder{}, &PermanentError{Op: "history", Code: "not_found", Err: fmt.Errorf("order %s not found", orderID)}
	}
	return o, nil
}
