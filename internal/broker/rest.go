package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ordersentry/internal/utils"
)

// RESTGateway talks to the broker's JSON order API. Every call carries
// a bounded timeout so one slow call cannot stall a reconciliation pass.
type RESTGateway struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	callTimeout time.Duration
}

func NewRESTGateway(baseURL, apiKey string, callTimeout time.Duration) *RESTGateway {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &RESTGateway{
		baseURL:     baseURL,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: callTimeout},
		callTimeout: callTimeout,
	}
}

func (g *RESTGateway) Name() string { return "rest" }

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type submitResponse struct {
	Order LiveOrder `json:"order"`
}

type listResponse struct {
	Orders []LiveOrder `json:"orders"`
}

type balanceResponse struct {
	Available float64 `json:"available"`
}

func (g *RESTGateway) doReq(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// classifyStatus maps an HTTP status plus broker error payload onto the
// error taxonomy: 429 and 5xx are transient, auth and order rejections
// are permanent, a flagged balance shortfall is skippable.
func classifyStatus(op string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	msg := ae.Message
	if msg == "" {
		msg = string(body)
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("status %d: %s", status, msg)}
	case ae.Code == "insufficient_funds":
		return &InsufficientFundsError{}
	default:
		return &PermanentError{Op: op, Code: ae.Code, Err: fmt.Errorf("status %d: %s", status, msg)}
	}
}

// validateLiveOrder enforces the strict wire schema. Missing ids or
// symbols are permanent decode failures, not values to guess around.
func validateLiveOrder(op string, o LiveOrder) error {
	if o.OrderID == "" {
		return &PermanentError{Op: op, Code: "bad_payload", Err: fmt.Errorf("live order missing order_id")}
	}
	if o.Symbol == "" {
		return &PermanentError{Op: op, Code: "bad_payload", Err: fmt.Errorf("live order %s missing symbol", o.OrderID)}
	}
	if o.Quantity <= 0 {
		return &PermanentError{Op: op, Code: "bad_payload", Err: fmt.Errorf("live order %s has non-positive quantity", o.OrderID)}
	}
	return nil
}

func (g *RESTGateway) SubmitOrder(ctx context.Context, req OrderRequest) (LiveOrder, error) {
	const op = "submit"

	if req.ClientID == "" {
		req.ClientID = uuid.New().String()
	}

	payload, err := json.Marshal(map[string]any{
		"symbol":          req.Symbol,
		"side":            req.Side,
		"quantity":        req.Quantity,
		"price":           req.Price,
		"variety":         req.Variety,
		"client_order_id": req.ClientID,
	})
	if err != nil {
		return LiveOrder{}, fmt.Errorf("marshal order: %w", err)
	}

	status, body, err := g.doReq(ctx, http.MethodPost, "/v1/orders", bytes.NewReader(payload))
	if err != nil {
		utils.GetLogger().Printf("Broker | submit %s transport failure: %v", req.Symbol, err)
		return LiveOrder{}, classifySubmitTransport(op, err)
	}
	if status >= 400 {
		return LiveOrder{}, classifyStatus(op, status, body)
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// The order may have been accepted even though the ack is
		// unreadable; surface as ambiguous for reconciliation.
		return LiveOrder{}, &AmbiguousError{Op: op, Err: fmt.Errorf("decode ack: %w", err)}
	}
	if err := validateLiveOrder(op, resp.Order); err != nil {
		return LiveOrder{}, &AmbiguousError{Op: op, Err: err}
	}
	return resp.Order, nil
}

func (g *RESTGateway) CancelOrder(ctx context.Context, orderID string) error {
	const op = "cancel"

	status, body, err := g.doReq(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil)
	if err != nil {
		return classifyTransport(op, err)
	}
	if status == http.StatusNotFound {
		// Already gone at the broker; cancellation is idempotent.
		return nil
	}
	if status >= 400 {
		return classifyStatus(op, status, body)
	}
	return nil
}

func (g *RESTGateway) ListLiveOrders(ctx context.Context) ([]LiveOrder, error) {
	const op = "list"

	status, body, err := g.doReq(ctx, http.MethodGet, "/v1/orders", nil)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if status >= 400 {
		return nil, classifyStatus(op, status, body)
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("decode live orders: %w", err)}
	}
	for _, o := range resp.Orders {
		if err := validateLiveOrder(op, o); err != nil {
			return nil, err
		}
	}
	return resp.Orders, nil
}

func (g *RESTGateway) GetAvailableBalance(ctx context.Context) (float64, error) {
	const op = "balance"

	status, body, err := g.doReq(ctx, http.MethodGet, "/v1/account/balance", nil)
	if err != nil {
		return 0, classifyTransport(op, err)
	}
	if status >= 400 {
		return 0, classifyStatus(op, status, body)
	}

	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &TransientError{Op: op, Err: fmt.Errorf("decode balance: %w", err)}
	}
	return resp.Available, nil
}

func (g *RESTGateway) GetOrderHistory(ctx context.Context, orderID string) (LiveOrder, error) {
	const op = "history"

	status, body, err := g.doReq(ctx, http.MethodGet, "/v1/orders/"+orderID+"/history", nil)
	if err != nil {
		return LiveOrder{}, classifyTransport(op, err)
	}
	if status >= 400 {
		return LiveOrder{}, classifyStatus(op, status, body)
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return LiveOrder{}, &TransientError{Op: op, Err: fmt.Errorf("decode order history: %w", err)}
	}
	if err := validateLiveOrder(op, resp.Order); err != nil {
		return LiveOrder{}, err
	}
	return resp.Order, nil
}
