package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides, types and lifetimes accepted by the orders API.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket       = "market"
	OrderTypeLimit        = "limit"
	OrderTypeStop         = "stop"
	OrderTypeStopLimit    = "stop_limit"
	OrderTypeTrailingStop = "trailing_stop"

	TimeInForceDay = "day"
	TimeInForceGTC = "gtc"
	TimeInForceIOC = "ioc"
	TimeInForceFOK = "fok"
)

// Order is a single order as returned by the trading API.
type Order struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	TimeInForce    string           `json:"time_in_force"`
	Status         string           `json:"status"`
	Qty            *decimal.Decimal `json:"qty,omitempty"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	Notional       *decimal.Decimal `json:"notional,omitempty"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
	ExpiredAt      *time.Time       `json:"expired_at,omitempty"`
	CanceledAt     *time.Time       `json:"canceled_at,omitempty"`
}

// PlaceOrderRequest is the payload for order submission. Either Qty or
// Notional must be set.
type PlaceOrderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	TimeInForce   string           `json:"time_in_force"`
	Qty           *decimal.Decimal `json:"qty,omitempty"`
	Notional      *decimal.Decimal `json:"notional,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TrailPrice    *decimal.Decimal `json:"trail_price,omitempty"`
	TrailPercent  *decimal.Decimal `json:"trail_percent,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	ExtendedHours bool             `json:"extended_hours,omitempty"`
}

func (r *PlaceOrderRequest) validate() error {
	if r.Symbol == "" {
		return newClientError(ErrorTypeValidation, "order symbol is required", nil)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return newClientError(ErrorTypeValidation,
			fmt.Sprintf("invalid order side %q", r.Side), nil)
	}
	if r.Qty == nil && r.Notional == nil {
		return newClientError(ErrorTypeValidation, "order requires qty or notional", nil)
	}
	return nil
}

// ReplaceOrderRequest carries the mutable fields of an open order.
type ReplaceOrderRequest struct {
	Qty           *decimal.Decimal `json:"qty,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   string           `json:"time_in_force,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// ListOrdersRequest filters the order listing.
type ListOrdersRequest struct {
	Status  string // open, closed or all
	Limit   int
	After   *time.Time
	Until   *time.Time
	Symbols []string
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var order Order
	if err := c.do(ctx, http.MethodPost, c.baseURL, "/v2/orders", nil, req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders returns orders matching the filter.
func (c *Client) ListOrders(ctx context.Context, req ListOrdersRequest) ([]Order, error) {
	query := url.Values{}
	if req.Status != "" {
		query.Set("status", req.Status)
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.After != nil {
		query.Set("after", req.After.Format(time.RFC3339))
	}
	if req.Until != nil {
		query.Set("until", req.Until.Format(time.RFC3339))
	}
	if len(req.Symbols) > 0 {
		query.Set("symbols", strings.Join(req.Symbols, ","))
	}

	var orders []Order
	if err := c.get(ctx, c.baseURL, "/v2/orders", query, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, newClientError(ErrorTypeValidation, "order id is required", nil)
	}
	var order Order
	if err := c.get(ctx, c.baseURL, "/v2/orders/"+orderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ReplaceOrder updates the mutable fields of an open order and returns the
// replacement.
func (c *Client) ReplaceOrder(ctx context.Context, orderID string, req ReplaceOrderRequest) (*Order, error) {
	if orderID == "" {
		return nil, newClientError(ErrorTypeValidation, "order id is required", nil)
	}
	var order Order
	if err := c.do(ctx, http.MethodPatch, c.baseURL, "/v2/orders/"+orderID, nil, req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return newClientError(ErrorTypeValidation, "order id is required", nil)
	}
	return c.do(ctx, http.MethodDelete, c.baseURL, "/v2/orders/"+orderID, nil, nil, nil)
}

// CancelAllOrders cancels every open order.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.baseURL, "/v2/orders", nil, nil, nil)
}
