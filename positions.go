package alpaca

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
)

// Position is an open position as returned by the trading API.
type Position struct {
	AssetID        string          `json:"asset_id"`
	Symbol         string          `json:"symbol"`
	Exchange       string          `json:"exchange"`
	AssetClass     string          `json:"asset_class"`
	Side           string          `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	UnrealizedPL   decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPC decimal.Decimal `json:"unrealized_plpc"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	LastdayPrice   decimal.Decimal `json:"lastday_price"`
	ChangeToday    decimal.Decimal `json:"change_today"`
}

// ListPositions returns all open positions.
func (c *Client) ListPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.get(ctx, c.baseURL, "/v2/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetPosition fetches the open position for a symbol.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if symbol == "" {
		return nil, newClientError(ErrorTypeValidation, "symbol is required", nil)
	}
	var position Position
	if err := c.get(ctx, c.baseURL, "/v2/positions/"+symbol, nil, &position); err != nil {
		return nil, err
	}
	return &position, nil
}

// ClosePosition liquidates the open position for a symbol and returns the
// resulting order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	if symbol == "" {
		return nil, newClientError(ErrorTypeValidation, "symbol is required", nil)
	}
	var order Order
	if err := c.do(ctx, http.MethodDelete, c.baseURL, "/v2/positions/"+symbol, nil, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CloseAllPositions liquidates every open position.
func (c *Client) CloseAllPositions(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.baseURL, "/v2/positions", nil, nil, nil)
}
