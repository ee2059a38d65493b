package alpaca

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Account describes the trading account state.
type Account struct {
	ID                string          `json:"id"`
	AccountNumber     string          `json:"account_number"`
	Status            string          `json:"status"`
	Currency          string          `json:"currency"`
	Cash              decimal.Decimal `json:"cash"`
	PortfolioValue    decimal.Decimal `json:"portfolio_value"`
	Equity            decimal.Decimal `json:"equity"`
	LastEquity        decimal.Decimal `json:"last_equity"`
	BuyingPower       decimal.Decimal `json:"buying_power"`
	Multiplier        decimal.Decimal `json:"multiplier"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	DaytradeCount     int             `json:"daytrade_count"`
	PatternDayTrader  bool            `json:"pattern_day_trader"`
	TradingBlocked    bool            `json:"trading_blocked"`
	TransfersBlocked  bool            `json:"transfers_blocked"`
	AccountBlocked    bool            `json:"account_blocked"`
	ShortingEnabled   bool            `json:"shorting_enabled"`
	CreatedAt         time.Time       `json:"created_at"`
}

// GetAccount fetches the current account.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var account Account
	if err := c.get(ctx, c.baseURL, "/v2/account", nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}
