package alpaca

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single trade tick.
type Trade struct {
	Timestamp time.Time       `json:"t"`
	Price     decimal.Decimal `json:"p"`
	Size      uint32          `json:"s"`
	Exchange  string          `json:"x"`
	ID        int64           `json:"i"`
	Tape      string          `json:"z"`
}

// Quote is a single NBBO quote.
type Quote struct {
	Timestamp   time.Time       `json:"t"`
	BidPrice    decimal.Decimal `json:"bp"`
	BidSize     uint32          `json:"bs"`
	BidExchange string          `json:"bx"`
	AskPrice    decimal.Decimal `json:"ap"`
	AskSize     uint32          `json:"as"`
	AskExchange string          `json:"ax"`
	Tape        string          `json:"z"`
}

// Bar is one aggregated OHLCV bar.
type Bar struct {
	Timestamp  time.Time       `json:"t"`
	Open       decimal.Decimal `json:"o"`
	High       decimal.Decimal `json:"h"`
	Low        decimal.Decimal `json:"l"`
	Close      decimal.Decimal `json:"c"`
	Volume     uint64          `json:"v"`
	TradeCount uint64          `json:"n"`
	VWAP       decimal.Decimal `json:"vw"`
}

// Snapshot bundles the latest market state for one symbol.
type Snapshot struct {
	LatestTrade  *Trade `json:"latestTrade"`
	LatestQuote  *Quote `json:"latestQuote"`
	MinuteBar    *Bar   `json:"minuteBar"`
	DailyBar     *Bar   `json:"dailyBar"`
	PrevDailyBar *Bar   `json:"prevDailyBar"`
}

// GetBarsRequest filters historical bar queries.
type GetBarsRequest struct {
	TimeFrame string // e.g. "1Min", "5Min", "1Day"
	Start     *time.Time
	End       *time.Time
	Limit     int
	Feed      string
}

// GetLatestTrade returns the most recent trade for a symbol.
func (c *Client) GetLatestTrade(ctx context.Context, symbol string) (*Trade, error) {
	if symbol == "" {
		return nil, newClientError(ErrorTypeValidation, "symbol is required", nil)
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Trade  Trade  `json:"trade"`
	}
	if err := c.get(ctx, c.dataURL, "/v2/stocks/"+symbol+"/trades/latest", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Trade, nil
}

// GetLatestQuote returns the most recent quote for a symbol.
func (c *Client) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	if symbol == "" {
		return nil, newClientError(ErrorTypeValidation, "symbol is required", nil)
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Quote  Quote  `json:"quote"`
	}
	if err := c.get(ctx, c.dataURL, "/v2/stocks/"+symbol+"/quotes/latest", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Quote, nil
}

// GetBars returns historical bars for a symbol. Pagination is followed until
// the server stops returning a next page token or Limit is reached.
func (c *Client) GetBars(ctx context.Context, symbol string, req GetBarsRequest) ([]Bar, error) {
	if symbol == "" {
		return nil, newClientError(ErrorTypeValidation, "symbol is required", nil)
	}

	timeframe := req.TimeFrame
	if timeframe == "" {
		timeframe = "1Day"
	}

	var bars []Bar
	pageToken := ""
	for {
		query := url.Values{}
		query.Set("timeframe", timeframe)
		if req.Start != nil {
			query.Set("start", req.Start.Format(time.RFC3339))
		}
		if req.End != nil {
			query.Set("end", req.End.Format(time.RFC3339))
		}
		if req.Limit > 0 {
			query.Set("limit", strconv.Itoa(req.Limit))
		}
		if req.Feed != "" {
			query.Set("feed", req.Feed)
		}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}

		var resp struct {
			Bars          []Bar   `json:"bars"`
			Symbol        string  `json:"symbol"`
			NextPageToken *string `json:"next_page_token"`
		}
		if err := c.get(ctx, c.dataURL, "/v2/stocks/"+symbol+"/bars", query, &resp); err != nil {
			return nil, err
		}
		bars = append(bars, resp.Bars...)

		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			return bars, nil
		}
		if req.Limit > 0 && len(bars) >= req.Limit {
			return bars[:req.Limit], nil
		}
		pageToken = *resp.NextPageToken
	}
}

// GetSnapshot returns the latest market state for a symbol.
func (c *Client) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if symbol == "" {
		return nil, newClientError(ErrorTypeValidation, "symbol is required", nil)
	}
	var snapshot Snapshot
	if err := c.get(ctx, c.dataURL, "/v2/stocks/"+symbol+"/snapshot", nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
