// Package follower implements the Follower Execution Adapter (spec §4.6,
// §6 "Follower venue (consumed)"): an HMAC-authenticated REST client for
// account/position queries and order placement/cancellation, plus a
// user-data websocket for execution reports. Grounded on the teacher's
// exec.Client HMAC-signing half (addHeaders/hmacSign), adapted from
// Polymarket's POLY_* headers to a Binance-Futures-shaped
// timestamp+signature query scheme.
package follower

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/types"
)

var clientLog = log.With().Str("component", "follower.client").Logger()

// Client is an authenticated REST client against the Follower venue.
type Client struct {
	http   *resty.Client
	apiKey string
	secret string
}

// New constructs a Client against baseURL, sending apiKey on every
// request and signing account and order requests with secret.
func New(baseURL, apiKey, secret string) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("X-MBX-APIKEY", apiKey)
	return &Client{http: http, apiKey: apiKey, secret: secret}
}

// sign appends timestamp and signature query parameters the way the
// teacher's addHeaders computes POLY_SIGNATURE, but over a query string
// instead of a header-embedded body (the Follower venue's scheme).
func (c *Client) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

type accountResponse struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
}

// AccountEquity returns total margin balance — spec §6 "futures account
// info (total margin balance)".
func (c *Client) AccountEquity(ctx context.Context) (decimal.Decimal, error) {
	var resp accountResponse
	params := c.sign(url.Values{})
	r, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(params).SetResult(&resp).Get("/fapi/v2/account")
	if err != nil {
		return decimal.Zero, fmt.Errorf("follower: account: %w", err)
	}
	if r.IsError() {
		return decimal.Zero, fmt.Errorf("follower: account: http %d: %s", r.StatusCode(), r.String())
	}
	v, err := decimal.NewFromString(resp.TotalMarginBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("follower: parse account equity: %w", err)
	}
	return v, nil
}

type positionRiskResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
}

// Position is the decoded futures position risk for one instrument.
type Position struct {
	SignedAmount     decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// PositionRisk returns the Follower's current signed position, entry,
// mark, and liquidation price for instrument — spec §6 "futures position
// risk".
func (c *Client) PositionRisk(ctx context.Context, instrument string) (Position, error) {
	var resp []positionRiskResponse
	params := c.sign(url.Values{"symbol": {instrument + "USDT"}})
	r, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(params).SetResult(&resp).Get("/fapi/v2/positionRisk")
	if err != nil {
		return Position{}, fmt.Errorf("follower: positionRisk %s: %w", instrument, err)
	}
	if r.IsError() {
		return Position{}, fmt.Errorf("follower: positionRisk %s: http %d: %s", instrument, r.StatusCode(), r.String())
	}
	if len(resp) == 0 {
		return Position{}, nil
	}
	p := resp[0]
	amt, err := decimal.NewFromString(p.PositionAmt)
	if err != nil {
		return Position{}, fmt.Errorf("follower: parse positionAmt: %w", err)
	}
	entry, _ := decimal.NewFromString(p.EntryPrice)
	mark, _ := decimal.NewFromString(p.MarkPrice)
	liq, _ := decimal.NewFromString(p.LiquidationPrice)
	return Position{SignedAmount: amt, EntryPrice: entry, MarkPrice: mark, LiquidationPrice: liq}, nil
}

type orderResponse struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

// PlaceOrderParams describes a single order placement request.
type PlaceOrderParams struct {
	Instrument  string
	Side        types.Side
	Price       decimal.Decimal // zero for market orders
	Size        decimal.Decimal
	ReduceOnly  bool
	Market      bool
	ClientOrderID string
}

// PlaceOrder submits a GTC limit or market order — spec §6 "place order
// (limit with GTC, market)".
func (c *Client) PlaceOrder(ctx context.Context, p PlaceOrderParams) (string, error) {
	params := url.Values{
		"symbol":     {p.Instrument + "USDT"},
		"side":       {string(p.Side)},
		"quantity":   {p.Size.String()},
	}
	if p.Market {
		params.Set("type", "MARKET")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", p.Price.String())
	}
	if p.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if p.ClientOrderID != "" {
		params.Set("newClientOrderId", p.ClientOrderID)
	}

	var resp orderResponse
	r, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(c.sign(params)).SetResult(&resp).Post("/fapi/v1/order")
	if err != nil {
		return "", fmt.Errorf("follower: placeOrder %s: %w", p.Instrument, err)
	}
	if r.IsError() {
		return "", fmt.Errorf("follower: placeOrder %s: http %d: %s", p.Instrument, r.StatusCode(), r.String())
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder cancels an open order by instrument+id — spec §6 "cancel
// order". Unknown-order errors are treated as success by the caller
// (spec §7): this method surfaces the HTTP error unchanged and lets the
// Executor/Validator classify it.
func (c *Client) CancelOrder(ctx context.Context, instrument, orderID string) error {
	params := url.Values{"symbol": {instrument + "USDT"}, "orderId": {orderID}}
	r, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(c.sign(params)).Delete("/fapi/v1/order")
	if err != nil {
		return fmt.Errorf("follower: cancelOrder %s/%s: %w", instrument, orderID, err)
	}
	if r.IsError() {
		return &VenueError{Instrument: instrument, OrderID: orderID, StatusCode: r.StatusCode(), Body: r.String()}
	}
	return nil
}

// CancelReplace performs an atomic cancel-and-place in one request —
// spec §6 "atomic cancel-replace", §4.5 "Replace (optional)".
func (c *Client) CancelReplace(ctx context.Context, cancelOrderID string, p PlaceOrderParams) (string, error) {
	params := url.Values{
		"symbol":            {p.Instrument + "USDT"},
		"cancelOrderId":     {cancelOrderID},
		"cancelReplaceMode": {"STOP_ON_FAILURE"},
		"side":              {string(p.Side)},
		"type":              {"LIMIT"},
		"timeInForce":       {"GTC"},
		"quantity":          {p.Size.String()},
		"price":             {p.Price.String()},
	}
	if p.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp struct {
		NewOrderResponse orderResponse `json:"newOrderResponse"`
	}
	r, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(c.sign(params)).SetResult(&resp).Post("/fapi/v1/order/cancelReplace")
	if err != nil {
		return "", fmt.Errorf("follower: cancelReplace %s: %w", p.Instrument, err)
	}
	if r.IsError() {
		return "", fmt.Errorf("follower: cancelReplace %s: http %d: %s", p.Instrument, r.StatusCode(), r.String())
	}
	return strconv.FormatInt(resp.NewOrderResponse.OrderID, 10), nil
}

// OrderStatus queries a single order's current status — spec §4.5 (b),
// used by the Executor to decide whether a duplicate Master Filled event
// can finally drop its mapping, and by the Periodic Order Validator.
func (c *Client) OrderStatus(ctx context.Context, instrument, followerOrderID string) (types.FollowerExecStatus, error) {
	var resp orderResponse
	params := url.Values{"symbol": {instrument + "USDT"}, "orderId": {followerOrderID}}
	r, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(c.sign(params)).SetResult(&resp).Get("/fapi/v1/order")
	if err != nil {
		return "", fmt.Errorf("follower: orderStatus %s/%s: %w", instrument, followerOrderID, err)
	}
	if r.IsError() {
		return "", &VenueError{Instrument: instrument, OrderID: followerOrderID, StatusCode: r.StatusCode(), Body: r.String()}
	}
	return types.FollowerExecStatus(resp.Status), nil
}

type rawOpenOrder struct {
	OrderID    int64  `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	OrigQty    string `json:"origQty"`
	ReduceOnly bool   `json:"reduceOnly"`
}

// OpenOrders fetches every currently-open order on the Follower account
// — spec §6 "open orders".
func (c *Client) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	var raw []rawOpenOrder
	r, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(c.sign(url.Values{})).SetResult(&raw).Get("/fapi/v1/openOrders")
	if err != nil {
		return nil, fmt.Errorf("follower: openOrders: %w", err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("follower: openOrders: http %d: %s", r.StatusCode(), r.String())
	}

	out := make([]types.OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(o.OrigQty)
		if err != nil {
			continue
		}
		out = append(out, types.OpenOrder{
			ID:         strconv.FormatInt(o.OrderID, 10),
			Instrument: stripQuote(o.Symbol),
			Side:       types.Side(o.Side),
			Price:      price,
			Size:       size,
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

// alreadyOneWayCode is the Follower venue's "No need to change position
// side" error code, returned when the account is already in one-way
// mode. Not a toggle failure.
const alreadyOneWayCode = "-4059"

// SetOneWayMode enforces net-position mode account-wide — spec §6 "set
// one-way position mode", invariant I5. Any failure other than the
// account already being in one-way mode is returned so the caller can
// abort startup with a nonzero exit.
func (c *Client) SetOneWayMode(ctx context.Context) error {
	params := url.Values{"dualSidePosition": {"false"}}
	r, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(c.sign(params)).Post("/fapi/v1/positionSide/dual")
	if err != nil {
		return fmt.Errorf("follower: setOneWayMode: %w", err)
	}
	if r.IsError() {
		if strings.Contains(r.String(), alreadyOneWayCode) {
			clientLog.Info().Msg("account already in one-way position mode")
			return nil
		}
		return fmt.Errorf("follower: setOneWayMode: http %d: %s", r.StatusCode(), r.String())
	}
	return nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// ListenKey obtains a fresh user-data-stream listen key, required on
// every websocket (re)connect — passed as follower.NewExecutionFeed's
// listenKey callback.
func (c *Client) ListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	r, err := c.http.R().SetContext(ctx).SetResult(&resp).Post("/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("follower: listenKey: %w", err)
	}
	if r.IsError() {
		return "", fmt.Errorf("follower: listenKey: http %d: %s", r.StatusCode(), r.String())
	}
	return resp.ListenKey, nil
}

// SignedPosition satisfies executor.FollowerPositions: the Follower's
// current signed position for instrument, in Follower units.
func (c *Client) SignedPosition(ctx context.Context, instrument string) (decimal.Decimal, error) {
	p, err := c.PositionRisk(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	return p.SignedAmount, nil
}

// EntryPrice satisfies rebalancer.FollowerPositions: the Follower's
// current average entry price for instrument.
func (c *Client) EntryPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	p, err := c.PositionRisk(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	return p.EntryPrice, nil
}

// OpenReduceOnlySameSide satisfies executor.FollowerPositions: the total
// size of currently-open reduce-only orders on instrument matching side,
// used to cap a new reduce-only placement against double-counting
// capacity already committed to resting orders.
func (c *Client) OpenReduceOnlySameSide(ctx context.Context, instrument string, side types.Side) (decimal.Decimal, error) {
	orders, err := c.OpenOrders(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, o := range orders {
		if o.Instrument == instrument && o.ReduceOnly && o.Side == side {
			total = total.Add(o.Size)
		}
	}
	return total, nil
}

// PlaceLimit satisfies executor.FollowerOrders.
func (c *Client) PlaceLimit(ctx context.Context, instrument string, side types.Side, price, size decimal.Decimal, reduceOnly bool, clientOrderID string) (string, error) {
	return c.PlaceOrder(ctx, PlaceOrderParams{
		Instrument: instrument, Side: side, Price: price, Size: size,
		ReduceOnly: reduceOnly, ClientOrderID: clientOrderID,
	})
}

// PlaceMarket satisfies executor.FollowerOrders.
func (c *Client) PlaceMarket(ctx context.Context, instrument string, side types.Side, size decimal.Decimal, reduceOnly bool, clientOrderID string) (string, error) {
	return c.PlaceOrder(ctx, PlaceOrderParams{
		Instrument: instrument, Side: side, Size: size, Market: true,
		ReduceOnly: reduceOnly, ClientOrderID: clientOrderID,
	})
}

// Cancel satisfies executor.FollowerOrders.
func (c *Client) Cancel(ctx context.Context, instrument, followerOrderID string) error {
	return c.CancelOrder(ctx, instrument, followerOrderID)
}

// CancelReplaceOrder satisfies executor.FollowerOrders with the
// instrument-first argument order the Executor calls it with; it
// delegates to CancelReplace.
func (c *Client) CancelReplaceOrder(ctx context.Context, instrument, cancelOrderID string, side types.Side, price, size decimal.Decimal, reduceOnly bool) (string, error) {
	return c.CancelReplace(ctx, cancelOrderID, PlaceOrderParams{
		Instrument: instrument, Side: side, Price: price, Size: size, ReduceOnly: reduceOnly,
	})
}

func stripQuote(symbol string) string {
	const suffix = "USDT"
	if len(symbol) > len(suffix) && symbol[len(symbol)-len(suffix):] == suffix {
		return symbol[:len(symbol)-len(suffix)]
	}
	return symbol
}

// VenueError carries the Follower venue's HTTP status for a failed
// order operation so callers can classify unknown-order vs. transient
// errors per spec §7.
type VenueError struct {
	Instrument string
	OrderID    string
	StatusCode int
	Body       string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("follower venue error on %s/%s: http %d: %s", e.Instrument, e.OrderID, e.StatusCode, e.Body)
}

// IsUnknownOrder reports whether the venue reported the order as
// already gone (Binance's -2011 "Unknown order sent").
func (e *VenueError) IsUnknownOrder() bool {
	return e.StatusCode == 400 && strings.Contains(e.Body, "-2011")
}
