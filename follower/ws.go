package follower

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/obsv"
	"github.com/uykb/hypefollow/internal/types"
)

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 30 * time.Second
)

var wsLog = log.With().Str("component", "follower.ws").Logger()

// rawExecutionReport mirrors Binance's ORDER_TRADE_UPDATE "o" object.
type rawExecutionReport struct {
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	OrderStatus     string `json:"X"`
	OrderID         int64  `json:"i"`
	LastFilledPrice string `json:"L"`
	LastFilledQty   string `json:"l"`
}

type rawEvent struct {
	EventType string          `json:"e"`
	Order     rawExecutionReport `json:"o"`
}

// ExecutionFeed streams classified Follower execution reports over a
// fan-out channel, reconnecting with exponential backoff — the same
// shape as master.Feed, adapted to the single user-data-stream listenKey
// scheme the Follower venue's websocket uses.
type ExecutionFeed struct {
	wsURL     string
	listenKey func(ctx context.Context) (string, error)

	mu     sync.RWMutex
	conn   *websocket.Conn
	stopCh chan struct{}
	subs   []chan types.FollowerExecReport
}

// NewExecutionFeed constructs an ExecutionFeed. listenKey is invoked on
// every (re)connect to obtain a fresh listen key from the REST API, as
// the venue's user-data stream requires.
func NewExecutionFeed(wsURL string, listenKey func(ctx context.Context) (string, error)) *ExecutionFeed {
	return &ExecutionFeed{wsURL: wsURL, listenKey: listenKey, stopCh: make(chan struct{})}
}

// Subscribe returns a channel receiving classified execution reports.
func (f *ExecutionFeed) Subscribe() <-chan types.FollowerExecReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan types.FollowerExecReport, 1000)
	f.subs = append(f.subs, ch)
	return ch
}

// Run drives the reconnect loop until ctx is canceled or Stop is called.
func (f *ExecutionFeed) Run(ctx context.Context) {
	delay := baseReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connectAndServe(ctx); err != nil {
			wsLog.Warn().Err(err).Dur("retryIn", delay).Msg("follower execution feed disconnected, reconnecting")
			obsv.FeedReconnects.WithLabelValues("follower").Inc()
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = baseReconnectDelay
	}
}

// Stop terminates the reconnect loop and closes the active connection.
func (f *ExecutionFeed) Stop() {
	close(f.stopCh)
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
}

func (f *ExecutionFeed) connectAndServe(ctx context.Context) error {
	key, err := f.listenKey(ctx)
	if err != nil {
		return fmt.Errorf("listenKey: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL+"/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	wsLog.Info().Str("url", f.wsURL).Msg("follower execution feed connected")
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(message)
	}
}

func (f *ExecutionFeed) dispatch(raw []byte) {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		wsLog.Debug().Err(err).Msg("ignoring unparseable execution report")
		return
	}
	if ev.EventType != "ORDER_TRADE_UPDATE" {
		return
	}
	report, ok := classifyExecutionReport(ev.Order)
	if !ok {
		return
	}
	f.broadcast(report)
}

func classifyExecutionReport(o rawExecutionReport) (types.FollowerExecReport, bool) {
	status, ok := classifyStatus(o.OrderStatus)
	if !ok {
		return types.FollowerExecReport{}, false
	}
	price, _ := decimal.NewFromString(o.LastFilledPrice)
	size, _ := decimal.NewFromString(o.LastFilledQty)
	return types.FollowerExecReport{
		FollowerOrderID: fmt.Sprintf("%d", o.OrderID),
		Instrument:      stripQuote(o.Symbol),
		Side:            types.Side(o.Side),
		Status:          status,
		LastFillPrice:   price,
		LastFillSize:    size,
		Timestamp:       time.Now().UTC(),
	}, true
}

func classifyStatus(raw string) (types.FollowerExecStatus, bool) {
	switch raw {
	case "NEW":
		return types.FollowerStatusNew, true
	case "PARTIALLY_FILLED":
		return types.FollowerStatusPartiallyFilled, true
	case "FILLED":
		return types.FollowerStatusFilled, true
	case "CANCELED":
		return types.FollowerStatusCanceled, true
	case "EXPIRED":
		return types.FollowerStatusExpired, true
	case "REJECTED":
		return types.FollowerStatusRejected, true
	default:
		return "", false
	}
}

func (f *ExecutionFeed) broadcast(report types.FollowerExecReport) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- report:
		default:
			wsLog.Warn().Str("followerOrderId", report.FollowerOrderID).Msg("execution subscriber channel full, dropping event")
		}
	}
}
