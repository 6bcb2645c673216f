package master

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
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
	pingInterval       = 30 * time.Second
	pongWait           = 2 * pingInterval
)

var wsLog = log.With().Str("component", "master.ws").Logger()

// rawOrderUpdate mirrors one element of the order-updates push: "order
// updates arrive as arrays of { order: {...}, user }" (spec §6).
type rawOrderUpdate struct {
	Order struct {
		Oid        int64  `json:"oid"`
		Coin       string `json:"coin"`
		Side       string `json:"side"`
		LimitPx    string `json:"limitPx"`
		Sz         string `json:"sz"`
		ReduceOnly bool   `json:"reduceOnly"`
		Timestamp  int64  `json:"timestamp"`
	} `json:"order"`
	Status string `json:"status"`
	User   string `json:"user"`
}

// rawFill mirrors one element of the user-fills push's "fills" array.
type rawFill struct {
	Coin    string `json:"coin"`
	Side    string `json:"side"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Time    int64  `json:"time"`
	Crossed bool   `json:"crossed"`
}

type userFillsMessage struct {
	IsSnapshot bool      `json:"isSnapshot"`
	User       string    `json:"user"`
	Fills      []rawFill `json:"fills"`
}

type wireEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Feed streams classified Master events over subscriber channels,
// reconnecting with exponential backoff — grounded on the teacher's
// PolymarketFeed connection loop, generalized to two distinct Master
// event kinds and an explicit backoff cap (spec §5).
type Feed struct {
	wsURL string
	users []string

	mu      sync.RWMutex
	conn    *websocket.Conn
	stopCh  chan struct{}
	orderCh []chan types.MasterOrderEvent
	fillCh  []chan types.MasterFillEvent
}

// New constructs a Feed against wsURL; Run subscribes to each address
// in users on every (re)connect.
func New(wsURL string, users []string) *Feed {
	return &Feed{wsURL: wsURL, users: users, stopCh: make(chan struct{})}
}

// SubscribeOrders returns a channel receiving classified order events.
func (f *Feed) SubscribeOrders() <-chan types.MasterOrderEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan types.MasterOrderEvent, 1000)
	f.orderCh = append(f.orderCh, ch)
	return ch
}

// SubscribeFills returns a channel receiving classified taker-fill
// events (non-taker fills are dropped at classification time — spec §3).
func (f *Feed) SubscribeFills() <-chan types.MasterFillEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan types.MasterFillEvent, 1000)
	f.fillCh = append(f.fillCh, ch)
	return ch
}

// Run drives the reconnect loop until ctx is canceled or Stop is called.
func (f *Feed) Run(ctx context.Context) {
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
			wsLog.Warn().Err(err).Dur("retryIn", delay).Msg("master feed disconnected, reconnecting")
			obsv.FeedReconnects.WithLabelValues("master").Inc()
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
func (f *Feed) Stop() {
	close(f.stopCh)
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
}

func (f *Feed) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for _, user := range f.users {
		if err := f.subscribe(conn, "orderUpdates", user); err != nil {
			conn.Close()
			return err
		}
		if err := f.subscribe(conn, "userFills", user); err != nil {
			conn.Close()
			return err
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		conn.Close()
		return fmt.Errorf("set read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go f.pingLoop(conn, done)
	defer close(done)

	wsLog.Info().Str("url", f.wsURL).Msg("master feed connected")
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(message)
	}
}

func (f *Feed) subscribe(conn *websocket.Conn, channel, user string) error {
	msg := map[string]any{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": channel,
			"user": user,
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return nil
}

func (f *Feed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) dispatch(raw []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		wsLog.Debug().Err(err).Msg("ignoring unparseable message")
		return
	}

	switch env.Channel {
	case "orderUpdates":
		var updates []rawOrderUpdate
		if err := json.Unmarshal(env.Data, &updates); err != nil {
			wsLog.Warn().Err(err).Msg("malformed orderUpdates payload")
			return
		}
		for _, u := range updates {
			if ev, ok := classifyOrder(u); ok {
				f.broadcastOrder(ev)
			}
		}
	case "userFills":
		var msg userFillsMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			wsLog.Warn().Err(err).Msg("malformed userFills payload")
			return
		}
		if msg.IsSnapshot {
			return
		}
		for _, fl := range msg.Fills {
			if !fl.Crossed {
				continue // non-taker fills are implied by a mirrored resting order
			}
			if ev, ok := classifyFill(fl); ok {
				f.broadcastFill(ev)
			}
		}
	}
}

func classifyOrder(u rawOrderUpdate) (types.MasterOrderEvent, bool) {
	price, err := decimal.NewFromString(u.Order.LimitPx)
	if err != nil {
		wsLog.Warn().Int64("oid", u.Order.Oid).Err(err).Msg("dropping order update with bad price")
		return types.MasterOrderEvent{}, false
	}
	size, err := decimal.NewFromString(u.Order.Sz)
	if err != nil {
		wsLog.Warn().Int64("oid", u.Order.Oid).Err(err).Msg("dropping order update with bad size")
		return types.MasterOrderEvent{}, false
	}
	status, ok := classifyStatus(u.Status)
	if !ok {
		return types.MasterOrderEvent{}, false
	}
	return types.MasterOrderEvent{
		Oid:           strconv.FormatInt(u.Order.Oid, 10),
		Instrument:    u.Order.Coin,
		Side:          sideFromWire(u.Order.Side),
		Price:         price,
		Size:          size,
		Status:        status,
		ReduceOnly:    u.Order.ReduceOnly,
		Timestamp:     time.UnixMilli(u.Order.Timestamp).UTC(),
		MasterAccount: u.User,
	}, true
}

func classifyStatus(raw string) (types.MasterOrderStatus, bool) {
	switch raw {
	case "open":
		return types.MasterStatusOpen, true
	case "canceled", "cancelled":
		return types.MasterStatusCanceled, true
	case "filled":
		return types.MasterStatusFilled, true
	case "triggered":
		return types.MasterStatusTriggered, true
	default:
		return "", false
	}
}

func classifyFill(fl rawFill) (types.MasterFillEvent, bool) {
	price, err := decimal.NewFromString(fl.Px)
	if err != nil {
		return types.MasterFillEvent{}, false
	}
	size, err := decimal.NewFromString(fl.Sz)
	if err != nil {
		return types.MasterFillEvent{}, false
	}
	return types.MasterFillEvent{
		Instrument: fl.Coin,
		Side:       sideFromWire(fl.Side),
		Price:      price,
		Size:       size,
		Timestamp:  time.UnixMilli(fl.Time).UTC(),
		Taker:      fl.Crossed,
	}, true
}

func (f *Feed) broadcastOrder(ev types.MasterOrderEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.orderCh {
		select {
		case ch <- ev:
		default:
			wsLog.Warn().Str("oid", ev.Oid).Msg("order subscriber channel full, dropping event")
		}
	}
}

func (f *Feed) broadcastFill(ev types.MasterFillEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.fillCh {
		select {
		case ch <- ev:
		default:
			wsLog.Warn().Str("instrument", ev.Instrument).Msg("fill subscriber channel full, dropping event")
		}
	}
}
