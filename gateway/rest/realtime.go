package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/carousell/ct-go/pkg/logger/log_context"
	"github.com/gorilla/websocket"

	"github.com/teamhubapp/teamhub-go/config"
	"github.com/teamhubapp/teamhub-go/gateway"
)

const heartbeatInterval = 30 * time.Second

// rtMessage is a phoenix-channel frame.
type rtMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type rtChangePayload struct {
	Type   string         `json:"type"`
	Record map[string]any `json:"record"`
	Old    map[string]any `json:"old_record"`
}

type rtSub struct {
	conn     *realtimeConn
	topic    string
	relation string
	fn       gateway.ChangeHandler
	closed   bool
}

func (s *rtSub) Unsubscribe() {
	s.conn.mu.Lock()
	if s.closed {
		s.conn.mu.Unlock()
		return
	}
	s.closed = true
	// A newer subscription may have taken over this topic; leave only
	// when the registration is still ours.
	registered := s.conn.subs[s.topic] == s
	if registered {
		delete(s.conn.subs, s.topic)
	}
	connected := s.conn.conn != nil
	s.conn.mu.Unlock()

	if registered && connected {
		_ = s.conn.send(rtMessage{Topic: s.topic, Event: "phx_leave", Payload: json.RawMessage("{}")})
	}
}

// realtimeConn multiplexes change subscriptions over one websocket.
type realtimeConn struct {
	cfg config.GatewayConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	token  string
	refSeq int
	subs   map[string]*rtSub
	done   chan struct{}
}

func newRealtimeConn(cfg config.GatewayConfig) *realtimeConn {
	return &realtimeConn{
		cfg:  cfg,
		subs: map[string]*rtSub{},
	}
}

func (r *realtimeConn) endpoint() string {
	if r.cfg.RealtimeURL != "" {
		return r.cfg.RealtimeURL
	}
	base := strings.Replace(r.cfg.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/realtime/v1/websocket?apikey=" + r.cfg.AnonKey + "&vsn=1.0.0"
}

func (r *realtimeConn) setToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

func (r *realtimeConn) connect(ctx context.Context) error {
	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.done = make(chan struct{})
	topics := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	r.mu.Unlock()

	go r.readLoop(conn)
	go r.heartbeat()

	for _, topic := range topics {
		if err := r.join(topic); err != nil {
			log.Warnw(ctx, "realtime rejoin failed", "topic", topic, "error", err)
		}
	}
	return nil
}

func (r *realtimeConn) close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (r *realtimeConn) nextRef() string {
	r.refSeq++
	return strconv.Itoa(r.refSeq)
}

func (r *realtimeConn) send(m rtMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	if m.Ref == "" {
		m.Ref = r.nextRef()
	}
	return r.conn.WriteJSON(m)
}

func (r *realtimeConn) join(topic string) error {
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{"user_token": token})
	return r.send(rtMessage{Topic: topic, Event: "phx_join", Payload: payload})
}

func (r *realtimeConn) heartbeat() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := r.send(rtMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage("{}")})
			if err != nil {
				log.Warnw(context.Background(), "realtime heartbeat failed", "error", err)
			}
		}
	}
}

func (r *realtimeConn) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		var m rtMessage
		if err := conn.ReadJSON(&m); err != nil {
			r.mu.Lock()
			open := r.conn == conn
			r.mu.Unlock()
			if open {
				log.Warnw(ctx, "realtime connection lost", "error", err)
			}
			return
		}

		switch m.Event {
		case "INSERT", "UPDATE", "DELETE":
		default:
			continue
		}

		r.mu.Lock()
		sub := r.subs[m.Topic]
		r.mu.Unlock()
		if sub == nil {
			continue
		}

		var payload rtChangePayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			log.Warnw(ctx, "realtime payload decode failed", "topic", m.Topic, "error", err)
			continue
		}
		row := payload.Record
		if len(row) == 0 {
			row = payload.Old
		}
		sub.fn(gateway.Change{
			Relation: sub.relation,
			Event:    gateway.Event(m.Event),
			Row:      row,
		})
	}
}

// topicFor builds the channel topic of a relation-scoped subscription; the
// feed supports a single equality predicate per topic, which is all the
// synchronizers use.
func topicFor(relation string, filter gateway.Filter) (string, error) {
	for column, cond := range filter {
		if cond.Op != gateway.OpEq {
			continue
		}
		return fmt.Sprintf("realtime:public:%s:%s=eq.%v", relation, column, cond.Value), nil
	}
	if len(filter) == 0 {
		return "realtime:public:" + relation, nil
	}
	return "", fmt.Errorf("subscription filter on %s has no equality predicate", relation)
}

func (r *realtimeConn) subscribe(ctx context.Context, relation string, filter gateway.Filter, fn gateway.ChangeHandler) (gateway.Subscription, error) {
	topic, err := topicFor(relation, filter)
	if err != nil {
		return nil, err
	}

	sub := &rtSub{conn: r, topic: topic, relation: relation, fn: fn}
	r.mu.Lock()
	r.subs[topic] = sub
	connected := r.conn != nil
	r.mu.Unlock()

	if connected {
		if err := r.join(topic); err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("join %s: %w", topic, err)
		}
	}
	return sub, nil
}
