package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	heartbeatInterval = 30 * time.Second
	minBackoff        = time.Second
	maxBackoff        = 30 * time.Second
)

// phoenixMessage is one frame of the Phoenix channel protocol.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// WebsocketSource subscribes to Postgres row changes over Supabase Realtime.
type WebsocketSource struct {
	URL    string // e.g. wss://<project>.supabase.co
	APIKey string
	Schema string
	// Keys is consulted on every (re)connect.
	Keys func() []Key
	log  logrus.FieldLogger

	writeMu sync.Mutex
	conn    *websocket.Conn
	ref     atomic.Uint64

	topicsMu sync.RWMutex
	topics   map[string]Key
}

func NewWebsocketSource(baseURL, apiKey string, keys func() []Key, log logrus.FieldLogger) *WebsocketSource {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WebsocketSource{
		URL:    baseURL,
		APIKey: apiKey,
		Schema: "public",
		Keys:   keys,
		log:    log.WithField("transport", "websocket"),
		topics: make(map[string]Key),
	}
}

func (s *WebsocketSource) endpoint() (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	q.Set("apikey", s.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func topicFor(key Key) string {
	return fmt.Sprintf("realtime:%s:%s", key.Table, key.UserID)
}

// Run keeps a session open, reconnecting with capped exponential backoff.
func (s *WebsocketSource) Run(ctx context.Context, out chan<- Event) error {
	return retry(ctx, s.log, func(ctx context.Context) (bool, error) {
		return s.session(ctx, out)
	})
}

func (s *WebsocketSource) join(key Key) error {
	topic := topicFor(key)
	payload, err := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": s.Schema,
				"table":  string(key.Table),
				"filter": "user_id=eq." + key.UserID,
			}},
		},
		"access_token": s.APIKey,
	})
	if err != nil {
		return err
	}
	ref := s.nextRef()
	s.topicsMu.Lock()
	s.topics[topic] = key
	s.topicsMu.Unlock()
	return s.send(phoenixMessage{Topic: topic, Event: "phx_join", Payload: payload, Ref: ref, JoinRef: ref})
}

func (s *WebsocketSource) nextRef() string {
	return fmt.Sprint(s.ref.Add(1))
}

func (s *WebsocketSource) send(msg phoenixMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *WebsocketSource) session(ctx context.Context, out chan<- Event) (bool, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return false, err
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial realtime: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	defer func() {
		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
		conn.Close()
	}()

	sessionID := uuid.NewString()
	log := s.log.WithField("session", sessionID)
	var keys []Key
	if s.Keys != nil {
		keys = s.Keys()
	}
	for _, key := range keys {
		if err := s.join(key); err != nil {
			return true, fmt.Errorf("join %s: %w", key, err)
		}
	}
	log.WithField("topics", len(keys)).Info("realtime connected")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				conn.Close()
				return
			case <-ticker.C:
				hb := phoenixMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
				if err := s.send(hb); err != nil {
					log.WithError(err).Warn("heartbeat failed")
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		ev, ok, err := s.decode(raw)
		if err != nil {
			log.WithError(err).Debug("ignoring realtime frame")
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// decode turns a frame into an event; ok is false for control frames.
func (s *WebsocketSource) decode(raw []byte) (Event, bool, error) {
	var msg phoenixMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, false, fmt.Errorf("decode frame: %w", err)
	}
	switch msg.Event {
	case "postgres_changes":
	case "phx_reply":
		var reply struct {
			Status   string          `json:"status"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status != "ok" {
			return Event{}, false, fmt.Errorf("%s rejected: %s", msg.Topic, string(reply.Response))
		}
		return Event{}, false, nil
	case "phx_error", "phx_close":
		return Event{}, false, fmt.Errorf("channel %s: %s", msg.Topic, msg.Event)
	default:
		return Event{}, false, nil
	}

	var payload struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return Event{}, false, fmt.Errorf("decode payload: %w", err)
	}
	ev, err := DecodeChange(payload.Data)
	if err != nil {
		return Event{}, false, err
	}
	if ev.UserID == "" {
		s.topicsMu.RLock()
		key, known := s.topics[msg.Topic]
		s.topicsMu.RUnlock()
		if !known {
			return Event{}, false, fmt.Errorf("change on unknown topic %s without user_id", msg.Topic)
		}
		ev.UserID = key.UserID
	}
	return ev, true, nil
}

// retry runs session until ctx is done. The backoff resets after a session
// that managed to connect.
func retry(ctx context.Context, log logrus.FieldLogger, session func(context.Context) (bool, error)) error {
	backoff := minBackoff
	for {
		connected, err := session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = minBackoff
		}
		log.WithError(err).WithField("retry_in", backoff.String()).Warn("transport disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
