// Package realtime implements transport.Channel over a single shared
// websocket speaking the Phoenix channel protocol (serializer v2): every
// frame is a JSON array [join_ref, ref, topic, event, payload].
//
// The socket does not reconnect. When the connection drops, every joined
// topic is closed with the read error and callers mark their caches stale.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

// Protocol event names.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChange    = "change"

	topicPhoenix = "phoenix"
)

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("realtime: socket closed")

// Settings tune the socket.
type Settings struct {
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

// DefaultSettings mirror the browser client defaults.
func DefaultSettings() Settings {
	return Settings{
		JoinTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type topicState struct {
	topic    string
	joinRef  string
	handlers transport.Handlers
	joined   atomic.Bool
	done     atomic.Bool
}

// close reports whether this call transitioned the topic to done.
func (ts *topicState) close() bool {
	return ts.done.CompareAndSwap(false, true)
}

// Socket is one websocket connection multiplexing many topics.
type Socket struct {
	conn     *websocket.Conn
	settings Settings
	logger   *slog.Logger

	ref     atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan reply
	topics  map[string]*topicState // by join ref

	heartbeatRef atomic.Value // string

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// SocketURL returns the websocket endpoint for a base socket URL, adding the
// transport suffix and protocol version the server expects.
func SocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("socket url %q: scheme must be ws or wss", base)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	q.Set("vsn", "2.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the socket endpoint derived from base.
func Dial(ctx context.Context, base string, settings Settings) (*Socket, error) {
	target, err := SocketURL(base)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	def := DefaultSettings()
	if settings.JoinTimeout <= 0 {
		settings.JoinTimeout = def.JoinTimeout
	}
	if settings.HeartbeatInterval <= 0 {
		settings.HeartbeatInterval = def.HeartbeatInterval
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = def.WriteTimeout
	}
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Socket{
		conn:     conn,
		settings: settings,
		logger:   logger,
		pending:  make(map[string]chan reply),
		topics:   make(map[string]*topicState),
		closed:   make(chan struct{}),
	}
	s.heartbeatRef.Store("")

	go s.readLoop()
	go s.heartbeatLoop()
	return s, nil
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// Done is closed when the connection ends.
func (s *Socket) Done() <-chan struct{} {
	return s.closed
}

// Err returns the reason the socket closed, or nil while open.
func (s *Socket) Err() error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
		return nil
	}
}

// Close ends the connection. Joined topics receive OnClose(ErrClosed).
func (s *Socket) Close() error {
	s.shutdown(ErrClosed)
	return nil
}

func (s *Socket) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.closeErr = reason
		close(s.closed)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()

		s.mu.Lock()
		topics := s.topics
		s.topics = make(map[string]*topicState)
		s.pending = make(map[string]chan reply)
		s.mu.Unlock()

		for _, ts := range topics {
			if ts.joined.Load() && ts.close() && ts.handlers.OnClose != nil {
				ts.handlers.OnClose(reason)
			}
		}
	})
}

func (s *Socket) send(joinRef, ref, topic, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame := []any{nullable(joinRef), nullable(ref), topic, event, json.RawMessage(body)}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s %s: %w", topic, event, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Join implements transport.Channel.
func (s *Socket) Join(ctx context.Context, topic string, params transport.Query, h transport.Handlers) (transport.Subscription, []json.RawMessage, error) {
	joinRef := s.nextRef()
	ts := &topicState{topic: topic, joinRef: joinRef, handlers: h}
	ch := make(chan reply, 1)

	s.mu.Lock()
	s.topics[joinRef] = ts
	s.pending[joinRef] = ch
	s.mu.Unlock()

	options := params
	if options == nil {
		options = transport.Query{}
	}
	if err := s.send(joinRef, joinRef, topic, eventJoin, map[string]any{"options": options}); err != nil {
		s.forget(joinRef)
		return nil, nil, err
	}

	timer := time.NewTimer(s.settings.JoinTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.Status != "ok" {
			s.forget(joinRef)
			return nil, nil, &transport.JoinError{Topic: topic, Reason: reason(r.Response)}
		}
		ts.joined.Store(true)
		s.logger.Debug("joined topic", "topic", topic, "join_ref", joinRef)
		return &subscription{socket: s, state: ts}, replyItems(r.Response), nil
	case <-timer.C:
		s.forget(joinRef)
		_ = s.send(joinRef, s.nextRef(), topic, eventLeave, struct{}{})
		return nil, nil, &transport.JoinError{Topic: topic, Timeout: true}
	case <-ctx.Done():
		s.forget(joinRef)
		_ = s.send(joinRef, s.nextRef(), topic, eventLeave, struct{}{})
		return nil, nil, ctx.Err()
	case <-s.closed:
		s.forget(joinRef)
		return nil, nil, ErrClosed
	}
}

func (s *Socket) forget(joinRef string) {
	s.mu.Lock()
	delete(s.topics, joinRef)
	delete(s.pending, joinRef)
	s.mu.Unlock()
}

func reason(resp json.RawMessage) string {
	var r struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(resp, &r) == nil && r.Reason != "" {
		return r.Reason
	}
	if len(resp) == 0 {
		return "refused"
	}
	return string(resp)
}

func replyItems(resp json.RawMessage) []json.RawMessage {
	var r struct {
		Items []json.RawMessage `json:"items"`
	}
	if len(resp) == 0 || json.Unmarshal(resp, &r) != nil || r.Items == nil {
		return []json.RawMessage{}
	}
	return r.Items
}

type subscription struct {
	socket *Socket
	state  *topicState
}

// Leave implements transport.Subscription.
func (sub *subscription) Leave() error {
	if !sub.state.close() {
		return nil
	}
	sub.socket.forget(sub.state.joinRef)
	err := sub.socket.send(sub.state.joinRef, sub.socket.nextRef(), sub.state.topic, eventLeave, struct{}{})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

type inbound struct {
	joinRef string
	ref     string
	topic   string
	event   string
	payload json.RawMessage
}

func decodeFrame(data []byte) (inbound, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(parts) != 5 {
		return inbound{}, fmt.Errorf("decode frame: want 5 elements, got %d", len(parts))
	}
	var in inbound
	var joinRef, ref *string
	if err := json.Unmarshal(parts[0], &joinRef); err != nil {
		return inbound{}, fmt.Errorf("decode join_ref: %w", err)
	}
	if err := json.Unmarshal(parts[1], &ref); err != nil {
		return inbound{}, fmt.Errorf("decode ref: %w", err)
	}
	if err := json.Unmarshal(parts[2], &in.topic); err != nil {
		return inbound{}, fmt.Errorf("decode topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &in.event); err != nil {
		return inbound{}, fmt.Errorf("decode event: %w", err)
	}
	if joinRef != nil {
		in.joinRef = *joinRef
	}
	if ref != nil {
		in.ref = *ref
	}
	in.payload = parts[4]
	return in, nil
}

func (s *Socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("realtime connection lost", "error", err)
			}
			s.shutdown(fmt.Errorf("realtime: connection lost: %w", err))
			return
		}
		in, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		s.dispatch(in)
	}
}

func (s *Socket) dispatch(in inbound) {
	switch in.event {
	case eventReply:
		if in.topic == topicPhoenix {
			s.heartbeatRef.CompareAndSwap(in.ref, "")
			return
		}
		var r reply
		if err := json.Unmarshal(in.payload, &r); err != nil {
			s.logger.Warn("dropping malformed reply", "topic", in.topic, "error", err)
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[in.ref]
		delete(s.pending, in.ref)
		// Marked here, before the next frame is read, so a change sent
		// right after the reply reaches the handlers.
		if ts, joining := s.topics[in.ref]; ok && joining && r.Status == "ok" {
			ts.joined.Store(true)
		}
		s.mu.Unlock()
		if ok {
			ch <- r
		}
	case eventChange:
		var c transport.Change
		if err := json.Unmarshal(in.payload, &c); err != nil {
			s.logger.Warn("dropping malformed change", "topic", in.topic, "error", err)
			return
		}
		for _, ts := range s.subscribers(in) {
			if ts.handlers.OnChange != nil {
				ts.handlers.OnChange(c)
			}
		}
	case eventError, eventClose:
		var err error
		if in.event == eventError {
			err = fmt.Errorf("realtime: topic %s errored", in.topic)
		}
		for _, ts := range s.subscribers(in) {
			s.forget(ts.joinRef)
			if ts.close() && ts.handlers.OnClose != nil {
				ts.handlers.OnClose(err)
			}
		}
	default:
		s.logger.Debug("ignoring event", "topic", in.topic, "event", in.event)
	}
}

// subscribers returns joined topics addressed by a frame. Broadcasts carry
// no join ref and reach every join of the topic.
func (s *Socket) subscribers(in inbound) []*topicState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*topicState
	for ref, ts := range s.topics {
		if ts.topic != in.topic || !ts.joined.Load() || ts.done.Load() {
			continue
		}
		if in.joinRef != "" && in.joinRef != ref {
			continue
		}
		out = append(out, ts)
	}
	return out
}

func (s *Socket) heartbeatLoop() {
	ticker := time.NewTicker(s.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if prev, _ := s.heartbeatRef.Load().(string); prev != "" {
				s.logger.Warn("heartbeat timeout", "ref", prev)
				s.shutdown(errors.New("realtime: heartbeat timeout"))
				return
			}
			ref := s.nextRef()
			s.heartbeatRef.Store(ref)
			if err := s.send("", ref, topicPhoenix, eventHeartbeat, struct{}{}); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}
