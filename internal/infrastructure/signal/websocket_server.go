package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/core/services"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayConfig tunes the relay side of the signaling channel.
type RelayConfig struct {
	InstanceID        string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		InstanceID:        uuid.NewString(),
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
		MaxMessageSize:    128 * 1024,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// errTargetGone marks a message whose addressee has no channel.
var errTargetGone = errors.New("target not connected")

// Messages to a vanished peer that are dropped without telling the sender.
var quietDrops = map[domain.MessageType]bool{
	domain.MsgEndCall:      true,
	domain.MsgICECandidate: true,
	domain.MsgRejectCall:   true,
}

type connection struct {
	ref     domain.ChannelRef
	userID  domain.UserID
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WebSocketServer is the signaling relay: one channel per authenticated
// connection, messages routed by user id or channel ref.
type WebSocketServer struct {
	cfg       RelayConfig
	auth      services.AuthService
	directory ports.Directory
	bus       ports.Bus
	metrics   ports.RelayMetrics
	upgrader  websocket.Upgrader

	connections map[domain.ChannelRef]*connection
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

// NewWebSocketServer builds a relay. bus may be nil for a single instance.
func NewWebSocketServer(
	cfg RelayConfig,
	auth services.AuthService,
	directory ports.Directory,
	bus ports.Bus,
	metrics ports.RelayMetrics,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	s := &WebSocketServer{
		cfg:         cfg,
		auth:        auth,
		directory:   directory,
		bus:         bus,
		metrics:     metrics,
		connections: make(map[domain.ChannelRef]*connection),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Start consumes envelopes other instances publish for this one.
func (s *WebSocketServer) Start(ctx context.Context) {
	if s.bus == nil {
		return
	}
	go func() {
		for ctx.Err() == nil {
			err := s.bus.Subscribe(ctx, s.cfg.InstanceID, func(env ports.Envelope) {
				if err := s.deliverLocal(env.TargetChannel, env.Message); err != nil {
					s.metrics.MessageDropped(env.Message.Type, "target_gone")
				}
			})
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("relay bus subscription ended, resubscribing", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("access_token")
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		ref:     domain.ChannelRef(uuid.NewString()),
		userID:  claims.UserID,
		ws:      ws,
		send:    make(chan []byte, s.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.connections[c.ref] = c
	s.mu.Unlock()

	ctx := context.Background()
	superseded, err := s.directory.Register(ctx, ports.Presence{
		UserID:     c.userID,
		ChannelRef: c.ref,
		InstanceID: s.cfg.InstanceID,
	})
	if err != nil {
		s.logger.Errorw("failed to register presence", "user_id", c.userID, "error", err)
		s.mu.Lock()
		delete(s.connections, c.ref)
		s.mu.Unlock()
		ws.Close()
		return
	}
	if superseded != nil && superseded.InstanceID == s.cfg.InstanceID {
		s.closeChannel(superseded.ChannelRef)
		s.logger.Infow("closing superseded connection",
			"user_id", c.userID,
			"channel_ref", superseded.ChannelRef,
		)
	}

	s.metrics.ConnectionOpened()
	s.logger.Infow("user connected", "user_id", c.userID, "channel_ref", c.ref)

	go s.writePump(c)
	s.readLoop(ctx, c)

	s.mu.Lock()
	if s.connections[c.ref] == c {
		delete(s.connections, c.ref)
	}
	s.mu.Unlock()
	c.close()

	if err := s.directory.Unregister(ctx, c.userID, c.ref); err != nil {
		s.logger.Warnw("failed to unregister presence", "user_id", c.userID, "error", err)
	}
	s.metrics.ConnectionClosed()
	s.logger.Infow("user disconnected", "user_id", c.userID, "channel_ref", c.ref)
}

func (s *WebSocketServer) readLoop(ctx context.Context, c *connection) {
	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from channel", "channel_ref", c.ref, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			s.metrics.MessageDropped("", "malformed")
			s.sendError(c, "malformed_message", "message must be {type, payload}")
			continue
		}
		if !c.limiter.Allow() {
			s.metrics.MessageDropped(msg.Type, "rate_limited")
			s.sendError(c, "rate_limited", "too many messages")
			continue
		}

		if err := s.route(ctx, c, msg); err != nil {
			if errors.Is(err, errTargetGone) && quietDrops[msg.Type] {
				s.metrics.MessageDropped(msg.Type, "target_gone")
				continue
			}
			s.metrics.MessageDropped(msg.Type, "rejected")
			s.logger.Infow("error handling message", "channel_ref", c.ref, "type", msg.Type, "error", err)
			s.sendError(c, "invalid_message", err.Error())
			continue
		}
		s.metrics.MessageRouted(msg.Type)
	}
}

func (s *WebSocketServer) writePump(c *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to channel", "channel_ref", c.ref, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *WebSocketServer) route(ctx context.Context, from *connection, msg domain.SignalMessage) (err error) {
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(from.userID))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	switch msg.Type {
	case domain.MsgCallUser:
		return s.routeCallUser(ctx, from, msg)
	case domain.MsgAnswerCall:
		return s.routeAnswer(ctx, from, msg)
	case domain.MsgRejectCall:
		return s.routeReject(ctx, from, msg)
	case domain.MsgEndCall:
		return s.routeEndCall(ctx, from, msg)
	case domain.MsgICECandidate:
		return s.routeCandidate(ctx, from, msg)
	case domain.MsgRestartOffer, domain.MsgRestartAnswer:
		return s.routeRestart(ctx, from, msg)
	case domain.MsgRestartRequest:
		return s.routeRestartRequest(ctx, from, msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) routeCallUser(ctx context.Context, from *connection, msg domain.SignalMessage) error {
	var p domain.CallUserPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := validation.ValidateCallID(string(p.CallID)); err != nil {
		return err
	}
	if err := validation.ValidateUserID(string(p.TargetUserID)); err != nil {
		return err
	}
	if err := validation.ValidateSDP(p.Offer.SDP); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}

	target, err := s.directory.Lookup(ctx, p.TargetUserID)
	if errors.Is(err, domain.ErrUserOffline) {
		s.logger.Infow("call target unavailable", "from_user", from.userID, "target_user", p.TargetUserID)
		return s.reply(from, domain.MsgUserUnavailable, domain.UserUnavailablePayload{
			CallID:       p.CallID,
			TargetUserID: p.TargetUserID,
		})
	}
	if err != nil {
		return err
	}

	s.logger.Infow("routing call",
		"call_id", p.CallID,
		"from_user", from.userID,
		"to_user", p.TargetUserID,
		"call_type", p.CallType,
	)
	return s.deliver(ctx, target, domain.MsgIncomingCall, domain.IncomingCallPayload{
		CallID:           p.CallID,
		CallerID:         from.userID,
		CallerChannelRef: from.ref,
		Offer:            p.Offer,
		CallType:         p.CallType,
	})
}

func (s *WebSocketServer) routeAnswer(ctx context.Context, from *connection, msg domain.SignalMessage) error {
	var p domain.AnswerCallPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := validation.ValidateSDP(p.Answer.SDP); err != nil {
		return fmt.Errorf("invalid answer: %w", err)
	}
	target, err := s.channelTarget(ctx, p.CallerChannelRef)
	if err != nil {
		return err
	}
	return s.deliver(ctx, target, domain.MsgCallAnswered, domain.CallAnsweredPayload{
		CallID:           p.CallID,
		CalleeID:         from.userID,
		CalleeChannelRef: from.ref,
		Answer:           p.Answer,
	})
}

func (s *WebSocketServer) routeReject(ctx context.Context, from *connection, msg domain.SignalMessage) error {
	var p domain.RejectCallPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	target, err := s.channelTarget(ctx, p.CallerChannelRef)
	if err != nil {
		return err
	}
	return s.deliver(ctx, target, domain.MsgCallRejected, domain.CallRejectedPayload{CallID: p.CallID})
}

func (s *WebSocketServer) routeEndCall(ctx context.Context, from *connection, msg domain.SignalMessage) error {
	var p domain.EndCallPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	target, err := s.addressed(ctx, p.TargetChannelRef, p.TargetUserID)
	if err != nil {
		return err
	}
	return s.deliver(ctx, target, domain.MsgCallEnded, domain.CallEndedPayload{
		CallID:           p.CallID,
		SenderID:         from.userID,
		SenderChannelRef: from.ref,
	})
}

func (s *WebSocketServer) routeCandidate(ctx context.Context, from *connection, msg domain.SignalMessage) error {
	var p domain.ICECandidatePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := validation.ValidateCandidate(p.Candidate.Candidate); err != nil {
		return err
	}
	target, err := s.addressed(ctx, p.TargetChannelRef, p.TargetUserID)
	if err != nil {
		return err
	}

	s.logger.Debugw("routing ICE candidate",
		"call_id", p.CallID,
		"from_user", from.userID,
		"to_user", target.UserID,
	)
	return s.deliver(ctx, target, domain.MsgICECandidate, domain.ICECandidatePayload{
		CallID:           p.CallID,
		SenderID:         from.userID,
		SenderChannelRef: from.ref,
		Candidate:        p.Candidate,
	})
}

func (s *WebSocketServer) routeRestart(ctx context.Context, from *connection, msg domain.SignalMessage) error {
	var p domain.RestartPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := validation.ValidateSDP(p.Description.SDP); err != nil {
		return fmt.Errorf("invalid description: %w", err)
	}
	target, err := s.channelTarget(ctx, p.TargetChannelRef)
	if err != nil {
		return err
	}
	p.TargetChannelRef = ""
	p.SenderChannelRef = from.ref
	return s.deliver(ctx, target, msg.Type, p)
}

func (s *WebSocketServer) routeRestartRequest(ctx context.Context, from *connection, msg domain.SignalMessage) error {
	var p domain.RestartRequestPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	target, err := s.channelTarget(ctx, p.TargetChannelRef)
	if err != nil {
		return err
	}
	p.TargetChannelRef = ""
	p.SenderChannelRef = from.ref
	return s.deliver(ctx, target, msg.Type, p)
}

// addressed resolves a channel ref when given, else the user's active channel.
func (s *WebSocketServer) addressed(ctx context.Context, ref domain.ChannelRef, userID domain.UserID) (*ports.Presence, error) {
	if ref != "" {
		return s.channelTarget(ctx, ref)
	}
	if userID == "" {
		return nil, fmt.Errorf("targetChannelRef or targetUserId is required")
	}
	target, err := s.directory.Lookup(ctx, userID)
	if errors.Is(err, domain.ErrUserOffline) {
		return nil, fmt.Errorf("%w: user %s", errTargetGone, userID)
	}
	return target, err
}

func (s *WebSocketServer) channelTarget(ctx context.Context, ref domain.ChannelRef) (*ports.Presence, error) {
	if err := validation.ValidateChannelRef(string(ref)); err != nil {
		return nil, err
	}
	target, err := s.directory.LookupChannel(ctx, ref)
	if errors.Is(err, domain.ErrUserOffline) {
		return nil, fmt.Errorf("%w: channel %s", errTargetGone, ref)
	}
	return target, err
}

func (s *WebSocketServer) deliver(ctx context.Context, target *ports.Presence, typ domain.MessageType, payload interface{}) error {
	msg, err := domain.NewSignalMessage(typ, payload)
	if err != nil {
		return err
	}
	if s.bus == nil || target.InstanceID == s.cfg.InstanceID {
		return s.deliverLocal(target.ChannelRef, msg)
	}
	return s.bus.Publish(ctx, target.InstanceID, ports.Envelope{
		TargetChannel: target.ChannelRef,
		Message:       msg,
	})
}

func (s *WebSocketServer) deliverLocal(ref domain.ChannelRef, msg domain.SignalMessage) error {
	s.mu.RLock()
	c, ok := s.connections[ref]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: channel %s", errTargetGone, ref)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.enqueue(c, data)
}

func (s *WebSocketServer) enqueue(c *connection, data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: channel %s", errTargetGone, c.ref)
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		// a consumer this far behind is closed rather than buffered for
		s.logger.Warnw("send buffer full, closing channel", "channel_ref", c.ref, "user_id", c.userID)
		c.close()
		return fmt.Errorf("%w: channel %s", errTargetGone, c.ref)
	}
}

func (s *WebSocketServer) reply(c *connection, typ domain.MessageType, payload interface{}) error {
	msg, err := domain.NewSignalMessage(typ, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.enqueue(c, data)
}

func (s *WebSocketServer) sendError(c *connection, code, message string) {
	if err := s.reply(c, domain.MsgError, domain.ErrorPayload{Code: code, Message: message}); err != nil {
		s.logger.Debugw("failed to send error", "channel_ref", c.ref, "error", err)
	}
}

func (s *WebSocketServer) closeChannel(ref domain.ChannelRef) {
	s.mu.RLock()
	c, ok := s.connections[ref]
	s.mu.RUnlock()
	if ok {
		c.close()
	}
}

// ConnectionCount returns the number of open channels on this instance.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsUserConnected(userID domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connections {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// Shutdown closes every channel. Handlers unwind and unregister presence.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, c := range s.connections {
		c.close()
	}
	s.mu.RUnlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
