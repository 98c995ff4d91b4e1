// Package stream implements the exchange stream client: the session protocol
// state machine, the per-market order book state folded from incremental
// change messages, and the immutable snapshots projected for consumers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the session's protocol position.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateSubscribed     State = "subscribed"
)

// EventKind classifies session events. Auth failures and transport errors are
// fatal to the session; subscription failures are not.
type EventKind string

const (
	EventConnected          EventKind = "connected"
	EventConnectionID       EventKind = "connection_id"
	EventAuthFailed         EventKind = "auth_failed"
	EventSubscriptionFailed EventKind = "subscription_failed"
	EventTransportError     EventKind = "transport_error"
	EventDisconnected       EventKind = "disconnected"
)

// Event is one reportable session condition. All fatal and non-fatal
// conditions surface through the same callback; the consumer decides
// user-visible behavior and whether to reconnect.
type Event struct {
	Kind   EventKind
	Detail string
	Err    error
}

// Config wires a Session to its collaborators.
type Config struct {
	AppKey       string
	SessionToken string

	// Subscription parameters sent with every marketSubscription request.
	ConflateMs   int
	HeartbeatMs  int
	LadderLevels int

	Dialer Dialer

	// OnSnapshot receives one immutable snapshot per applied change. OnEvent
	// receives status and error events. Both are invoked synchronously while
	// the session lock is held and must not call back into the session.
	OnSnapshot func(MarketSnapshot)
	OnEvent    func(Event)

	Logger *logrus.Logger
}

// Session owns one stream connection: it drives the authenticate/subscribe
// handshake, classifies incoming frames, folds market changes into the
// active market's state and pushes snapshots to the consumer. All methods
// are safe for concurrent use; frames are processed one at a time.
type Session struct {
	cfg    Config
	logger *logrus.Logger

	mu             sync.Mutex
	state          State
	transport      Transport
	generation     int
	nextID         int
	marketID       string
	subscriptionID int
	market         *MarketState
}

// NewSession returns a disconnected session. Callers decide when to connect
// and when to reconnect after a failure; the session never retries on its
// own.
func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
		nextID: 1000,
	}
}

// State returns the session's current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the transport and immediately sends the authentication
// request under the reserved auth request id. It is idempotent: connecting an
// already-connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	gen := s.generation
	s.mu.Unlock()

	transport, err := s.cfg.Dialer.Dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.state != StateConnecting {
		// Disconnected while dialing.
		if err == nil {
			transport.Close()
		}
		return nil
	}
	if err != nil {
		s.state = StateDisconnected
		s.emit(Event{Kind: EventTransportError, Err: err})
		return fmt.Errorf("stream connect: %w", err)
	}

	s.transport = transport
	s.state = StateAuthenticating
	s.emit(Event{Kind: EventConnected})

	auth := authenticationMessage{
		Op:      opAuthentication,
		ID:      authRequestID,
		AppKey:  s.cfg.AppKey,
		Session: s.cfg.SessionToken,
	}
	if err := s.writeLocked(auth); err != nil {
		s.teardownLocked()
		s.emit(Event{Kind: EventTransportError, Err: err})
		return fmt.Errorf("stream authenticate: %w", err)
	}

	go s.readLoop(transport, gen)
	return nil
}

// SelectMarket records the desired market. If the session is not yet
// authenticated the selection is deferred and applied when authentication
// succeeds; otherwise a fresh subscription is issued immediately. Issuing a
// new subscription invalidates the previous subscription id, resets the
// market state and emits an empty snapshot so consumers never display stale
// data from the previous market.
func (s *Session) SelectMarket(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marketID = marketID
	if s.state != StateReady && s.state != StateSubscribed {
		return
	}
	s.subscribeLocked()
}

// Disconnect tears down the transport and discards all in-memory market
// state. It is idempotent and safe to call from any state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected && s.transport == nil {
		return
	}
	s.teardownLocked()
	s.emit(Event{Kind: EventDisconnected})
}

// Snapshot returns the projection of the current market state, or false when
// no market is subscribed.
func (s *Session) Snapshot() (MarketSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.market == nil {
		return MarketSnapshot{}, false
	}
	return Project(s.market), true
}

func (s *Session) readLoop(transport Transport, gen int) {
	for {
		frame, err := transport.ReadFrame()
		if err != nil {
			s.mu.Lock()
			if s.generation != gen {
				// A newer connection (or an explicit disconnect) already
				// superseded this loop.
				s.mu.Unlock()
				return
			}
			s.teardownLocked()
			s.emit(Event{Kind: EventTransportError, Err: err})
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		s.handleFrameLocked(frame)
		s.mu.Unlock()
	}
}

func (s *Session) handleFrameLocked(frame []byte) {
	switch frameOp(frame) {
	case opConnection:
		var msg ConnectionMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.WithError(err).Debug("Dropping malformed connection frame")
			return
		}
		if msg.ConnectionID != "" {
			s.emit(Event{Kind: EventConnectionID, Detail: msg.ConnectionID})
		}
	case opStatus:
		var msg StatusMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.WithError(err).Debug("Dropping malformed status frame")
			return
		}
		s.handleStatusLocked(&msg)
	case opMarketChange:
		var msg MarketChangeMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.WithError(err).Debug("Dropping malformed mcm frame")
			return
		}
		s.handleChangeLocked(&msg)
	default:
		// Unknown op or undecodable frame. A single bad frame must not
		// desynchronize the session.
		s.logger.WithField("frame_bytes", len(frame)).Debug("Dropping unrecognized frame")
	}
}

func (s *Session) handleStatusLocked(msg *StatusMessage) {
	// The server omits the id on some failure frames; while authentication is
	// pending those are treated as the auth result.
	isAuth := s.state == StateAuthenticating &&
		(msg.ID == nil || *msg.ID == authRequestID)

	if isAuth {
		switch msg.StatusCode {
		case StatusSuccess:
			s.state = StateReady
			s.logger.Info("Stream authentication succeeded")
			if s.marketID != "" {
				s.subscribeLocked()
			}
		case StatusFailure:
			detail := msg.ErrorDetail()
			s.logger.WithField("detail", detail).Warn("Stream authentication failed")
			s.teardownLocked()
			s.emit(Event{Kind: EventAuthFailed, Detail: detail})
		}
		return
	}

	// Subscription acknowledgement. Failure is non-fatal: the session stays
	// connected and usable for a future reselection.
	if msg.StatusCode == StatusFailure {
		detail := msg.ErrorDetail()
		s.logger.WithField("detail", detail).Warn("Market subscription failed")
		if s.state == StateSubscribed {
			s.state = StateReady
		}
		s.emit(Event{Kind: EventSubscriptionFailed, Detail: detail})
	}
}

func (s *Session) handleChangeLocked(msg *MarketChangeMessage) {
	if s.subscriptionID == 0 || s.marketID == "" {
		return
	}
	// Heartbeats only prove the connection is alive; re-emitting the same
	// snapshot on every heartbeat would look like a data change.
	if msg.Ct == ChangeHeartbeat {
		return
	}

	next := Apply(s.market, msg, ApplyOptions{
		SubscriptionID: s.subscriptionID,
		MarketID:       s.marketID,
	})
	if next == s.market {
		return
	}
	s.market = next
	s.emitSnapshotLocked()
}

func (s *Session) subscribeLocked() {
	id := s.nextID
	s.nextID++
	s.subscriptionID = id
	s.market = NewMarketState(s.marketID)
	s.state = StateSubscribed
	s.emitSnapshotLocked()

	sub := marketSubscriptionMessage{
		Op:                  opMarketSubscription,
		ID:                  id,
		SegmentationEnabled: true,
		ConflateMs:          s.cfg.ConflateMs,
		HeartbeatMs:         s.cfg.HeartbeatMs,
		MarketFilter:        marketFilter{MarketIDs: []string{s.marketID}},
		MarketDataFilter: marketDataFilter{
			LadderLevels: s.cfg.LadderLevels,
			Fields:       defaultDataFields,
		},
	}
	s.logger.WithFields(logrus.Fields{
		"market_id":       s.marketID,
		"subscription_id": id,
	}).Info("Subscribing to market")

	if err := s.writeLocked(sub); err != nil {
		s.teardownLocked()
		s.emit(Event{Kind: EventTransportError, Err: err})
	}
}

func (s *Session) emitSnapshotLocked() {
	if s.cfg.OnSnapshot == nil || s.market == nil {
		return
	}
	s.cfg.OnSnapshot(Project(s.market))
}

func (s *Session) writeLocked(msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if s.transport == nil {
		return fmt.Errorf("stream not connected")
	}
	return s.transport.WriteFrame(frame)
}

// teardownLocked closes the transport, invalidates the read loop and drops
// all market state. The desired market selection is cleared as well: after a
// disconnect the consumer reselects explicitly.
func (s *Session) teardownLocked() {
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.generation++
	s.state = StateDisconnected
	s.marketID = ""
	s.subscriptionID = 0
	s.market = nil
}

func (s *Session) emit(e Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	s.cfg.OnEvent(e)
}
