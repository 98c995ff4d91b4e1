package stream

import "encoding/json"

// Stream frame op codes.
const (
	opConnection         = "connection"
	opStatus             = "status"
	opMarketChange       = "mcm"
	opAuthentication     = "authentication"
	opMarketSubscription = "marketSubscription"
)

// authRequestID is the request id reserved for the authentication handshake.
// Status frames carrying it are auth results; any other id correlates to a
// market subscription.
const authRequestID = 1

// ChangeType classifies a market change message.
type ChangeType string

const (
	ChangeSubImage   ChangeType = "SUB_IMAGE"
	ChangeResubDelta ChangeType = "RESUB_DELTA"
	ChangeHeartbeat  ChangeType = "HEARTBEAT"
)

// SegmentType marks a message's position within a segmented image.
type SegmentType string

const (
	SegStart SegmentType = "SEG_START"
	SegMid   SegmentType = "SEG"
	SegEnd   SegmentType = "SEG_END"
)

// StatusCode is the outcome of a previously sent request.
type StatusCode string

const (
	StatusSuccess StatusCode = "SUCCESS"
	StatusFailure StatusCode = "FAILURE"
)

// ConnectionMessage is the informational frame the server sends on connect.
type ConnectionMessage struct {
	Op           string `json:"op"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// StatusMessage correlates to a previously sent request id.
type StatusMessage struct {
	Op               string     `json:"op"`
	ID               *int       `json:"id,omitempty"`
	StatusCode       StatusCode `json:"statusCode,omitempty"`
	ErrorCode        string     `json:"errorCode,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	ConnectionClosed *bool      `json:"connectionClosed,omitempty"`
}

// ErrorDetail returns the most specific server-provided failure detail, or ""
// when the server sent none.
func (m *StatusMessage) ErrorDetail() string {
	if m.ErrorMessage != "" {
		return m.ErrorMessage
	}
	return m.ErrorCode
}

// MarketChangeMessage is one mcm frame. The feed sends only what changed, so
// every field that distinguishes "absent" from "zero" is a pointer.
type MarketChangeMessage struct {
	Op          string         `json:"op"`
	ID          *int           `json:"id,omitempty"`
	Ct          ChangeType     `json:"ct,omitempty"`
	SegmentType SegmentType    `json:"segmentType,omitempty"`
	PublishTime *int64         `json:"pt,omitempty"`
	Clk         string         `json:"clk,omitempty"`
	InitialClk  string         `json:"initialClk,omitempty"`
	Mc          []MarketChange `json:"mc,omitempty"`
}

// MarketChange carries the deltas for one market. The server may multiplex
// markets the client never subscribed to; matching is by ID.
type MarketChange struct {
	ID               string          `json:"id,omitempty"`
	Img              bool            `json:"img,omitempty"`
	TradedVolume     *float64        `json:"tv,omitempty"`
	MarketDefinition json.RawMessage `json:"marketDefinition,omitempty"`
	Rc               []RunnerChange  `json:"rc,omitempty"`
}

// RunnerChange carries the deltas for one runner. Batb and Batl entries are
// [level, price, size] triples addressed by depth index; size 0 deletes the
// level.
type RunnerChange struct {
	ID           int64       `json:"id,omitempty"`
	Ltp          *float64    `json:"ltp,omitempty"`
	TradedVolume *float64    `json:"tv,omitempty"`
	Batb         [][]float64 `json:"batb,omitempty"`
	Batl         [][]float64 `json:"batl,omitempty"`
}

// authenticationMessage is the first frame sent after the transport opens.
type authenticationMessage struct {
	Op      string `json:"op"`
	ID      int    `json:"id"`
	AppKey  string `json:"appKey"`
	Session string `json:"session"`
}

// marketSubscriptionMessage requests the change stream for one market.
type marketSubscriptionMessage struct {
	Op                  string           `json:"op"`
	ID                  int              `json:"id"`
	SegmentationEnabled bool             `json:"segmentationEnabled"`
	ConflateMs          int              `json:"conflateMs"`
	HeartbeatMs         int              `json:"heartbeatMs"`
	MarketFilter        marketFilter     `json:"marketFilter"`
	MarketDataFilter    marketDataFilter `json:"marketDataFilter"`
}

type marketFilter struct {
	MarketIDs []string `json:"marketIds"`
}

type marketDataFilter struct {
	LadderLevels int      `json:"ladderLevels"`
	Fields       []string `json:"fields"`
}

// defaultDataFields covers everything the snapshot projection consumes.
var defaultDataFields = []string{"EX_MARKET_DEF", "EX_LTP", "EX_BEST_OFFERS", "EX_TRADED_VOL"}

// frameOp peeks at a frame's op code without committing to a full decode.
// Undecodable frames yield "" and are dropped by the caller.
func frameOp(frame []byte) string {
	var envelope struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return ""
	}
	return envelope.Op
}
