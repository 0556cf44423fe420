package events

import "strings"

// Type enumerates the event kinds delivered to subscribers.
type Type string

const (
	TypeOrderUpdate    Type = "order_update"
	TypePositionUpdate Type = "position_update"
	TypeSafetyUpdate   Type = "safety_update"
)

// Event is the {type, data} envelope written to subscribers.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

const (
	// TradingPrefix prefixes every per-user trading channel.
	TradingPrefix = "trading_"
	// SafetyChannel carries kill-switch changes for operators.
	SafetyChannel = "safety"
)

// UserChannel returns the trading channel for a user.
func UserChannel(userID string) string {
	return TradingPrefix + userID
}

// IsUserChannel reports whether channel belongs to userID.
func IsUserChannel(channel, userID string) bool {
	return strings.HasPrefix(channel, TradingPrefix) && channel[len(TradingPrefix):] == userID
}
