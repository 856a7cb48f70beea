// Package featureflags provides runtime switches for the status engine.
package featureflags

import (
	"time"
)

// Well-known feature flag keys.
const (
	// FlagDisablePushChannel keeps new resources on the poll fallback only.
	FlagDisablePushChannel = "disable_push_channel"

	// FlagDisableNotifications suppresses every notification sink.
	FlagDisableNotifications = "disable_notifications"

	// FlagNativeNotificationsPermitted allows the native notification sink.
	FlagNativeNotificationsPermitted = "native_notifications_permitted"

	// FlagStaleGraceMultiplier is the number of poll intervals without an
	// observation after which a status is reported as stale.
	FlagStaleGraceMultiplier = "stale_grace_multiplier"
)

// DefaultStaleGraceMultiplier is used when the stale grace flag is unset or invalid.
const DefaultStaleGraceMultiplier = 3

// Flag represents a feature flag with its current value.
type Flag struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FlagList represents a list of feature flags.
type FlagList struct {
	Items []Flag `json:"items"`
}

// FlagUpdate represents a single flag update request.
type FlagUpdate struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// FlagUpdateRequest represents a request to update feature flags.
type FlagUpdateRequest struct {
	Updates []FlagUpdate `json:"updates"`
	Reason  string       `json:"reason"`
}

// BoolValue returns the flag value as a boolean.
// Returns the default value if the flag is nil or not a boolean.
func (f *Flag) BoolValue(defaultValue bool) bool {
	if f == nil {
		return defaultValue
	}
	switch v := f.Value.(type) {
	case bool:
		return v
	case float64:
		// JSON numbers decode as float64
		return v != 0
	default:
		return defaultValue
	}
}

// IntValue returns the flag value as an integer.
// Returns the default value if the flag is nil or not a number.
func (f *Flag) IntValue(defaultValue int) int {
	if f == nil {
		return defaultValue
	}
	switch v := f.Value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return defaultValue
	}
}

func (f *Flag) clone() *Flag {
	c := *f
	return &c
}

// DefaultFlags returns the default feature flags.
func DefaultFlags() map[string]*Flag {
	now := time.Now()
	return map[string]*Flag{
		FlagDisablePushChannel: {
			Key:       FlagDisablePushChannel,
			Value:     false,
			UpdatedAt: now,
		},
		FlagDisableNotifications: {
			Key:       FlagDisableNotifications,
			Value:     false,
			UpdatedAt: now,
		},
		FlagNativeNotificationsPermitted: {
			Key:       FlagNativeNotificationsPermitted,
			Value:     false,
			UpdatedAt: now,
		},
		FlagStaleGraceMultiplier: {
			Key:       FlagStaleGraceMultiplier,
			Value:     DefaultStaleGraceMultiplier,
			UpdatedAt: now,
		},
	}
}

// KnownFlag reports whether key is one of the well-known flags.
func KnownFlag(key string) bool {
	switch key {
	case FlagDisablePushChannel, FlagDisableNotifications, FlagNativeNotificationsPermitted, FlagStaleGraceMultiplier:
		return true
	default:
		return false
	}
}
