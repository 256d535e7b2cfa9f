package types

import (
	"time"

	"github.com/google/uuid"
)

// NewRulesetID generates a UUIDv7 ruleset identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewRulesetID() RulesetID {
	return RulesetID(uuid.Must(uuid.NewV7()).String())
}

// NewGroupID generates a UUIDv7 group identifier.
func NewGroupID() GroupID {
	return GroupID(uuid.Must(uuid.NewV7()).String())
}

// NewRuleID generates a UUIDv7 rule identifier.
// Time-ordered IDs make the ascending-id tie-break equal to creation order.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewV7()).String())
}

// ParseRulesetID validates and converts a string to RulesetID.
func ParseRulesetID(s string) (RulesetID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return RulesetID(s), nil
}

// ParseRuleID validates and converts a string to RuleID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the system.
func ParseRuleID(s string) (RuleID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return RuleID(s), nil
}

// RuleIDTime extracts the timestamp embedded in a UUIDv7 rule ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func RuleIDTime(id RuleID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
