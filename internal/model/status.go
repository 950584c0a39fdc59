package model

// Status represents the delivery status of a (message, channel) pair.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusRouted    Status = "ROUTED"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusRead      Status = "READ"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusSent, StatusRouted, StatusDelivered, StatusFailed, StatusRead:
		return true
	}
	return false
}

// allowedTransitions is the single source of truth for the status lifecycle:
// SENT → ROUTED → {DELIVERED | FAILED} → READ, with READ reachable only from
// DELIVERED. Status never moves backwards.
var allowedTransitions = map[Status][]Status{
	StatusSent:      {StatusRouted},
	StatusRouted:    {StatusDelivered, StatusFailed},
	StatusDelivered: {StatusRead},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Settled reports whether the delivery outcome has been decided. Redelivered
// broker events for settled records are idempotent no-ops.
func (s Status) Settled() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusRead
}

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusRead
}
