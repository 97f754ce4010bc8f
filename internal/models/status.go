package models

import "time"

// QuorumSize is how many independent workers run every check.
const QuorumSize = 3

// OutcomeError is both a worker's failure sentinel and the no-majority consensus.
const OutcomeError = "error"

type StatusChange struct {
	CheckID   CheckID   `json:"check_id"`
	UserID    UserID    `json:"user_id"`
	CheckName string    `json:"check_name"`
	CheckType CheckType `json:"check_type"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	ChangedAt time.Time `json:"changed_at"`
}

type AlertContact struct {
	UserID UserID
	Email  string
}
