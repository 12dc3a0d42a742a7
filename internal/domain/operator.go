package domain

import "time"

// Operator is a human account allowed to drive deployments.
type Operator struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
