package domain

import "time"

// Policy is an operator-supplied Rego module evaluated for administrative actions.
type Policy struct {
	ID        string
	Name      string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}
