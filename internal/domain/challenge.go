package domain

import "time"

// Challenge is a pending one-time code for a single identity.
type Challenge struct {
	Key       string              `json:"key"`
	Code      string              `json:"code"`
	IssuedAt  time.Time           `json:"issued_at"`
	ExpiresAt time.Time           `json:"expires_at"`
	Attempts  int                 `json:"attempts"`
	Pending   *PendingTransaction `json:"pending,omitempty"`
}

// Expired reports whether the challenge is past its validity window at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// VerifyResult is the outcome of checking a supplied code against a challenge.
type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyInvalid
	VerifyExpired
	VerifyAbsent
	// VerifyExhausted means the invalid attempt that was just recorded hit the
	// attempt bound; the challenge has been destroyed.
	VerifyExhausted
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyOK:
		return "ok"
	case VerifyInvalid:
		return "invalid"
	case VerifyExpired:
		return "expired"
	case VerifyAbsent:
		return "absent"
	case VerifyExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}
