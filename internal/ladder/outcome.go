package ladder

import (
	"time"

	"github.com/danshapiro/groundpulse/internal/llm"
)

type Tag int

const (
	Success Tag = iota
	RateLimited
	Exhausted
)

func (t Tag) String() string {
	switch t {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// AttemptRecord describes one outbound call made by the ladder.
type AttemptRecord struct {
	CredentialLabel string
	Model           string
	// Index is 0-based within the (credential, model) pair.
	Index int
	Kind  llm.Kind
	Err   error
	// Delay is how long the ladder waited after this attempt.
	Delay time.Duration
}

// Outcome is the result of one Attempt.
//
// On Success, Response, Model and CredentialLabel identify the pair that
// answered. On RateLimited, RateLimitErr holds the 429 that ended (or, in
// escalate mode, last hit) the ladder, and LastError holds any later failure
// that stopped it. On Exhausted, LastError is the most recent non-rate-limit
// failure.
type Outcome struct {
	Tag             Tag
	Response        llm.Response
	Model           string
	CredentialLabel string
	RateLimitErr    error
	LastError       error
	Attempts        []AttemptRecord
}

// Err returns the error that best explains a non-successful outcome.
func (o Outcome) Err() error {
	switch o.Tag {
	case Success:
		return nil
	case RateLimited:
		return o.RateLimitErr
	default:
		return o.LastError
	}
}

// CallsTo counts attempts made with the given credential label.
func (o Outcome) CallsTo(label string) int {
	n := 0
	for _, a := range o.Attempts {
		if a.CredentialLabel == label {
			n++
		}
	}
	return n
}
