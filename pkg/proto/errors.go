package proto

import "fmt"

// StatusError is a non-2xx reply from another tier. Callers that route
// errors onward (the gateway in particular) switch on Code instead of
// parsing the message.
type StatusError struct {
	Tier    string // which tier answered: "store", "directory", "cache"
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s returned %d", e.Tier, e.Code)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Tier, e.Code, e.Message)
}
