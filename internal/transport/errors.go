package transport

import (
	"errors"
	"fmt"
	"strings"
)

// PermanentError marks a delivery failure that will not succeed on retry:
// the destination blocked the bot, was deleted, or kicked it. The caller is
// expected to stop delivering to that destination.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent delivery failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Substrings of API error descriptions that indicate the destination is
// gone for good. Everything else is treated as transient.
var permanentMarkers = []string{
	"blocked",
	"deactivated",
	"not found",
	"chat not found",
	"kicked",
	"forbidden",
}

// Classify wraps err in *PermanentError when the error text matches a
// known permanent-failure marker. A nil err returns nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(text, m) {
			return &PermanentError{Err: err}
		}
	}
	return err
}
