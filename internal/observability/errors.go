package observability

import (
	"errors"
	"fmt"
	"log"
)

// AggregateErrors folds the non-nil errors of a multi-step operation into one error,
// logging each failure against the operation name. It returns nil when every step
// succeeded.
func AggregateErrors(logger *log.Logger, operation string, failures []error) error {
	var joined error
	count := 0
	for _, err := range failures {
		if err == nil {
			continue
		}
		count++
		joined = errors.Join(joined, err)
		if logger != nil {
			logger.Printf("operation=%s failure=%d error=%v", operation, count, err)
		}
	}
	if joined == nil {
		return nil
	}
	return fmt.Errorf("%s: %d step(s) failed: %w", operation, count, joined)
}
