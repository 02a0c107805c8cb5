package errors

import (
	"errors"
	"strings"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// multilineAggregate prints every error on its own line prefixed with a dash.
type multilineAggregate []error

var _ utilerrors.Aggregate = multilineAggregate{}

// NewMultilineAggregate drops nil errors and returns nil when none is left.
// errors.Is and errors.As match any of the aggregated errors.
func NewMultilineAggregate(errList []error) error {
	var errs multilineAggregate
	for _, err := range errList {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return errs
}

func (agg multilineAggregate) Error() string {
	var sb strings.Builder
	for _, err := range agg {
		sb.WriteString("\n- ")
		sb.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n  "))
	}
	return sb.String()
}

func (agg multilineAggregate) Errors() []error {
	return agg
}

func (agg multilineAggregate) Is(target error) bool {
	for _, err := range agg {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (agg multilineAggregate) Unwrap() []error {
	return agg
}
