// Copyright (C) 2025 ScyllaDB

package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// register tolerates collectors that are already registered, so that
// several sessions may share one registerer.
func register(r prometheus.Registerer, cs ...prometheus.Collector) error {
	var errs []error
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			errs = append(errs, fmt.Errorf("can't register collector: %w", err))
		}
	}
	return utilerrors.NewAggregate(errs)
}
