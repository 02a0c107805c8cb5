// Copyright (C) 2025 ScyllaDB

package token

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

type StrategyClass string

const (
	SimpleStrategy          StrategyClass = "SimpleStrategy"
	NetworkTopologyStrategy StrategyClass = "NetworkTopologyStrategy"
	LocalStrategy           StrategyClass = "LocalStrategy"
	EverywhereStrategy      StrategyClass = "EverywhereStrategy"
)

// Strategy is the replication strategy of a keyspace.
type Strategy struct {
	Class StrategyClass
	// RF is the replication factor of SimpleStrategy.
	RF int
	// DCRF holds replication factors per datacenter of NetworkTopologyStrategy.
	DCRF map[string]int
}

// ParseStrategy reads the replication map of system_schema.keyspaces.
func ParseStrategy(replication map[string]string) (Strategy, error) {
	class := replication["class"]
	if i := strings.LastIndexByte(class, '.'); i >= 0 {
		class = class[i+1:]
	}
	s := Strategy{Class: StrategyClass(class)}

	switch s.Class {
	case SimpleStrategy:
		rf, err := parseRF(replication["replication_factor"])
		if err != nil {
			return s, fmt.Errorf("can't parse replication factor: %w", err)
		}
		s.RF = rf
	case NetworkTopologyStrategy:
		var errs error
		s.DCRF = make(map[string]int, len(replication))
		for k, v := range replication {
			if k == "class" || k == "replication_factor" {
				continue
			}
			rf, err := parseRF(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("datacenter %q: %w", k, err))
				continue
			}
			s.DCRF[k] = rf
		}
		if errs != nil {
			return s, fmt.Errorf("can't parse replication factors: %w", errs)
		}
	case LocalStrategy, EverywhereStrategy:
	default:
		return s, fmt.Errorf("unsupported replication strategy %q", replication["class"])
	}
	return s, nil
}

// parseRF accepts the "full/transient" notation and returns the full replica count.
func parseRF(v string) (int, error) {
	full, _, _ := strings.Cut(v, "/")
	rf, err := strconv.Atoi(full)
	if err != nil {
		return 0, err
	}
	if rf < 0 {
		return 0, fmt.Errorf("negative replication factor %d", rf)
	}
	return rf, nil
}

func (s Strategy) String() string {
	switch s.Class {
	case SimpleStrategy:
		return fmt.Sprintf("%s(%d)", s.Class, s.RF)
	case NetworkTopologyStrategy:
		dcs := make([]string, 0, len(s.DCRF))
		for dc, rf := range s.DCRF {
			dcs = append(dcs, fmt.Sprintf("%s:%d", dc, rf))
		}
		sort.Strings(dcs)
		return fmt.Sprintf("%s(%s)", s.Class, strings.Join(dcs, ","))
	default:
		return string(s.Class)
	}
}
