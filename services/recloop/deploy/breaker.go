// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// BreakerState is the state of a target's circuit breaker.
//
//	CLOSED ──[FailureThreshold infra errors]──► OPEN
//	   ▲                                          │
//	   └──[SuccessThreshold ok]── HALF_OPEN ◄─────┘ [OpenTimeout]
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive infrastructure errors open the circuit.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold consecutive successes close it from half-open.
	// Default: 2
	SuccessThreshold int `yaml:"success_threshold"`

	// OpenTimeout before a half-open probe is allowed. Default: 30s
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultBreakerConfig returns the defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
}

// Breaker stops calls to a target that keeps failing at the transport
// level. Application errors from a reachable target do not count.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open. An open circuit returns a
// DeploymentInfrastructureError wrapping ErrCircuitOpen, so callers treat
// it like any other unreachable target.
func (b *Breaker) Execute(targetID string, fn func() error) error {
	if !b.allow() {
		return &datatypes.DeploymentInfrastructureError{TargetID: targetID, Err: ErrCircuitOpen}
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.successes = BreakerClosed, 0, 0
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.cfg.OpenTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	var infra *datatypes.DeploymentInfrastructureError
	failed := err != nil && errors.As(err, &infra)

	b.mu.Lock()
	defer b.mu.Unlock()
	if failed {
		b.failures++
		b.successes = 0
		b.lastFailure = b.now()
		if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
		return
	}
	b.successes++
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		if b.successes >= b.cfg.SuccessThreshold {
			b.state, b.failures = BreakerClosed, 0
		}
	}
}
