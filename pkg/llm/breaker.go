// Copyright 2025 The JC Agent Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the provider has failed repeatedly and requests
// are being short-circuited until the recovery timeout elapses.
var ErrCircuitOpen = errors.New("circuit breaker open")

// circuitBreaker tracks provider health and prevents requests to unhealthy
// providers.
type circuitBreaker struct {
	mu               sync.RWMutex
	states           map[string]*circuitState
	failureThreshold int
	recoveryTimeout  time.Duration
}

type circuitState struct {
	consecutiveFailures int
	lastFailureTime     time.Time
	open                bool
}

// CircuitBreakerStatus represents the current state of a circuit breaker.
type CircuitBreakerStatus struct {
	Open                bool
	ConsecutiveFailures int
	LastFailureTime     time.Time
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		states:           make(map[string]*circuitState),
		failureThreshold: threshold,
		recoveryTimeout:  timeout,
	}
}

func (cb *circuitBreaker) allowRequest(providerName string) bool {
	cb.mu.RLock()
	state, exists := cb.states[providerName]
	cb.mu.RUnlock()

	if !exists {
		return true
	}

	if state.open {
		// Half-open after the recovery timeout elapses.
		if time.Since(state.lastFailureTime) > cb.recoveryTimeout {
			cb.mu.Lock()
			state.open = false
			state.consecutiveFailures = 0
			cb.mu.Unlock()
			return true
		}
		return false
	}

	return true
}

func (cb *circuitBreaker) recordSuccess(providerName string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, exists := cb.states[providerName]
	if !exists {
		cb.states[providerName] = &circuitState{}
		return
	}

	state.consecutiveFailures = 0
	state.open = false
}

func (cb *circuitBreaker) recordFailure(providerName string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, exists := cb.states[providerName]
	if !exists {
		state = &circuitState{}
		cb.states[providerName] = state
	}

	state.consecutiveFailures++
	state.lastFailureTime = time.Now()

	if state.consecutiveFailures >= cb.failureThreshold {
		state.open = true
	}
}

func (cb *circuitBreaker) status(providerName string) CircuitBreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state, exists := cb.states[providerName]
	if !exists {
		return CircuitBreakerStatus{}
	}
	return CircuitBreakerStatus{
		Open:                state.open,
		ConsecutiveFailures: state.consecutiveFailures,
		LastFailureTime:     state.lastFailureTime,
	}
}
