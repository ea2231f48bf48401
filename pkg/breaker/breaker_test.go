// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("connection refused")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	b := New(cfg)
	b.now = func() time.Time { return now }
	return b, &now
}

// attempt mirrors how the dialer drives the breaker.
func attempt(b *Breaker, err error) error {
	if allowErr := b.Allow(); allowErr != nil {
		return allowErr
	}
	b.Record(err)
	return err
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		attempt(b, errDial)
		if b.State() != StateClosed {
			t.Fatalf("after %d failures state = %v, want closed", i+1, b.State())
		}
	}
	attempt(b, errDial)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() error = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 2})

	attempt(b, errDial)
	attempt(b, nil)
	attempt(b, errDial)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	tests := []struct {
		name      string
		trialErr  error
		wantState State
	}{
		{name: "trial succeeds", trialErr: nil, wantState: StateClosed},
		{name: "trial fails", trialErr: errDial, wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, now := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: 10 * time.Second})

			var transitions []State
			b.OnStateChange(func(from, to State) { transitions = append(transitions, to) })

			attempt(b, errDial)
			*now = now.Add(11 * time.Second)

			attempt(b, tt.trialErr)
			if b.State() != tt.wantState {
				t.Errorf("state = %v, want %v", b.State(), tt.wantState)
			}
			want := []State{StateOpen, StateHalfOpen, tt.wantState}
			if len(transitions) != len(want) {
				t.Fatalf("transitions = %v, want %v", transitions, want)
			}
			for i := range want {
				if transitions[i] != want[i] {
					t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
				}
			}
		})
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateHalfOpen: "half_open",
		StateOpen:     "open",
		State(42):     "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
