package queue

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusWaiting, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusNotShowed, true},
		{StatusScheduled, StatusAdmitted, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusScheduled, StatusNowServing, false},

		{StatusWaiting, StatusCancelled, true},
		{StatusWaiting, StatusNotShowed, true},
		{StatusWaiting, StatusAdmitted, true},
		{StatusWaiting, StatusCompleted, false},
		{StatusWaiting, StatusScheduled, false},

		{StatusNowServing, StatusCompleted, true},
		{StatusNowServing, StatusAdmitted, true},
		{StatusNowServing, StatusCancelled, false},
		{StatusNowServing, StatusWaiting, false},

		{StatusCompleted, StatusWaiting, false},
		{StatusCancelled, StatusWaiting, false},
		{StatusNotShowed, StatusScheduled, false},
		{StatusAdmitted, StatusCompleted, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCancelled, StatusNotShowed, StatusAdmitted}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	live := []Status{StatusScheduled, StatusWaiting, StatusNowServing}
	for _, s := range live {
		if IsTerminal(s) {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	all := []Status{
		StatusScheduled, StatusWaiting, StatusNowServing,
		StatusCompleted, StatusCancelled, StatusNotShowed, StatusAdmitted,
	}

	for _, from := range all {
		if !IsTerminal(from) {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}
