package model

import (
	"encoding/json"
	"testing"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		offset, period, want int64
	}{
		{0, 1000, 0},
		{999, 1000, 999},
		{1000, 1000, 0},
		{2500, 1000, 500},
		{-1, 1000, 999},
		{-2500, 1000, 500},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := Wrap(tt.offset, tt.period); got != tt.want {
			t.Errorf("Wrap(%d, %d) = %d, want %d", tt.offset, tt.period, got, tt.want)
		}
	}
}

func TestAntiPhase(t *testing.T) {
	tests := []struct {
		worst, period, want int64
	}{
		{5_041_586, 16_666_667, 13_374_919},
		{0, 1000, 500},
		{400, 1000, 900},
		{600, 1000, 100},
		{999, 1000, 499},
	}
	for _, tt := range tests {
		if got := AntiPhase(tt.worst, tt.period); got != tt.want {
			t.Errorf("AntiPhase(%d, %d) = %d, want %d", tt.worst, tt.period, got, tt.want)
		}
	}
}

func TestState_JSON(t *testing.T) {
	for _, s := range []State{StateIdle, StateRunning, StateCompleted, StateCancelled} {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatal(err)
		}
		var back State
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != s {
			t.Errorf("round trip %s -> %s", s, back)
		}
	}

	var s State
	if err := json.Unmarshal([]byte(`"paused"`), &s); err == nil {
		t.Error("expected error for unknown state")
	}
}
