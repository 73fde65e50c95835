package models

import "testing"

func TestSide(t *testing.T) {
	if !SideBuy.Valid() || !SideSell.Valid() {
		t.Error("buy and sell must be valid sides")
	}
	if Side("hold").Valid() || Side("").Valid() {
		t.Error("unknown sides must be invalid")
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite must swap buy and sell")
	}
}

func TestOrderStatus_Matchable(t *testing.T) {
	matchable := []OrderStatus{OrderStatusPending, OrderStatusPartiallyFilled}
	for _, s := range matchable {
		if !s.Matchable() {
			t.Errorf("%s should be matchable", s)
		}
	}
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired}
	for _, s := range terminal {
		if s.Matchable() {
			t.Errorf("%s should not be matchable", s)
		}
	}
}
