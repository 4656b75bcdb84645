package clock

import (
	"testing"
	"time"
)

func TestRealNow(t *testing.T) {
	c := Real{}

	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", got, before, after)
	}
}
