package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	got, err := Time(NewAt(at))
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("Time = %v, want %v", got, at)
	}
	if _, err := Time("not-an-id"); err == nil {
		t.Fatal("expected parse error")
	}
}
