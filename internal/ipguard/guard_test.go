package ipguard

import (
	"testing"
	"time"
)

func newTestGuard() (*Guard, *time.Time) {
	g := New(DefaultConfig(), []string{"10.0.0.0/8"})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestWhitelistNeverAccumulates(t *testing.T) {
	g, _ := newTestGuard()
	for i := 0; i < 50; i++ {
		g.RecordViolation("10.1.2.3", ViolationInvalidKey)
	}
	if res := g.Check("10.1.2.3"); res.Blocked {
		t.Fatalf("expected whitelisted IP to never block, got %+v", res)
	}
}

func TestTempBlockAtThreshold(t *testing.T) {
	g, now := newTestGuard()
	var last Result
	for i := 0; i < 10; i++ {
		last = g.RecordViolation("1.2.3.4", ViolationInvalidKey)
	}
	if !last.Blocked || last.Reason != ReasonTemporary {
		t.Fatalf("expected temporary block at threshold, got %+v", last)
	}
	wantExpiry := now.Add(30 * time.Minute)
	if !last.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expiry = %v, want %v", last.ExpiresAt, wantExpiry)
	}

	if res := g.Check("1.2.3.4"); !res.Blocked {
		t.Fatal("expected Check to report blocked while temp block active")
	}
}

func TestTempBlockDoublingAndPermanentPromotion(t *testing.T) {
	g, now := newTestGuard()
	cur := *now

	burst := func() Result {
		var last Result
		for i := 0; i < 10; i++ {
			last = g.RecordViolation("9.9.9.9", ViolationInvalidKey)
		}
		return last
	}

	wantDurations := []time.Duration{
		30 * time.Minute,
		60 * time.Minute,
		120 * time.Minute,
		240 * time.Minute,
	}
	for i, want := range wantDurations {
		res := burst()
		if res.Reason != ReasonTemporary {
			t.Fatalf("cycle %d: expected temporary, got %+v", i, res)
		}
		gotDur := res.ExpiresAt.Sub(cur)
		if gotDur != want {
			t.Fatalf("cycle %d: duration = %v, want %v", i, gotDur, want)
		}
		cur = res.ExpiresAt
		g.now = func() time.Time { return cur }
	}

	// Fifth cycle promotes to permanent.
	res := burst()
	if res.Reason != ReasonPermanent {
		t.Fatalf("expected permanent promotion on 5th cycle, got %+v", res)
	}

	if check := g.Check("9.9.9.9"); check.Reason != ReasonPermanent {
		t.Fatalf("expected Check to report permanent, got %+v", check)
	}
}

func TestUnblockResetsToClean(t *testing.T) {
	g, _ := newTestGuard()
	for i := 0; i < 10; i++ {
		g.RecordViolation("5.5.5.5", ViolationInvalidKey)
	}
	g.Unblock("5.5.5.5")
	if res := g.Check("5.5.5.5"); res.Blocked {
		t.Fatalf("expected clean after Unblock, got %+v", res)
	}
}
