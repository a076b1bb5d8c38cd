package rategate

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)

func TestRecordAndClassifyTiers(t *testing.T) {
	g := New(DefaultPolicy())
	alerts := 0
	for i := 1; i <= 65; i++ {
		d := g.RecordAndClassify("#foo", t0.Add(time.Duration(i)*100*time.Millisecond))
		if d.Count != i {
			t.Fatalf("ban %d: count = %d", i, d.Count)
		}
		if d.Alert {
			alerts++
		}
		var want Tier
		switch {
		case i > 60:
			want = TierAbuse
		case i > 30:
			want = TierThrottled
		default:
			want = TierNormal
		}
		if d.Tier != want {
			t.Fatalf("ban %d: tier = %s, want %s", i, d.Tier, want)
		}
		if d.Notify != (i <= 5) {
			t.Fatalf("ban %d: notify = %v", i, d.Notify)
		}
		if i == 61 && !d.Alert {
			t.Fatal("61st ban must raise the abuse alert")
		}
	}
	if alerts != 1 {
		t.Fatalf("alerts = %d, want exactly 1", alerts)
	}
}

func TestWindowExpiry(t *testing.T) {
	g := New(DefaultPolicy())
	for i := 0; i < 40; i++ {
		g.RecordAndClassify("foo", t0)
	}
	d := g.RecordAndClassify("foo", t0.Add(61*time.Second))
	if d.Tier != TierNormal {
		t.Fatalf("tier = %s, want normal", d.Tier)
	}
	if d.Count != 1 {
		t.Fatalf("count = %d, want 1", d.Count)
	}
}

func TestWindowBoundaryIsExclusive(t *testing.T) {
	g := New(DefaultPolicy())
	g.RecordAndClassify("foo", t0)
	if n := g.Count("foo", t0.Add(59999*time.Millisecond)); n != 1 {
		t.Fatalf("count just inside window = %d, want 1", n)
	}
	if n := g.Count("foo", t0.Add(time.Minute)); n != 0 {
		t.Fatalf("count at window edge = %d, want 0", n)
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	g := New(DefaultPolicy())
	for i := 0; i < 31; i++ {
		g.RecordAndClassify("foo", t0)
	}
	if d := g.RecordAndClassify("bar", t0); d.Tier != TierNormal || d.Count != 1 {
		t.Fatalf("bar decision = %+v", d)
	}
	if d := g.RecordAndClassify("#FOO", t0); d.Tier != TierThrottled || d.Count != 32 {
		t.Fatalf("foo decision = %+v", d)
	}
}

func TestSweepDropsQuietChannels(t *testing.T) {
	g := New(DefaultPolicy())
	g.RecordAndClassify("foo", t0)
	g.RecordAndClassify("bar", t0.Add(30*time.Second))
	g.Sweep(t0.Add(61 * time.Second))
	if n := g.Channels(); n != 1 {
		t.Fatalf("channels after sweep = %d, want 1", n)
	}
	g.Sweep(t0.Add(2 * time.Minute))
	if n := g.Channels(); n != 0 {
		t.Fatalf("channels after second sweep = %d, want 0", n)
	}
}

func TestNewFillsZeroPolicy(t *testing.T) {
	g := New(Policy{NotifyMax: 2})
	p := g.Policy()
	if p.Window != time.Minute || p.PersistMax != 30 || p.AbuseAbove != 60 || p.NotifyMax != 2 {
		t.Fatalf("policy = %+v", p)
	}
}
