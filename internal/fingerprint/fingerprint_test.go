package fingerprint

import (
	"testing"

	"github.com/andrwknv/steamwatch/internal/bus"
)

func TestStableAcrossObservations(t *testing.T) {
	wear := 0.07123456
	seed := 387
	l := bus.Listing{ItemName: "AK-47 | Case Hardened", PriceCents: 150000, Wear: &wear, PatternSeed: &seed, SellerOpaqueID: "s-9"}

	first := New(5, l)
	second := New(5, l)
	if first != second {
		t.Fatalf("fingerprint unstable: %s != %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("expected sha256 hex, got %d chars", len(first))
	}
}

func TestListingIDWinsOverComposite(t *testing.T) {
	wearA := 0.15
	a := bus.Listing{ListingID: "L-42", ItemName: "name-a", PriceCents: 100, Wear: &wearA}
	b := bus.Listing{ListingID: "L-42", ItemName: "name-b", PriceCents: 999}

	if New(1, a) != New(1, b) {
		t.Error("same listing id must fingerprint identically regardless of other fields")
	}
}

func TestTaskScopesFingerprint(t *testing.T) {
	l := bus.Listing{ListingID: "L-1", ItemName: "x", PriceCents: 10}
	if New(1, l) == New(2, l) {
		t.Error("different tasks must not share fingerprints")
	}
}

func TestWearBucketedToFourDecimals(t *testing.T) {
	w1 := 0.07120001
	w2 := 0.07120009
	w3 := 0.07130000
	base := bus.Listing{ItemName: "x", PriceCents: 10}

	a, b, c := base, base, base
	a.Wear = &w1
	b.Wear = &w2
	c.Wear = &w3

	if New(1, a) != New(1, b) {
		t.Error("wear differing below the fourth decimal must not change the fingerprint")
	}
	if New(1, a) == New(1, c) {
		t.Error("wear differing at the fourth decimal must change the fingerprint")
	}
}

func TestAbsentFieldsDiffer(t *testing.T) {
	seed := 0
	with := bus.Listing{ItemName: "x", PriceCents: 10, PatternSeed: &seed}
	without := bus.Listing{ItemName: "x", PriceCents: 10}

	if New(1, with) == New(1, without) {
		t.Error("seed 0 and absent seed must fingerprint differently")
	}
}
