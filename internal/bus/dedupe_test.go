package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupe_AtMostOnce(t *testing.T) {
	c := newDedupeCache(16)
	now := time.Now()
	expiry := now.Add(time.Minute)

	if c.Seen("m-1", expiry, now) {
		t.Error("first sighting should not count as seen")
	}
	if !c.Seen("m-1", expiry, now.Add(time.Second)) {
		t.Error("second sighting within TTL should count as seen")
	}
}

func TestDedupe_ExpiryFreesID(t *testing.T) {
	c := newDedupeCache(16)
	now := time.Now()

	c.Seen("m-1", now.Add(time.Second), now)
	later := now.Add(2 * time.Second)
	if c.Seen("m-1", later.Add(time.Minute), later) {
		t.Error("id seen only before its expiry should be fresh again")
	}
}

func TestDedupe_CapacityEvictsOldest(t *testing.T) {
	c := newDedupeCache(3)
	now := time.Now()
	expiry := now.Add(time.Hour)

	for i := 0; i < 4; i++ {
		c.Seen(fmt.Sprintf("m-%d", i), expiry, now)
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3 after overflow", c.Len())
	}
	// m-0 was evicted to make room, so it reads as fresh.
	if c.Seen("m-0", expiry, now) {
		t.Error("evicted id should read as fresh")
	}
	// m-3 is still tracked. (m-1 fell out when re-adding m-0 above.)
	if !c.Seen("m-3", expiry, now) {
		t.Error("recent id should still be tracked")
	}
}

func TestDedupe_SweepsExpiredOnInsert(t *testing.T) {
	c := newDedupeCache(16)
	now := time.Now()

	for i := 0; i < 5; i++ {
		c.Seen(fmt.Sprintf("old-%d", i), now.Add(time.Second), now)
	}
	later := now.Add(2 * time.Second)
	c.Seen("new", later.Add(time.Minute), later)

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after expired entries are reaped", c.Len())
	}
}
