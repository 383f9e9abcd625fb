package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/circlelink/linkage-core/internal/domain"
)

func TestRegistry_CreateGetRetire(t *testing.T) {
	db := newCoreDB(t)
	ctx := context.Background()

	e := &domain.RegistryEntry{HashID: "SC2601AAAAAAAAAAAA", Kind: domain.KindApplication, RecordID: "a1", ParentID: "ev1"}
	if err := CreateEntry(ctx, db, e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if e.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt should be stamped")
	}

	got, err := GetEntry(ctx, db, e.HashID)
	if err != nil || got.RecordID != "a1" {
		t.Fatalf("GetEntry = (%+v, %v)", got, err)
	}
	byRec, err := GetEntryByRecord(ctx, db, domain.KindApplication, "a1")
	if err != nil || byRec.HashID != e.HashID {
		t.Fatalf("GetEntryByRecord = (%+v, %v)", byRec, err)
	}

	taken, err := HashIDTaken(ctx, db, e.HashID)
	if err != nil || !taken {
		t.Fatalf("live id should be taken: %v %v", taken, err)
	}

	if err := RetireEntry(ctx, db, e.HashID); err != nil {
		t.Fatalf("RetireEntry: %v", err)
	}
	if _, err := GetEntry(ctx, db, e.HashID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after retire, got %v", err)
	}
	taken, err = HashIDTaken(ctx, db, e.HashID)
	if err != nil || !taken {
		t.Fatalf("retired id must stay taken: %v %v", taken, err)
	}
	retired, err := IsRetired(ctx, db, e.HashID)
	if err != nil || !retired {
		t.Fatalf("IsRetired = (%v, %v)", retired, err)
	}
	if err := RetireEntry(ctx, db, e.HashID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retiring twice should be ErrNotFound, got %v", err)
	}
}

func TestRegistry_DuplicateHashOrRecord(t *testing.T) {
	db := newCoreDB(t)
	ctx := context.Background()

	base := &domain.RegistryEntry{HashID: "ST2601AAAAAAAAAAAA", Kind: domain.KindTicket, RecordID: "t1", ParentID: "st1"}
	if err := CreateEntry(ctx, db, base); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sameHash := &domain.RegistryEntry{HashID: base.HashID, Kind: domain.KindTicket, RecordID: "t2", ParentID: "st1"}
	if err := CreateEntry(ctx, db, sameHash); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on hash clash, got %v", err)
	}
	sameRecord := &domain.RegistryEntry{HashID: "ST2601BBBBBBBBBBBB", Kind: domain.KindTicket, RecordID: "t1", ParentID: "st1"}
	if err := CreateEntry(ctx, db, sameRecord); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on record clash, got %v", err)
	}
}

func TestRegistry_SpaceSlotRouting(t *testing.T) {
	db := newCoreDB(t)
	ctx := context.Background()

	for _, e := range []*domain.RegistryEntry{
		{HashID: "SC2601AAAAAAAAAAAA", Kind: domain.KindApplication, RecordID: "a1", ParentID: "ev1"},
		{HashID: "SC2601BBBBBBBBBBBB", Kind: domain.KindApplication, RecordID: "a2", ParentID: "ev1"},
		{HashID: "SC2601CCCCCCCCCCCC", Kind: domain.KindApplication, RecordID: "a3", ParentID: "ev2"},
	} {
		if err := CreateEntry(ctx, db, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	slot := "slot-1"
	for _, h := range []string{"SC2601AAAAAAAAAAAA", "SC2601BBBBBBBBBBBB", "SC2601CCCCCCCCCCCC"} {
		if err := SetEntrySpaceSlot(ctx, db, h, &slot); err != nil {
			t.Fatalf("SetEntrySpaceSlot: %v", err)
		}
	}
	if err := SetEntrySpaceSlot(ctx, db, "SC2601ZZZZZZZZZZZZ", &slot); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown entry, got %v", err)
	}

	if err := ClearEventSpaceSlots(ctx, db, "ev1"); err != nil {
		t.Fatalf("ClearEventSpaceSlots: %v", err)
	}
	a1, _ := GetEntry(ctx, db, "SC2601AAAAAAAAAAAA")
	a3, _ := GetEntry(ctx, db, "SC2601CCCCCCCCCCCC")
	if a1.SpaceSlotID != nil {
		t.Fatalf("ev1 entry should have been cleared: %+v", a1)
	}
	if a3.SpaceSlotID == nil || *a3.SpaceSlotID != slot {
		t.Fatalf("ev2 entry must be untouched: %+v", a3)
	}

	entries, err := ListEntries(ctx, db, []string{"SC2601AAAAAAAAAAAA", "SC2601CCCCCCCCCCCC", "SC2601ZZZZZZZZZZZZ"})
	if err != nil || len(entries) != 2 {
		t.Fatalf("ListEntries = (%d, %v)", len(entries), err)
	}
	if empty, err := ListEntries(ctx, db, nil); err != nil || len(empty) != 0 {
		t.Fatalf("ListEntries(nil) = (%v, %v)", empty, err)
	}
}
