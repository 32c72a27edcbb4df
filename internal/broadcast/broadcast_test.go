package broadcast

import "testing"

func TestStoreGetPrecedenceTaskBeatsFamilyBeatsRoot(t *testing.T) {
	s := NewStore()
	s.Put([]string{"root"}, []string{AllCycles}, Settings{"script": "root script"})
	s.Put([]string{"FAM"}, []string{AllCycles}, Settings{"script": "fam script"})
	s.Put([]string{"foo"}, []string{AllCycles}, Settings{"script": "foo script"})

	got := s.Get("foo", "1", []string{"FAM", "root"})
	if got["script"] != "foo script" {
		t.Fatalf("expected the task-specific override to win, got %v", got["script"])
	}
}

func TestStoreGetFamilyBeatsRootWhenTaskUnset(t *testing.T) {
	s := NewStore()
	s.Put([]string{"root"}, []string{AllCycles}, Settings{"script": "root script"})
	s.Put([]string{"FAM"}, []string{AllCycles}, Settings{"script": "fam script"})

	got := s.Get("foo", "1", []string{"FAM", "root"})
	if got["script"] != "fam script" {
		t.Fatalf("expected the family override to win over root, got %v", got["script"])
	}
}

func TestStoreGetCycleSpecificBeatsAllCycles(t *testing.T) {
	s := NewStore()
	s.Put([]string{"foo"}, []string{AllCycles}, Settings{"script": "every cycle"})
	s.Put([]string{"foo"}, []string{"1"}, Settings{"script": "cycle 1 only"})

	got := s.Get("foo", "1", nil)
	if got["script"] != "cycle 1 only" {
		t.Fatalf("expected the cycle-specific override to win, got %v", got["script"])
	}
	got2 := s.Get("foo", "2", nil)
	if got2["script"] != "every cycle" {
		t.Fatalf("expected the all-cycles override for an unmatched cycle, got %v", got2["script"])
	}
}

func TestStorePutEmptyLeafRemoves(t *testing.T) {
	s := NewStore()
	s.Put([]string{"foo"}, []string{AllCycles}, Settings{"script": "something"})
	s.Put([]string{"foo"}, []string{AllCycles}, Settings{"script": ""})

	got := s.Get("foo", "1", nil)
	if _, ok := got["script"]; ok {
		t.Fatalf("expected the empty-string leaf to clear the prior override, got %v", got)
	}
}

func TestStoreClearTargeted(t *testing.T) {
	s := NewStore()
	s.Put([]string{"foo"}, []string{AllCycles}, Settings{"script": "x"})
	s.Put([]string{"bar"}, []string{AllCycles}, Settings{"script": "y"})
	s.Clear([]string{"foo"}, []string{AllCycles})

	if got := s.Get("foo", "1", nil); len(got) != 0 {
		t.Fatalf("expected foo's override cleared, got %v", got)
	}
	if got := s.Get("bar", "1", nil); got["script"] != "y" {
		t.Fatalf("expected bar's override to remain, got %v", got)
	}
}

func TestStoreClearEverything(t *testing.T) {
	s := NewStore()
	s.Put([]string{"foo"}, []string{AllCycles}, Settings{"script": "x"})
	s.Clear(nil, nil)
	if got := s.Get("foo", "1", nil); len(got) != 0 {
		t.Fatalf("expected every override cleared, got %v", got)
	}
}

func TestStoreExpireDeletesBeforeCutoffExceptAllCycles(t *testing.T) {
	s := NewStore()
	s.Put([]string{"foo"}, []string{"1", "5", AllCycles}, Settings{"script": "x"})
	s.Expire("3")

	if _, ok := s.data[Key{Cycle: "1", Namespace: "foo"}]; ok {
		t.Fatalf("expected cycle 1's override to expire")
	}
	if got := s.Get("foo", "5", nil); got["script"] != "x" {
		t.Fatalf("expected cycle 5's override to survive, got %v", got)
	}
	if got := s.Get("foo", "9", nil); got["script"] != "x" {
		t.Fatalf("expected the all-cycles override to survive expiry, got %v", got)
	}
}

func TestStoreDrainAndReplayRoundTrip(t *testing.T) {
	s := NewStore()
	s.Put([]string{"foo"}, []string{AllCycles}, Settings{"script": "x"})
	records := s.DrainRecords()
	if len(records) == 0 {
		t.Fatalf("expected at least one drained record")
	}
	if more := s.DrainRecords(); len(more) != 0 {
		t.Fatalf("expected DrainRecords to clear the queue, got %v", more)
	}

	restored := NewStore()
	restored.Replay(records)
	got := restored.Get("foo", "1", nil)
	if got["script"] != "x" {
		t.Fatalf("expected the replayed store to reproduce the override, got %v", got)
	}
}

func TestStoreReplayHonoursDeletedRecords(t *testing.T) {
	s := NewStore()
	records := []Record{
		{Cycle: AllCycles, Namespace: "foo", Settings: Settings{"script": "x"}},
		{Cycle: AllCycles, Namespace: "foo", Deleted: true},
	}
	s.Replay(records)
	if got := s.Get("foo", "1", nil); len(got) != 0 {
		t.Fatalf("expected the delete record to remove the earlier override, got %v", got)
	}
}
