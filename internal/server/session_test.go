package server

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/store"
)

// testExposure returns a w x h exposure with value 10 and variance 2 and
// mask bit 0 set on pixel (0, 0).
func testExposure(w, h int) *coadd.MaskedImage[float32] {
	mi := coadd.NewMaskedImage[float32](w, h)
	mi.Image.Fill(10)
	mi.Variance.Fill(2)
	mi.Mask.Set(0, 0, 1)
	return mi
}

func TestSessionManager_CreateSession(t *testing.T) {
	sm := NewSessionManager(nil, coadd.Options{})

	sess, err := sm.CreateSession("m31", 4, 3, coadd.ModeWeightedMean)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("Session ID should not be empty")
	}

	st := sess.Status()
	if st.Width != 4 || st.Height != 3 || st.Count != 0 || st.Mode != "weighted-mean" || !st.Dirty {
		t.Errorf("unexpected status %+v", st)
	}

	if _, err := sm.CreateSession("bad", 0, 3, coadd.ModeWeightedMean); err == nil {
		t.Error("expected error for zero width")
	}
}

func TestSessionManager_GetSession(t *testing.T) {
	sm := NewSessionManager(nil, coadd.Options{})
	sess, _ := sm.CreateSession("", 2, 2, coadd.ModeWeightedMean)

	got, err := sm.GetSession(sess.ID)
	if err != nil || got != sess {
		t.Errorf("GetSession returned %v, %v", got, err)
	}

	if _, err := sm.GetSession("nonexistent"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionManager_Contribute(t *testing.T) {
	sm := NewSessionManager(nil, coadd.Options{})
	sess, _ := sm.CreateSession("", 4, 3, coadd.ModeWeightedMean)

	events := sm.broadcaster.Subscribe(sess.ID)
	defer sm.broadcaster.Unsubscribe(sess.ID, events)

	c, err := sm.Contribute(sess.ID, "a", testExposure(4, 3), 1, 2)
	if err != nil {
		t.Fatalf("Contribute failed: %v", err)
	}
	if c.Seq != 1 || c.Included != 11 || c.Excluded != 1 || c.Weight != 2 {
		t.Errorf("unexpected contribution %+v", c)
	}

	ev := <-events
	if ev.SessionID != sess.ID || ev.Seq != 1 || ev.Count != 1 || ev.Source != "a" {
		t.Errorf("unexpected event %+v", ev)
	}

	st := sess.Status()
	if st.Count != 1 || st.Last == nil || st.Last.Excluded != 1 {
		t.Errorf("unexpected status %+v", st)
	}

	planes, weights := sess.Snapshot()
	if planes.Image.At(1, 1) != 20 || weights.At(1, 1) != 2 || weights.At(0, 0) != 0 {
		t.Errorf("unexpected planes: value %v weight %v/%v",
			planes.Image.At(1, 1), weights.At(1, 1), weights.At(0, 0))
	}
}

func TestSessionManager_ContributeErrors(t *testing.T) {
	sm := NewSessionManager(nil, coadd.Options{})
	sess, _ := sm.CreateSession("", 4, 3, coadd.ModeWeightedMean)

	if _, err := sm.Contribute(sess.ID, "", testExposure(3, 3), 0, 1); !errors.Is(err, coadd.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
	if _, err := sm.Contribute(sess.ID, "", testExposure(4, 3), 0, -1); !errors.Is(err, coadd.ErrInvalidWeight) {
		t.Errorf("expected invalid weight, got %v", err)
	}
	if _, err := sm.Contribute("missing", "", testExposure(4, 3), 0, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if n := sess.Status().Count; n != 0 {
		t.Errorf("failed contributions changed count to %d", n)
	}
}

func TestSessionManager_ConcurrentContributions(t *testing.T) {
	sm := NewSessionManager(nil, coadd.Options{Workers: 2})
	sess, _ := sm.CreateSession("", 70, 70, coadd.ModeWeightedMean)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sm.Contribute(sess.ID, "", testExposure(70, 70), 0, 1); err != nil {
				t.Errorf("Contribute failed: %v", err)
			}
		}()
	}
	wg.Wait()

	_, weights := sess.Snapshot()
	for i, w := range weights.Pix {
		if w != 16 {
			t.Fatalf("pixel %d has weight %v, want 16", i, w)
		}
	}
	if n := sess.Status().Count; n != 16 {
		t.Errorf("count = %d, want 16", n)
	}
}

func TestSessionManager_SaveAndResume(t *testing.T) {
	fs, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	sm := NewSessionManager(fs, coadd.Options{})
	sess, _ := sm.CreateSession("deep", 4, 3, coadd.ModeChiSquared)
	if _, err := sm.Contribute(sess.ID, "a", testExposure(4, 3), 0, 1); err != nil {
		t.Fatal(err)
	}

	n, err := sm.SaveDirty()
	if err != nil || n != 1 {
		t.Fatalf("SaveDirty = %d, %v", n, err)
	}
	if sess.Status().Dirty {
		t.Error("session should be clean after save")
	}
	if n, _ := sm.SaveDirty(); n != 0 {
		t.Errorf("second SaveDirty wrote %d sessions", n)
	}

	// A fresh manager sees the stored session and resumes it.
	sm2 := NewSessionManager(fs, coadd.Options{})
	list, err := sm2.ListSessions()
	if err != nil || len(list) != 1 || list[0].Count != 1 {
		t.Fatalf("ListSessions = %+v, %v", list, err)
	}

	resumed, err := sm2.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession from store failed: %v", err)
	}
	st := resumed.Status()
	if st.Name != "deep" || st.Count != 1 || st.Mode != "chi-squared" || st.Dirty {
		t.Errorf("unexpected resumed status %+v", st)
	}

	events := sm2.broadcaster.Subscribe(sess.ID)
	defer sm2.broadcaster.Unsubscribe(sess.ID, events)
	if _, err := sm2.Contribute(sess.ID, "b", testExposure(4, 3), 0, 1); err != nil {
		t.Fatal(err)
	}
	if ev := <-events; ev.Seq != 2 || ev.Count != ev.Seq {
		t.Errorf("event after resume: seq %d count %d, want 2", ev.Seq, ev.Count)
	}
	planes, _ := resumed.Snapshot()
	// Two χ² terms of 10²/2 each.
	if got := planes.Image.At(2, 2); got != 100 {
		t.Errorf("resumed chi-squared value = %v, want 100", got)
	}

	// The unsaved contribution is not in the ledger yet.
	if entries := readLedger(t, fs, sess.ID); len(entries) != 1 {
		t.Errorf("ledger before save has %d entries, want 1", len(entries))
	}
	if err := sm2.SaveSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	entries := readLedger(t, fs, sess.ID)
	if len(entries) != 2 || entries[1].Seq != 2 || entries[1].Source != "b" {
		t.Errorf("unexpected ledger %+v", entries)
	}
}

func readLedger(t *testing.T, fs *store.FSStore, id string) []store.LedgerEntry {
	t.Helper()
	lr, err := store.NewLedgerReader(fs.BaseDir(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	defer lr.Close()
	entries, err := lr.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestSessionManager_FailedSaveKeepsLedgerPending(t *testing.T) {
	fs, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sm := NewSessionManager(fs, coadd.Options{})
	sess, _ := sm.CreateSession("", 4, 3, coadd.ModeWeightedMean)
	if err := sm.SaveSession(sess.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := sm.Contribute(sess.ID, "a", testExposure(4, 3), 0, 1); err != nil {
		t.Fatal(err)
	}

	// Block the weight plane of the second generation.
	blocker := filepath.Join(fs.SessionDir(sess.ID), "weight.2.bin.gz.tmp")
	if err := os.Mkdir(blocker, 0755); err != nil {
		t.Fatal(err)
	}
	if err := sm.SaveSession(sess.ID); err == nil {
		t.Fatal("expected save to fail")
	}
	if entries := readLedger(t, fs, sess.ID); len(entries) != 0 {
		t.Errorf("ledger has %d entries after failed save", len(entries))
	}
	if !sess.Status().Dirty {
		t.Error("session should stay dirty after failed save")
	}
	stored, err := fs.LoadSession(sess.ID)
	if err != nil || stored.Meta.Count != 0 {
		t.Fatalf("stored session after failed save: %v, %v", stored, err)
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := sm.SaveSession(sess.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	entries := readLedger(t, fs, sess.ID)
	if len(entries) != 1 || entries[0].Seq != 1 || entries[0].Source != "a" {
		t.Errorf("unexpected ledger after retry %+v", entries)
	}
	stored, err = fs.LoadSession(sess.ID)
	if err != nil || stored.Meta.Count != 1 {
		t.Fatalf("stored session after retry: %v, %v", stored, err)
	}
	if sess.Status().Dirty {
		t.Error("session should be clean after retry")
	}
}

func TestSessionManager_DeleteSession(t *testing.T) {
	sm := NewSessionManager(nil, coadd.Options{})
	sess, _ := sm.CreateSession("", 2, 2, coadd.ModeWeightedMean)

	if err := sm.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := sm.GetSession(sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted session still reachable: %v", err)
	}
	if err := sm.DeleteSession(sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := sm.SaveSession(sess.ID); err == nil {
		t.Error("SaveSession without store should fail")
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	eb.Broadcast(ContributionEvent{SessionID: "s", Seq: 1})

	// New subscribers get the last event replayed.
	ch := eb.Subscribe("s")
	if ev := <-ch; ev.Seq != 1 {
		t.Errorf("replayed event seq %d, want 1", ev.Seq)
	}

	eb.Broadcast(ContributionEvent{SessionID: "s", Seq: 2})
	eb.Broadcast(ContributionEvent{SessionID: "other", Seq: 9})
	if ev := <-ch; ev.Seq != 2 {
		t.Errorf("event seq %d, want 2", ev.Seq)
	}
	if n := eb.Subscribers("s"); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}

	eb.CleanupSession("s")
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cleanup")
	}
	// Unsubscribing after cleanup must not double-close.
	eb.Unsubscribe("s", ch)
	if n := eb.Subscribers("s"); n != 0 {
		t.Errorf("Subscribers = %d after cleanup", n)
	}
}

func TestEventBroadcaster_SlowClient(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("s")
	defer eb.Unsubscribe("s", ch)

	for i := 1; i <= cap(ch)+5; i++ {
		eb.Broadcast(ContributionEvent{SessionID: "s", Seq: i})
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffer holds %d events, want %d", len(ch), cap(ch))
	}
}
