package store

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/ircmux/identd/internal/spec"
)

func openTestStore(t *testing.T) spec.StoreCtx {
	t.Helper()
	db, err := NewSQLiteStore(path.Join(t.TempDir(), "identd.db"), context.Background())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(db.Close)
	return db.WithCtx(context.Background())
}

func exch(at time.Time, req string, reply string, kind string) spec.Exchange {
	return spec.Exchange{Time: at, Peer: "1.2.3.4", Request: req, Reply: reply, Kind: kind}
}

func TestExchangeLog(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().Truncate(time.Second)
	logged := []spec.Exchange{
		exch(now.Add(-2*time.Hour), "6667, 6697", "6667, 6697 : USERID : UNIX : alice", "USERID"),
		exch(now.Add(-1*time.Hour), "9999, 6697", "9999, 6697 : ERROR : NO-USER", "ERROR"),
		exch(now, "junk", "0, 0 : ERROR : INVALID-PORT", "ERROR"),
	}
	for _, x := range logged {
		if err := s.AddExchange(x); err != nil {
			t.Fatalf("AddExchange: %v", err)
		}
	}

	// newest first, limit honored
	recent, err := s.RecentExchanges(2)
	if err != nil {
		t.Fatalf("RecentExchanges: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentExchanges(2) returned %d rows", len(recent))
	}
	if recent[0].Request != "junk" || recent[1].Request != "9999, 6697" {
		t.Errorf("unexpected order: %v, %v", recent[0].Request, recent[1].Request)
	}
	if !recent[0].Time.Equal(now) || recent[0].Peer != "1.2.3.4" || recent[0].Kind != "ERROR" {
		t.Errorf("row round-trip: %+v", recent[0])
	}

	// trim removes strictly-older rows only
	removed, err := s.TrimExchanges(now.Add(-90 * time.Minute))
	if err != nil {
		t.Fatalf("TrimExchanges: %v", err)
	}
	if removed != 1 {
		t.Errorf("TrimExchanges removed %d want 1", removed)
	}
	recent, err = s.RecentExchanges(10)
	if err != nil {
		t.Fatalf("RecentExchanges: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("%d rows after trim, want 2", len(recent))
	}
}

func TestRecentExchangesEmpty(t *testing.T) {
	s := openTestStore(t)
	recent, err := s.RecentExchanges(0)
	if err != nil {
		t.Fatalf("RecentExchanges: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected no rows, got %d", len(recent))
	}
}
