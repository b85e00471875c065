package trust

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	entries []Entry
	err     error
	calls   int
}

func (s *fakeStore) FindCandidates(ctx context.Context, userID *int64, ip, email string) ([]Entry, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

func (s *fakeStore) Create(ctx context.Context, entry *Entry) error {
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *fakeStore) Deactivate(ctx context.Context, id string) error {
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].IsActive = false
		}
	}
	return nil
}

func uid(v int64) *int64 { return &v }

func TestMatchSemantics(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"user id match", Entry{UserID: uid(7), IsActive: true}, true},
		{"ip match", Entry{IPAddress: "10.1.2.3", IsActive: true}, true},
		{"email match case-insensitive", Entry{Email: "Ops@School.org", IsActive: true}, true},
		{"inactive", Entry{UserID: uid(7), IsActive: false}, false},
		{"expired", Entry{UserID: uid(7), IsActive: true, ExpiresAt: &past}, false},
		{"future expiry ok", Entry{UserID: uid(7), IsActive: true, ExpiresAt: &future}, true},
		{"different identifiers", Entry{UserID: uid(8), IPAddress: "10.9.9.9", Email: "other@x.org", IsActive: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{entries: []Entry{tc.entry}}
			r := NewRegistry(store)
			got := r.IsTrusted(context.Background(), uid(7), "10.1.2.3", "ops@school.org")
			if got != tc.want {
				t.Fatalf("IsTrusted=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestNoIdentifiersNotTrusted(t *testing.T) {
	store := &fakeStore{entries: []Entry{{IPAddress: "10.1.2.3", IsActive: true}}}
	r := NewRegistry(store)
	if r.IsTrusted(context.Background(), nil, "", "") {
		t.Fatal("no identifiers must never be trusted")
	}
	if store.calls != 0 {
		t.Fatal("no identifiers must not hit the store")
	}
}

func TestCacheAbsorbsRepeatedLookups(t *testing.T) {
	now := time.Now()
	store := &fakeStore{entries: []Entry{{UserID: uid(7), IsActive: true}}}
	r := NewRegistry(store,
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !r.IsTrusted(ctx, uid(7), "", "") {
			t.Fatal("expected trusted")
		}
	}
	if store.calls != 1 {
		t.Fatalf("expected single store hit, got %d", store.calls)
	}

	now = now.Add(2 * time.Minute)
	if !r.IsTrusted(ctx, uid(7), "", "") {
		t.Fatal("expected trusted after expiry")
	}
	if store.calls != 2 {
		t.Fatalf("expired cache entry must refetch, got %d calls", store.calls)
	}
}

func TestStorageFaultFailsOpen(t *testing.T) {
	store := &fakeStore{err: errors.New("engine crashed")}
	r := NewRegistry(store)
	if r.IsTrusted(context.Background(), uid(7), "10.1.2.3", "") {
		t.Fatal("fault must report not trusted")
	}
}

func TestAddAndRemoveInvalidateCache(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(store)
	ctx := context.Background()

	if r.IsTrusted(ctx, uid(7), "", "") {
		t.Fatal("expected not trusted before add")
	}
	entry := &Entry{ID: "t1", UserID: uid(7)}
	if err := r.Add(ctx, entry); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !r.IsTrusted(ctx, uid(7), "", "") {
		t.Fatal("expected trusted after add")
	}
	if err := r.Remove(ctx, "t1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.IsTrusted(ctx, uid(7), "", "") {
		t.Fatal("expected not trusted after remove")
	}
}

func TestAddRequiresIdentifier(t *testing.T) {
	r := NewRegistry(&fakeStore{})
	if err := r.Add(context.Background(), &Entry{Reason: "no identifiers"}); err == nil {
		t.Fatal("expected error for entry without identifiers")
	}
}
