package registry

import (
	"sync"
	"testing"
	"time"
)

func TestCreate_MintsUniqueOrderedIDs(t *testing.T) {
	r := New(Config{})
	a := r.Create(nil)
	time.Sleep(2 * time.Millisecond)
	b := r.Create(nil)

	if a.ID == b.ID {
		t.Fatal("duplicate session ids")
	}
	if !(a.ID < b.ID) {
		t.Fatalf("ids not time-ordered: %s >= %s", a.ID, b.ID)
	}
	if a.State() != StateIdle {
		t.Fatalf("new session state = %s, want IDLE", a.State())
	}
	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}
}

func TestGetByConn_LooksUpSessionByConnection(t *testing.T) {
	r := New(Config{})
	connA, connB := new(int), new(int)

	a := r.Create(connA)
	b := r.Create(connB)

	got, ok := r.GetByConn(connA)
	if !ok || got.ID != a.ID {
		t.Fatalf("GetByConn(connA) = %v, %v, want session %s", got, ok, a.ID)
	}
	if got, ok := r.GetByConn(connB); !ok || got.ID != b.ID {
		t.Fatalf("GetByConn(connB) = %v, %v, want session %s", got, ok, b.ID)
	}
	if _, ok := r.GetByConn(new(int)); ok {
		t.Fatal("unknown connection resolved to a session")
	}

	r.Delete(a.ID)
	if _, ok := r.GetByConn(connA); ok {
		t.Fatal("deleted session still resolvable by connection")
	}

	// A nil handle is never indexed.
	r.Create(nil)
	if _, ok := r.GetByConn(nil); ok {
		t.Fatal("nil connection resolved to a session")
	}
}

func TestSession_Lifecycle(t *testing.T) {
	r := New(Config{})
	s := r.Create(nil)

	cfg := AudioConfig{SampleRate: 16000, Language: "en"}
	if err := s.Activate(cfg); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", s.State())
	}
	if got := s.Audio(); got != cfg {
		t.Fatalf("Audio = %+v, want %+v", got, cfg)
	}

	// Double activation is forbidden.
	if err := s.Activate(cfg); err != ErrBadTransition {
		t.Fatalf("second Activate err = %v, want ErrBadTransition", err)
	}

	s.End()
	if s.State() != StateEnded {
		t.Fatalf("state = %s, want ENDED", s.State())
	}
	if s.EndedAt().IsZero() {
		t.Fatal("EndedAt not recorded")
	}
	endedAt := s.EndedAt()
	s.End() // idempotent
	if s.EndedAt() != endedAt {
		t.Fatal("second End changed EndedAt")
	}
}

func TestDelete_IdempotentWithSingleEvict(t *testing.T) {
	var mu sync.Mutex
	evicted := map[string]int{}
	r := New(Config{OnEvict: func(s *Session) {
		mu.Lock()
		evicted[s.ID]++
		mu.Unlock()
	}})

	s := r.Create(nil)
	r.Delete(s.ID)
	r.Delete(s.ID)
	r.Delete("never-existed")

	mu.Lock()
	defer mu.Unlock()
	if evicted[s.ID] != 1 {
		t.Fatalf("evict hook fired %d times, want 1", evicted[s.ID])
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
	if s.State() != StateEnded {
		t.Fatalf("deleted session state = %s, want ENDED", s.State())
	}
}

func TestSweep_EvictsAgedAndIdleSessions(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	r := New(Config{
		SessionMaxAge: time.Hour,
		InactivityMax: 5 * time.Minute,
		OnEvict: func(s *Session) {
			mu.Lock()
			evicted = append(evicted, s.ID)
			mu.Unlock()
		},
	})

	aged := r.Create(nil)
	aged.CreatedAt = time.Now().Add(-2 * time.Hour)

	idle := r.Create(nil)
	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-10 * time.Minute)
	idle.mu.Unlock()

	fresh := r.Create(nil)
	fresh.Touch()

	r.Sweep(time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 2 {
		t.Fatalf("evicted %d sessions, want 2: %v", len(evicted), evicted)
	}
	if _, ok := r.Get(fresh.ID); !ok {
		t.Fatal("fresh session was swept")
	}
	if _, ok := r.Get(aged.ID); ok {
		t.Fatal("aged session survived sweep")
	}
	if _, ok := r.Get(idle.ID); ok {
		t.Fatal("idle session survived sweep")
	}
}

func TestTouch_DefersInactivitySweep(t *testing.T) {
	r := New(Config{InactivityMax: 50 * time.Millisecond})
	s := r.Create(nil)

	time.Sleep(30 * time.Millisecond)
	s.Touch()
	r.Sweep(time.Now())
	if _, ok := r.Get(s.ID); !ok {
		t.Fatal("recently touched session was swept")
	}

	r.Sweep(time.Now().Add(time.Minute))
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("idle session survived sweep")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s := r.Create(nil)
				if _, ok := r.Get(s.ID); !ok {
					t.Error("created session not found")
					return
				}
				s.Touch()
				r.Delete(s.ID)
			}
		}()
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
}
