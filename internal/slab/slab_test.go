package slab

import "testing"

func TestInsertGetRemove(t *testing.T) {
	s := New[string](100, 4)

	tok := s.Insert("alpha")
	if !s.Contains(tok) {
		t.Fatalf("Contains(%d) = false after Insert", tok)
	}
	v, ok := s.Get(tok)
	if !ok || v != "alpha" {
		t.Errorf("Get(%d) = (%q, %v), want (%q, true)", tok, v, ok, "alpha")
	}

	s.Remove(tok)
	if _, ok := s.Get(tok); ok {
		t.Errorf("Get(%d) after Remove() reported ok=true", tok)
	}
}

func TestTokenRangeDisjoint(t *testing.T) {
	listeners := New[int](0, 4)
	conns := New[int](256, 8)

	lt := listeners.Insert(1)
	ct := conns.Insert(2)

	if conns.Contains(lt) {
		t.Errorf("connection slab claims to contain listener token %d", lt)
	}
	if listeners.Contains(ct) {
		t.Errorf("listener slab claims to contain connection token %d", ct)
	}
}

func TestInsertFailsWhenFull(t *testing.T) {
	s := New[int](0, 2)
	if s.Insert(1) == Invalid {
		t.Fatal("first Insert() failed on empty slab")
	}
	if s.Insert(2) == Invalid {
		t.Fatal("second Insert() failed on slab with one free slot")
	}
	if tok := s.Insert(3); tok != Invalid {
		t.Errorf("Insert() on a full slab returned %d, want Invalid", tok)
	}
}

func TestTokenReuseAfterRemove(t *testing.T) {
	s := New[int](0, 1)
	tok1 := s.Insert(1)
	s.Remove(tok1)
	tok2 := s.Insert(2)
	if tok2 == Invalid {
		t.Fatal("Insert() after Remove() on a full slab failed, want reused slot")
	}
}

func TestEachVisitsLiveEntriesOnly(t *testing.T) {
	s := New[int](0, 4)
	a := s.Insert(10)
	s.Insert(20)
	s.Remove(a)

	seen := map[Token]int{}
	s.Each(func(tok Token, v int) { seen[tok] = v })

	if _, ok := seen[a]; ok {
		t.Errorf("Each() visited removed token %d", a)
	}
	if len(seen) != 1 {
		t.Errorf("Each() visited %d entries, want 1", len(seen))
	}
}
