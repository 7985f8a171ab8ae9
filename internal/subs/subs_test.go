package subs

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	calls   []string
	failOn  string
	failErr error
}

func (f *fakeTransport) SubscribeThread(id string) error {
	if id == f.failOn {
		return f.failErr
	}
	f.calls = append(f.calls, "sub:"+id)
	return nil
}

func (f *fakeTransport) UnsubscribeThread(id string) error {
	if id == f.failOn {
		return f.failErr
	}
	f.calls = append(f.calls, "unsub:"+id)
	return nil
}

func TestSetDesiredIssuesOnlyDiff(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr)

	if err := m.SetDesired([]string{"t1", "t2"}); err != nil {
		t.Fatalf("SetDesired failed: %v", err)
	}
	want := []string{"sub:t1", "sub:t2"}
	if !reflect.DeepEqual(tr.calls, want) {
		t.Fatalf("got calls %v, want %v", tr.calls, want)
	}

	// Same desired set again: no traffic.
	tr.calls = nil
	if err := m.SetDesired([]string{"t1", "t2"}); err != nil {
		t.Fatalf("SetDesired failed: %v", err)
	}
	if len(tr.calls) != 0 {
		t.Fatalf("expected no calls for unchanged set, got %v", tr.calls)
	}

	// Swap t2 for t3: one unsubscribe, one subscribe.
	if err := m.SetDesired([]string{"t1", "t3"}); err != nil {
		t.Fatalf("SetDesired failed: %v", err)
	}
	want = []string{"unsub:t2", "sub:t3"}
	if !reflect.DeepEqual(tr.calls, want) {
		t.Fatalf("got calls %v, want %v", tr.calls, want)
	}
}

func TestResetReissuesAllSubscribesOnReconnect(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr)

	if err := m.SetDesired([]string{"t1", "t3"}); err != nil {
		t.Fatalf("SetDesired failed: %v", err)
	}
	tr.calls = nil

	// Connection dropped: server forgot everything.
	m.Reset()
	if m.Len() != 0 {
		t.Fatalf("expected empty tracked set after reset, got %d", m.Len())
	}

	if err := m.SetDesired([]string{"t1", "t3"}); err != nil {
		t.Fatalf("SetDesired failed: %v", err)
	}
	want := []string{"sub:t1", "sub:t3"}
	if !reflect.DeepEqual(tr.calls, want) {
		t.Fatalf("got calls %v, want %v", tr.calls, want)
	}
}

func TestPartialFailureKeepsProgress(t *testing.T) {
	errBoom := errors.New("boom")
	tr := &fakeTransport{failOn: "t2", failErr: errBoom}
	m := New(tr)

	err := m.SetDesired([]string{"t1", "t2", "t3"})
	if err == nil {
		t.Fatal("expected error from failing subscribe")
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}

	// t1 landed before the failure and stays tracked.
	if !m.IsSubscribed("t1") {
		t.Fatal("t1 should remain subscribed after partial failure")
	}
	if m.IsSubscribed("t2") {
		t.Fatal("t2 should not be tracked after failed subscribe")
	}

	// Retry after the fault clears only issues the missing ones.
	tr.failOn = ""
	tr.calls = nil
	if err := m.SetDesired([]string{"t1", "t2", "t3"}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	want := []string{"sub:t2", "sub:t3"}
	if !reflect.DeepEqual(tr.calls, want) {
		t.Fatalf("got calls %v, want %v", tr.calls, want)
	}
}

func TestSetDesiredDropsEmptyIDs(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr)
	if err := m.SetDesired([]string{"", "t1", ""}); err != nil {
		t.Fatalf("SetDesired failed: %v", err)
	}
	got := m.Subscribed()
	if !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("got %v, want [t1]", got)
	}
}

type slowTransport struct {
	mu    sync.Mutex
	calls []string
}

func (s *slowTransport) SubscribeThread(id string) error {
	time.Sleep(10 * time.Millisecond)
	s.mu.Lock()
	s.calls = append(s.calls, "sub:"+id)
	s.mu.Unlock()
	return nil
}

func (s *slowTransport) UnsubscribeThread(id string) error {
	s.mu.Lock()
	s.calls = append(s.calls, "unsub:"+id)
	s.mu.Unlock()
	return nil
}

func TestConcurrentSetDesiredIssuesOnce(t *testing.T) {
	tr := &slowTransport{}
	m := New(tr)

	// A reconnect replay racing a UI open must not double-issue the
	// same subscribe: passes are serialized, so the second one sees
	// the first one's result and computes an empty diff.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.SetDesired([]string{"t1"}); err != nil {
				t.Errorf("SetDesired: %v", err)
			}
		}()
	}
	wg.Wait()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.calls) != 1 || tr.calls[0] != "sub:t1" {
		t.Fatalf("expected a single subscribe, got %v", tr.calls)
	}
}
