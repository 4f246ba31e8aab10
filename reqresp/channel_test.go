package reqresp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func openTestChannel(t *testing.T, responder func(req *Message) *Message) (*Channel, *LoopbackSession) {
	t.Helper()
	session := NewLoopbackSession(responder)
	c, err := NewChannel(session, "mgmt", "$management")
	if err != nil {
		t.Fatal(err)
	}

	opened := make(chan error, 1)
	c.Open(func(err error) { opened <- err }, func(err error) {})
	select {
	case err := <-opened:
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("open callback never fired")
	}
	return c, session
}

func TestChannelOpensAndReportsState(t *testing.T) {
	c, _ := openTestChannel(t, func(req *Message) *Message {
		return &Message{Body: req.Body}
	})
	if c.State() != ChannelOpened {
		t.Fatalf("expected opened, got %s", c.State())
	}
	if c.replyTo != "management-client-reply-to" {
		t.Fatalf("unexpected reply address %s", c.replyTo)
	}
}

func TestConcurrentRequestsEachResolveOnce(t *testing.T) {
	c, _ := openTestChannel(t, func(req *Message) *Message {
		return &Message{Body: req.Body}
	})

	const n = 100
	var wg sync.WaitGroup
	resolved := make([]atomic.Int32, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		body := fmt.Sprintf("req-%d", i)
		err := c.Request(&Message{Body: []byte(body)}, func(msg *Message, err error) {
			defer wg.Done()
			resolved[i].Add(1)
			if err != nil {
				t.Errorf("request %d errored: %v", i, err)
				return
			}
			if string(msg.Body) != body {
				t.Errorf("request %d got mismatched response %s", i, msg.Body)
			}
			if msg.CorrelationID == "" {
				t.Errorf("request %d response missing correlation id", i)
			}
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	for i := range resolved {
		if got := resolved[i].Load(); got != 1 {
			t.Fatalf("request %d resolved %d times", i, got)
		}
	}
}

func TestReceiveLinkFailureFailsInflightAndRejectsNew(t *testing.T) {
	// Responder never replies so requests stay in flight
	c, session := openTestChannel(t, func(req *Message) *Message {
		return nil
	})

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		err := c.Request(&Message{Body: []byte("pending")}, func(msg *Message, err error) {
			errs <- err
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	linkErr := errors.New("link detached")
	session.FailReceiveLink(linkErr)

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, linkErr) {
				t.Fatalf("in-flight request resolved with %v, want link error", err)
			}
		case <-time.After(time.Second):
			t.Fatal("in-flight request never resolved after link failure")
		}
	}

	if err := c.Request(&Message{Body: []byte("late")}, func(msg *Message, err error) {}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("request after link failure should be rejected, got %v", err)
	}
}

func TestGracefulCloseFiresOnceAndOnlyGraceful(t *testing.T) {
	session := NewLoopbackSession(func(req *Message) *Message {
		return &Message{Body: req.Body}
	})
	c, err := NewChannel(session, "mgmt", "$management")
	if err != nil {
		t.Fatal(err)
	}

	var involuntaryCloses atomic.Int32
	opened := make(chan error, 1)
	c.Open(func(err error) { opened <- err }, func(err error) { involuntaryCloses.Add(1) })
	if err := <-opened; err != nil {
		t.Fatal(err)
	}

	graceful := make(chan error, 1)
	c.Close(func(err error) { graceful <- err })
	select {
	case err := <-graceful:
		if err != nil {
			t.Fatalf("graceful close errored: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("graceful close callback never fired")
	}

	if c.State() != ChannelClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if involuntaryCloses.Load() != 0 {
		t.Fatal("onClose fired for a requested close")
	}

	if err := c.Request(&Message{Body: []byte("late")}, func(msg *Message, err error) {}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("request after close should be rejected, got %v", err)
	}
}

func TestRequestRejectsPreAssignedIdentity(t *testing.T) {
	c, _ := openTestChannel(t, func(req *Message) *Message {
		return &Message{Body: req.Body}
	})

	if err := c.Request(&Message{ID: "mine"}, func(*Message, error) {}); !errors.Is(err, ErrMessageHasID) {
		t.Fatalf("expected ErrMessageHasID, got %v", err)
	}
	if err := c.Request(&Message{ReplyTo: "me"}, func(*Message, error) {}); !errors.Is(err, ErrMessageHasID) {
		t.Fatalf("expected ErrMessageHasID, got %v", err)
	}
	if err := c.Request(nil, func(*Message, error) {}); err == nil {
		t.Fatal("nil message accepted")
	}
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 3)
	c, _ := openTestChannel(t, func(req *Message) *Message {
		mu.Lock()
		seen = append(seen, req.ID)
		mu.Unlock()
		return &Message{Body: req.Body}
	})

	for i := 0; i < 3; i++ {
		if err := c.Request(&Message{Body: []byte("x")}, func(*Message, error) { done <- struct{}{} }); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("request never resolved")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(seen)
	want := []string{"request1", "request2", "request3"}
	for i, id := range seen {
		if id != want[i] {
			t.Fatalf("unexpected request ids: got %v", seen)
		}
	}
}
