package fallback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/user/chatpilot/internal/browser"
	"github.com/user/chatpilot/internal/platform"
	"github.com/user/chatpilot/internal/types"
)

type stubSource struct {
	name    string
	pollErr error
	sendErr []error
	msgs    []types.IncomingMessage

	mu     sync.Mutex
	polls  int
	sends  int
	closed int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Poll(ctx context.Context) ([]types.IncomingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return s.msgs, nil
}

func (s *stubSource) Send(ctx context.Context, r types.OutgoingReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if len(s.sendErr) == 0 {
		return nil
	}
	err := s.sendErr[0]
	if len(s.sendErr) > 1 {
		s.sendErr = s.sendErr[1:]
	}
	return err
}

func (s *stubSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func factoryFor(src *stubSource, builds *atomic.Int32) Factory {
	return func(ctx context.Context) (types.ConversationSource, error) {
		builds.Add(1)
		return src, nil
	}
}

var reply = types.OutgoingReply{ConversationID: "c1", Text: "hi", InReplyTo: "m1"}

func TestSendUsesAPIWhenHealthy(t *testing.T) {
	api := &stubSource{name: "api"}
	var builds atomic.Int32
	c := New(api, factoryFor(&stubSource{name: "browser"}, &builds))

	via, err := c.SendVia(context.Background(), reply)
	if err != nil || via != "api" {
		t.Fatalf("SendVia = %q, %v", via, err)
	}
	if builds.Load() != 0 {
		t.Error("browser built without need")
	}
	if c.State(Send) != APIPrimary {
		t.Errorf("state = %s", c.State(Send))
	}
}

func TestSendUnauthorizedFallsBack(t *testing.T) {
	api := &stubSource{name: "api", sendErr: []error{platform.ErrUnauthorized}}
	b := &stubSource{name: "browser"}
	var builds atomic.Int32
	c := New(api, factoryFor(b, &builds))
	var transitions []Class
	c.OnTransition = func(class Class, cause error) { transitions = append(transitions, class) }

	via, err := c.SendVia(context.Background(), reply)
	if err != nil || via != "browser" {
		t.Fatalf("SendVia = %q, %v", via, err)
	}
	if c.State(Send) != BrowserFallback {
		t.Errorf("send state = %s", c.State(Send))
	}
	if c.State(Read) != APIPrimary {
		t.Errorf("read state should be independent, got %s", c.State(Read))
	}
	if len(transitions) != 1 || transitions[0] != Send {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestFallbackIsSticky(t *testing.T) {
	api := &stubSource{name: "api", sendErr: []error{platform.ErrForbidden, nil}}
	b := &stubSource{name: "browser"}
	var builds atomic.Int32
	c := New(api, factoryFor(b, &builds))

	for i := 0; i < 3; i++ {
		if _, err := c.SendVia(context.Background(), reply); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if api.sends != 1 {
		t.Errorf("api sends = %d, want 1", api.sends)
	}
	if b.sends != 3 {
		t.Errorf("browser sends = %d, want 3", b.sends)
	}
	if builds.Load() != 1 {
		t.Errorf("browser built %d times, want 1", builds.Load())
	}

	c.Reset(api)
	if c.State(Send) != APIPrimary {
		t.Fatal("Reset should restore api")
	}
	if via, _ := c.SendVia(context.Background(), reply); via != "api" {
		t.Errorf("after reset via = %q", via)
	}
}

func TestRejectedTriesBrowserWithoutTransition(t *testing.T) {
	api := &stubSource{name: "api", sendErr: []error{&platform.Error{Kind: platform.KindRejected, Op: "send"}}}
	b := &stubSource{name: "browser"}
	var builds atomic.Int32
	c := New(api, factoryFor(b, &builds))

	via, err := c.SendVia(context.Background(), reply)
	if err != nil || via != "browser" {
		t.Fatalf("SendVia = %q, %v", via, err)
	}
	if c.State(Send) != APIPrimary {
		t.Errorf("rejection should not move the class, got %s", c.State(Send))
	}
}

func TestBothFailIsDeliveryFailed(t *testing.T) {
	api := &stubSource{name: "api", sendErr: []error{platform.ErrUnauthorized}}
	b := &stubSource{name: "browser", sendErr: []error{browser.ErrNotSubmitted}}
	var builds atomic.Int32
	c := New(api, factoryFor(b, &builds))

	_, err := c.SendVia(context.Background(), reply)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if !errors.Is(err, browser.ErrNotSubmitted) || platform.KindOf(err) != platform.KindUnauthorized {
		t.Errorf("causes not wrapped: %v", err)
	}
}

func TestNoFactoryIsDeliveryFailed(t *testing.T) {
	api := &stubSource{name: "api", sendErr: []error{platform.ErrUnauthorized}}
	c := New(api, nil)

	_, err := c.SendVia(context.Background(), reply)
	if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, ErrNoFallback) {
		t.Fatalf("err = %v", err)
	}
}

func TestNoSessionGoesStraightToBrowser(t *testing.T) {
	b := &stubSource{name: "browser", msgs: []types.IncomingMessage{{ID: "m1"}}}
	var builds atomic.Int32
	c := New(nil, factoryFor(b, &builds))

	msgs, via, err := c.PollVia(context.Background())
	if err != nil || via != "browser" || len(msgs) != 1 {
		t.Fatalf("PollVia = %v, %q, %v", msgs, via, err)
	}
	if c.State(Read) != BrowserFallback {
		t.Errorf("read state = %s", c.State(Read))
	}
}

func TestPollNonFallbackErrorReturned(t *testing.T) {
	api := &stubSource{name: "api", pollErr: errors.New("boom")}
	var builds atomic.Int32
	c := New(api, factoryFor(&stubSource{name: "browser"}, &builds))

	if _, err := c.Poll(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.State(Read) != APIPrimary || builds.Load() != 0 {
		t.Error("unclassified error should not fall back")
	}
}

func TestPollTransientFallsBack(t *testing.T) {
	api := &stubSource{name: "api", pollErr: &platform.Error{Kind: platform.KindTransientNetwork}}
	b := &stubSource{name: "browser"}
	var builds atomic.Int32
	c := New(api, factoryFor(b, &builds))

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if b.polls != 1 || c.State(Read) != BrowserFallback {
		t.Errorf("browser polls = %d, state = %s", b.polls, c.State(Read))
	}
}

func TestCrashRebuildsBrowser(t *testing.T) {
	b1 := &stubSource{name: "browser", sendErr: []error{browser.ErrCrashed}}
	b2 := &stubSource{name: "browser"}
	var builds atomic.Int32
	c := New(nil, func(ctx context.Context) (types.ConversationSource, error) {
		if builds.Add(1) == 1 {
			return b1, nil
		}
		return b2, nil
	})

	if _, err := c.SendVia(context.Background(), reply); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("first send err = %v", err)
	}
	if b1.closed != 1 {
		t.Errorf("crashed browser closed %d times", b1.closed)
	}
	if _, err := c.SendVia(context.Background(), reply); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if builds.Load() != 2 || b2.sends != 1 {
		t.Errorf("builds = %d, b2 sends = %d", builds.Load(), b2.sends)
	}
}

func TestUnavailableDisablesFallback(t *testing.T) {
	var builds atomic.Int32
	c := New(nil, func(ctx context.Context) (types.ConversationSource, error) {
		builds.Add(1)
		return nil, browser.ErrUnavailable
	})

	for i := 0; i < 3; i++ {
		_, err := c.SendVia(context.Background(), reply)
		if !errors.Is(err, ErrNoFallback) {
			t.Fatalf("err = %v, want ErrNoFallback", err)
		}
	}
	if builds.Load() != 1 {
		t.Errorf("factory called %d times, want 1", builds.Load())
	}
}

func TestConcurrentFallbackBuildsOnce(t *testing.T) {
	b := &stubSource{name: "browser"}
	var builds atomic.Int32
	release := make(chan struct{})
	c := New(nil, func(ctx context.Context) (types.ConversationSource, error) {
		builds.Add(1)
		<-release
		return b, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Send(context.Background(), reply)
		}()
	}
	close(release)
	wg.Wait()
	if n := builds.Load(); n != 1 {
		t.Errorf("factory called %d times, want 1", n)
	}
	if b.sends != 5 {
		t.Errorf("sends = %d, want 5", b.sends)
	}
}

func TestCloseClosesBrowser(t *testing.T) {
	b := &stubSource{name: "browser"}
	var builds atomic.Int32
	c := New(nil, factoryFor(b, &builds))
	c.Send(context.Background(), reply)
	c.Close()
	if b.closed != 1 {
		t.Errorf("closed = %d", b.closed)
	}
}
