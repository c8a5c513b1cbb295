// Package engine runs the poll and dispatch loop: it reads new messages
// through a ConversationSource, drops duplicates, queues the rest in
// discovery order and answers them under a global send rate limit and a
// per-sender cooldown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/chatpilot/internal/reply"
	"github.com/user/chatpilot/internal/types"
)

var (
	// ErrRunning is returned when a second loop is started on one engine.
	ErrRunning = errors.New("engine already running")
	// ErrDuplicate is returned by Inject for an id that was already queued.
	ErrDuplicate = errors.New("message already processed")
)

// Config holds loop timings and limits. Zero values take the defaults.
type Config struct {
	PollInterval   time.Duration
	RateLimit      int
	RateWindow     time.Duration
	SenderCooldown time.Duration
	MinSendDelay   time.Duration
	MaxSendDelay   time.Duration
	// MaxRateWait caps a single rate-limit pause; the limit is re-checked
	// after each pause.
	MaxRateWait time.Duration
	// SendTimeout bounds one delivery, which is not aborted by Stop.
	SendTimeout time.Duration
	QueueSize   int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		RateLimit:      10,
		RateWindow:     60 * time.Second,
		SenderCooldown: 5 * time.Minute,
		MinSendDelay:   time.Second,
		MaxSendDelay:   3 * time.Second,
		MaxRateWait:    5 * time.Second,
		SendTimeout:    90 * time.Second,
		QueueSize:      DefaultQueueSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.SenderCooldown < 0 {
		c.SenderCooldown = 0
	}
	if c.MaxSendDelay < c.MinSendDelay {
		c.MaxSendDelay = c.MinSendDelay
	}
	if c.MaxRateWait <= 0 {
		c.MaxRateWait = d.MaxRateWait
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// State of the loop.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateDispatching State = "dispatching"
	StateStopped     State = "stopped"
)

// Deps are the collaborators of an Engine. History and Styler are optional;
// without them the fallback persona is used.
type Deps struct {
	Source    types.ConversationSource
	Synth     types.Synthesizer
	Processed types.ProcessedSet
	History   types.HistorySource
	Styler    types.StyleExtractor
	Observer  Observer
}

// Sources that report which transport served a call implement these.
type pollReporter interface {
	PollVia(ctx context.Context) ([]types.IncomingMessage, string, error)
}

type sendReporter interface {
	SendVia(ctx context.Context, r types.OutgoingReply) (string, error)
}

// Engine owns the processed set, the rate window and the cooldowns for one
// running account.
type Engine struct {
	deps     Deps
	cfg      Config
	queue    *Queue
	rate     *RateWindow
	cooldown *Cooldown
	wake     chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	processed atomic.Int64
	dropped   atomic.Int64

	mu        sync.Mutex
	state     State
	running   bool
	startedAt time.Time
	style     string
	active    int
	readVia   string
	sendVia   string
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Engine{
		deps:     deps,
		cfg:      cfg,
		queue:    NewQueue(cfg.QueueSize),
		rate:     NewRateWindow(cfg.RateLimit, cfg.RateWindow),
		cooldown: NewCooldown(cfg.SenderCooldown),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		sleep:    sleepCtx,
		state:    StateIdle,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		slog.Debug("engine state", "from", prev, "to", s)
	}
}

// State returns the current loop state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Style returns the style profile in use.
func (e *Engine) Style() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.style
}

// Start runs the loop in the background until Stop or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	started := make(chan error, 1)
	go func() {
		started <- e.run(ctx, cancel, func() { started <- nil })
	}()
	if err := <-started; err != nil {
		cancel()
		return err
	}
	return nil
}

// Stop cancels the loop and waits for the current delivery to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run executes the loop on the calling goroutine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return e.run(ctx, cancel, nil)
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, started func()) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.startedAt = e.now()
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		e.setState(StateStopped)
		close(done)
	}()
	if started != nil {
		started()
	}

	slog.Info("engine started", "poll_interval", e.cfg.PollInterval, "rate_limit", e.cfg.RateLimit,
		"rate_window", e.cfg.RateWindow, "sender_cooldown", e.cfg.SenderCooldown)
	e.loadStyle(ctx)

	for ctx.Err() == nil {
		e.setState(StatePolling)
		e.poll(ctx)
		e.setState(StateDispatching)
		e.dispatch(ctx)
		e.setState(StateIdle)

		t := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-ctx.Done():
		case <-t.C:
		case <-e.wake:
			// Injected messages are answered without waiting for the poll.
			e.setState(StateDispatching)
			e.dispatch(ctx)
			e.drainWakeAndWait(ctx, t)
		}
		t.Stop()
	}

	if n := e.queue.Len(); n > 0 {
		slog.Info("engine stopping with queued messages", "queued", n)
	}
	slog.Info("engine stopped", "processed", e.processed.Load(), "dropped", e.dropped.Load())
	return nil
}

// drainWakeAndWait keeps answering injections until the poll timer fires.
func (e *Engine) drainWakeAndWait(ctx context.Context, t *time.Timer) {
	for {
		e.setState(StateIdle)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			return
		case <-e.wake:
			e.setState(StateDispatching)
			e.dispatch(ctx)
		}
	}
}

// loadStyle computes the style profile once per run.
func (e *Engine) loadStyle(ctx context.Context) {
	style := ""
	if e.deps.History != nil && e.deps.Styler != nil {
		replies, err := e.deps.History.FetchHistory(ctx)
		if err != nil {
			slog.Warn("history unavailable, using fallback persona", "error", err)
		} else {
			slog.Info("history fetched", "replies", len(replies))
			style = e.deps.Styler.ExtractStyle(ctx, replies)
		}
	}
	style = reply.Persona(style)
	e.mu.Lock()
	e.style = style
	e.mu.Unlock()
	slog.Info("style profile ready", "style", style)
}

func (e *Engine) poll(ctx context.Context) {
	var (
		msgs []types.IncomingMessage
		via  string
		err  error
	)
	if p, ok := e.deps.Source.(pollReporter); ok {
		msgs, via, err = p.PollVia(ctx)
	} else {
		via = e.deps.Source.Name()
		msgs, err = e.deps.Source.Poll(ctx)
	}
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("poll failed", "transport", via, "error", err)
		}
		return
	}

	e.deps.Observer.Polled(via, len(msgs))
	convs := make(map[types.ConversationID]struct{})
	queued := 0
	for _, m := range msgs {
		convs[m.ConversationID] = struct{}{}
		if e.enqueue(ctx, m, via) == nil {
			queued++
		}
	}
	e.mu.Lock()
	e.active = len(convs)
	e.readVia = via
	e.mu.Unlock()
	e.deps.Observer.QueueDepth(e.queue.Len())
	slog.Debug("poll complete", "transport", via, "messages", len(msgs), "queued", queued)
}

// enqueue applies dedup and queues m. The id is marked processed here, so a
// message is queued at most once no matter how often it is polled.
func (e *Engine) enqueue(ctx context.Context, m types.IncomingMessage, source string) error {
	if m.ID == "" {
		slog.Warn("message without id ignored", "conversation_id", m.ConversationID, "sender_id", m.SenderID)
		return errors.New("message without id")
	}
	fresh, err := e.deps.Processed.MarkNew(ctx, m.ID)
	if err != nil {
		slog.Error("processed set unavailable, message skipped", "message_id", m.ID,
			"conversation_id", m.ConversationID, "error", err)
		return fmt.Errorf("mark processed: %w", err)
	}
	if !fresh {
		e.deps.Observer.DedupDropped()
		slog.Debug("duplicate message dropped", "message_id", m.ID, "conversation_id", m.ConversationID)
		return ErrDuplicate
	}
	if err := e.queue.Push(&Item{Msg: m, DiscoveredAt: e.now(), Source: source}); err != nil {
		e.dropped.Add(1)
		slog.Error("message dropped", "message_id", m.ID, "conversation_id", m.ConversationID,
			"sender_id", m.SenderID, "error", err)
		return err
	}
	slog.Info("message queued", "message_id", m.ID, "conversation_id", m.ConversationID,
		"sender_id", m.SenderID, "source", source)
	return nil
}

// Inject queues a message that did not come from a poll. It goes through
// the same dedup and queue as polled messages.
func (e *Engine) Inject(ctx context.Context, m types.IncomingMessage) (types.MessageID, error) {
	if m.ID == "" {
		m.ID = types.NewInjectedMessageID()
	}
	if m.SenderID == "" {
		m.SenderID = types.UserID(m.ConversationID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.now()
	}
	if err := e.enqueue(ctx, m, "inject"); err != nil {
		return m.ID, err
	}
	e.deps.Observer.QueueDepth(e.queue.Len())
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return m.ID, nil
}

// dispatch drains the queue in order, stopping early on cancellation.
func (e *Engine) dispatch(ctx context.Context) {
	sent := false
	for ctx.Err() == nil {
		it := e.queue.Pop()
		if it == nil {
			break
		}
		e.deps.Observer.QueueDepth(e.queue.Len())
		if sent {
			if err := e.sleep(ctx, e.sendDelay()); err != nil {
				e.abandoned(it)
				return
			}
		}
		ok, err := e.handle(ctx, it)
		if err != nil {
			e.abandoned(it)
			return
		}
		sent = sent || ok
	}
}

func (e *Engine) abandoned(it *Item) {
	slog.Info("dispatch interrupted, message not answered", "message_id", it.Msg.ID,
		"conversation_id", it.Msg.ConversationID, "sender_id", it.Msg.SenderID)
}

func (e *Engine) sendDelay() time.Duration {
	d := e.cfg.MinSendDelay
	if spread := e.cfg.MaxSendDelay - e.cfg.MinSendDelay; spread > 0 {
		d += rand.N(spread)
	}
	return d
}

func senderKey(m types.IncomingMessage) types.UserID {
	if m.SenderID != "" {
		return m.SenderID
	}
	return types.UserID(m.ConversationID)
}

// handle answers one item. It returns an error only when ctx ended before
// delivery started; delivery failures are logged and counted as drops.
func (e *Engine) handle(ctx context.Context, it *Item) (bool, error) {
	m := it.Msg
	sender := senderKey(m)
	log := slog.With("message_id", m.ID, "conversation_id", m.ConversationID, "sender_id", m.SenderID)

	if left := e.cooldown.Remaining(sender, e.now()); left > 0 {
		e.deps.Observer.CooldownSkipped()
		log.Info("sender in cooldown, message skipped", "remaining", left.Round(time.Second))
		return false, nil
	}

	for {
		wait := e.rate.Wait(e.now())
		if wait <= 0 {
			break
		}
		e.deps.Observer.RateLimitWait()
		pause := min(wait, e.cfg.MaxRateWait)
		log.Info("rate limit reached, pausing", "pause", pause, "window_sends", e.rate.Count(e.now()))
		if err := e.sleep(ctx, pause); err != nil {
			return false, err
		}
	}

	text := m.SuggestedReply
	if text == "" {
		text = e.deps.Synth.Synthesize(ctx, m.Text, e.Style())
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	out := types.OutgoingReply{ConversationID: m.ConversationID, Text: text, InReplyTo: m.ID}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SendTimeout)
	defer cancel()
	start := e.now()
	via, err := e.send(sendCtx, out)
	if err != nil {
		e.dropped.Add(1)
		e.deps.Observer.DeliveryFailed()
		log.Error("delivery failed, message dropped", "transport", via, "error", err)
		return false, nil
	}

	at := e.now()
	e.rate.Record(at)
	e.cooldown.Touch(sender, at)
	e.processed.Add(1)
	e.deps.Observer.Sent(via, at.Sub(start))
	e.mu.Lock()
	e.sendVia = via
	e.mu.Unlock()
	log.Info("reply sent", "transport", via, "reply", text, "waited", at.Sub(it.DiscoveredAt).Round(time.Millisecond))
	return true, nil
}

func (e *Engine) send(ctx context.Context, r types.OutgoingReply) (string, error) {
	if s, ok := e.deps.Source.(sendReporter); ok {
		return s.SendVia(ctx, r)
	}
	return e.deps.Source.Name(), e.deps.Source.Send(ctx, r)
}

// Stats returns a snapshot for the operator surface.
func (e *Engine) Stats() types.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := types.Stats{
		ProcessedCount:      e.processed.Load(),
		ActiveConversations: e.active,
		QueueDepth:          e.queue.Len(),
		Running:             e.running,
		DroppedCount:        e.dropped.Load(),
		ReadTransport:       e.readVia,
		SendTransport:       e.sendVia,
	}
	if e.running {
		s.StartedAt = e.startedAt
	}
	return s
}
