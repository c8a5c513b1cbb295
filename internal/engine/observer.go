package engine

import "time"

// Observer receives loop events for metrics.
type Observer interface {
	Polled(transport string, n int)
	Sent(transport string, d time.Duration)
	DeliveryFailed()
	DedupDropped()
	CooldownSkipped()
	RateLimitWait()
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) Polled(string, int)         {}
func (nopObserver) Sent(string, time.Duration) {}
func (nopObserver) DeliveryFailed()            {}
func (nopObserver) DedupDropped()              {}
func (nopObserver) CooldownSkipped()           {}
func (nopObserver) RateLimitWait()             {}
func (nopObserver) QueueDepth(int)             {}
