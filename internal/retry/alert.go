package retry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const DefaultAlertThrottle = 10 * time.Minute

// Meta travels with an ops notification.
type Meta struct {
	ThrottleKey string
	Fields      map[string]string
}

// Notifier is the ops channel.
type Notifier interface {
	Notify(ctx context.Context, subject, body string, meta Meta) error
}

// Alerter sends at most one notification per signature per throttle window.
type Alerter struct {
	n        Notifier
	throttle time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewAlerter(n Notifier, throttle time.Duration) *Alerter {
	if throttle <= 0 {
		throttle = DefaultAlertThrottle
	}
	return &Alerter{n: n, throttle: throttle, last: make(map[string]time.Time)}
}

// Alert is one serious failure.
type Alert struct {
	Signature string
	Owner     string
	Platform  string
	ItemID    string
	Failures  int
	Err       error
}

// Alert notifies ops unless the signature already alerted inside the window.
// It returns whether a notification was sent. A failed send does not consume
// the window, so the next serious failure tries again.
func (a *Alerter) Alert(ctx context.Context, al Alert, now time.Time) (bool, error) {
	if a == nil || a.n == nil {
		return false, nil
	}
	key := al.Signature

	a.mu.Lock()
	if last, ok := a.last[key]; ok && now.Sub(last) < a.throttle {
		a.mu.Unlock()
		return false, nil
	}
	a.last[key] = now
	a.mu.Unlock()

	subject := fmt.Sprintf("outreach: %s on %s", al.Signature, al.Platform)
	body := fmt.Sprintf("owner=%s item=%s failures=%d", al.Owner, al.ItemID, al.Failures)
	if al.Err != nil {
		body += "\nerror: " + al.Err.Error()
	}
	err := a.n.Notify(ctx, subject, body, Meta{
		ThrottleKey: "retry:" + key,
		Fields: map[string]string{
			"signature": al.Signature,
			"owner":     al.Owner,
			"platform":  al.Platform,
			"item_id":   al.ItemID,
		},
	})
	if err != nil {
		a.mu.Lock()
		if a.last[key].Equal(now) {
			delete(a.last, key)
		}
		a.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Sweep forgets signatures whose window has passed.
func (a *Alerter) Sweep(now time.Time) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k, t := range a.last {
		if now.Sub(t) >= a.throttle {
			delete(a.last, k)
			n++
		}
	}
	return n
}
