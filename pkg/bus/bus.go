// Package bus provides a small in-process publish/subscribe bus, keyed by
// an arbitrary comparable type. Subscriptions are scoped to a context and
// torn down when it is cancelled.
package bus

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Message pairs a key with a payload.
type Message[K comparable, M any] struct {
	Key     K
	Message M
}

// Publisher publishes messages under a fixed key.
type Publisher[M any] func(ctx context.Context, msg M)

// Bus fans messages out to keyed and global subscribers. Delivery
// preserves per-key order; a slow subscriber backpressures the bus.
type Bus[K comparable, M any] struct {
	log   *zap.Logger
	ready chan struct{}

	ch         chan Message[K, M]
	keySubs    *xsync.MapOf[K, map[chan Message[K, M]]struct{}]
	globalSubs *xsync.MapOf[chan Message[K, M], struct{}]
}

// NewBus creates a bus. Start must be called before messages flow.
func NewBus[K comparable, M any](logger *zap.Logger) *Bus[K, M] {
	return &Bus[K, M]{
		log:        logger,
		ready:      make(chan struct{}),
		ch:         make(chan Message[K, M]),
		keySubs:    xsync.NewMapOf[K, map[chan Message[K, M]]struct{}](),
		globalSubs: xsync.NewMapOf[chan Message[K, M], struct{}](),
	}
}

// Start launches the dispatch worker. It returns once the bus is ready.
func (b *Bus[K, M]) Start(ctx context.Context) error {
	if b.ch == nil {
		return fmt.Errorf("bus not initialized")
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-b.ch:
				b.dispatch(ctx, msg)
			}
		}
	}()
	close(b.ready)
	return nil
}

// Ready is closed once Start has run.
func (b *Bus[K, M]) Ready() <-chan struct{} {
	return b.ready
}

// Publish enqueues one message. It blocks until the dispatcher accepts it
// or the context is cancelled.
func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
	case b.ch <- Message[K, M]{Key: key, Message: msg}:
	}
}

// CreatePublisher binds Publish to a fixed key.
func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) dispatch(ctx context.Context, msg Message[K, M]) {
	b.globalSubs.Range(func(sub chan Message[K, M], _ struct{}) bool {
		select {
		case <-ctx.Done():
			return false
		case sub <- msg:
		}
		return true
	})
	subs, ok := b.keySubs.Load(msg.Key)
	if !ok {
		return
	}
	for sub := range subs {
		select {
		case <-ctx.Done():
			return
		case sub <- msg:
		}
	}
}

// Subscribe returns a channel delivering messages for the given keys, or
// for every key when none are given. The subscription ends and the channel
// closes when ctx is cancelled.
func (b *Bus[K, M]) Subscribe(ctx context.Context, keys ...K) <-chan Message[K, M] {
	ch := make(chan Message[K, M])
	if len(keys) == 0 {
		b.globalSubs.Store(ch, struct{}{})
		go func() {
			<-ctx.Done()
			b.globalSubs.Delete(ch)
			close(ch)
		}()
		return ch
	}
	for _, k := range keys {
		b.keySubs.Compute(k, func(subs map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
			if !ok {
				subs = make(map[chan Message[K, M]]struct{}, 4)
			}
			subs[ch] = struct{}{}
			return subs, false
		})
	}
	go func() {
		<-ctx.Done()
		for _, k := range keys {
			b.keySubs.Compute(k, func(subs map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
				delete(subs, ch)
				return subs, false
			})
		}
		close(ch)
	}()
	return ch
}
