// Package inputsvc is the daemon-side connection service. It creates and
// tracks input channels, drives consumers from a readiness poller, fans
// consumed events out on a bus and keeps a persistent registry of every
// connection it has seen.
package inputsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/glasswing-wm/glasswing/input"
	"github.com/glasswing-wm/glasswing/pkg/bus"
	"github.com/glasswing-wm/glasswing/transport"
)

// ConsumedEvent is one event read off a consumer connection.
type ConsumedEvent struct {
	Connection string
	Seq        uint32
	Event      input.Event
}

// EventBus carries consumed events keyed by connection name.
type (
	EventBus        = bus.Bus[string, ConsumedEvent]
	EventSubscriber = bus.Message[string, ConsumedEvent]
)

var defaultOptions = serviceOptions{
	frameInterval: 16 * time.Millisecond,
	resampling:    transport.TouchResamplingEnabled(),
	factory:       transport.SimpleFactory{},
}

type serviceOptions struct {
	frameInterval time.Duration
	resampling    bool
	factory       transport.Factory
}

// Option configures the service.
type Option func(*serviceOptions)

// WithFrameInterval sets the cadence at which pending batches are flushed.
func WithFrameInterval(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.frameInterval = d
	}
}

// WithResampling overrides touch resampling for consumers the service
// creates.
func WithResampling(enabled bool) Option {
	return func(o *serviceOptions) {
		o.resampling = enabled
	}
}

// WithFactory overrides the event factory used by service-owned consumers.
func WithFactory(f transport.Factory) Option {
	return func(o *serviceOptions) {
		o.factory = f
	}
}

type connRole string

const (
	rolePublisher connRole = "publisher"
	roleConsumer  connRole = "consumer"
)

type conn struct {
	name     string
	role     connRole
	channel  *transport.Channel
	pub      *transport.Publisher
	cons     *transport.Consumer
	events   uint64
	detached bool
}

// Service owns the daemon's input connections.
type Service struct {
	log     *zap.Logger
	db      *badger.DB
	now     func() time.Time
	options serviceOptions
	ready   chan struct{}

	events *EventBus
	conns  *xsync.MapOf[string, *conn]

	wakeR, wakeW int
}

// New creates the service. The badger DB holds the connection registry.
func New(db *badger.DB, log *zap.Logger, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:     log,
		db:      db,
		now:     now,
		options: options,
		ready:   make(chan struct{}),
		events:  bus.NewBus[string, ConsumedEvent](log),
		conns:   xsync.NewMapOf[string, *conn](),
		wakeR:   -1,
		wakeW:   -1,
	}
}

// Events returns the bus carrying consumed events.
func (s *Service) Events() *EventBus { return s.events }

// Ready is closed once the poll loop is running.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Start runs the service until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.events.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.events.Ready():
	}

	if err := s.openWakePipe(); err != nil {
		return err
	}
	defer s.closeWakePipe()

	close(s.ready)
	s.log.Info("Input service started")
	s.pollLoop(ctx)
	return nil
}

// OpenPublisher creates a channel pair named name, keeps the server end as
// a publisher whose consumer responses the service drains, and returns the
// publisher together with the client end for hand-off to the client
// process.
func (s *Service) OpenPublisher(name string) (*transport.Publisher, *transport.Channel, error) {
	if _, exists := s.conns.Load(name); exists {
		return nil, nil, fmt.Errorf("connection already open: %s", name)
	}
	server, client, err := transport.Pair(name, s.log.Named("channel"))
	if err != nil {
		return nil, nil, err
	}
	pub := transport.NewPublisher(server, transport.WithVerifier())
	cn := &conn{name: name, role: rolePublisher, channel: server, pub: pub}
	s.conns.Store(name, cn)
	if err := s.persistConnection(cn); err != nil {
		s.log.Error("failed to persist connection", zap.String("name", name), zap.Error(err))
	}
	s.log.Debug("publisher opened", zap.String("name", name), zap.Stringer("token", server.Token()))
	s.wake()
	return pub, client, nil
}

// AttachConsumer takes ownership of a client channel (typically received
// via hand-off) and drives it: events are published on the bus and
// acknowledged as handled.
func (s *Service) AttachConsumer(name string, channel *transport.Channel) error {
	if _, exists := s.conns.Load(name); exists {
		return fmt.Errorf("connection already open: %s", name)
	}
	cons := transport.NewConsumer(channel,
		transport.WithResampling(s.options.resampling),
		transport.WithNow(s.now))
	cn := &conn{name: name, role: roleConsumer, channel: channel, cons: cons}
	s.conns.Store(name, cn)
	if err := s.persistConnection(cn); err != nil {
		s.log.Error("failed to persist connection", zap.String("name", name), zap.Error(err))
	}
	s.log.Debug("consumer attached", zap.String("name", name), zap.Stringer("token", channel.Token()))
	s.wake()
	return nil
}

// Detach closes a connection and records its final state.
func (s *Service) Detach(name string) error {
	cn, ok := s.conns.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("connection not found: %s", name)
	}
	cn.detached = true
	if err := s.persistConnection(cn); err != nil {
		s.log.Error("failed to persist connection", zap.String("name", name), zap.Error(err))
	}
	err := cn.channel.Close()
	s.wake()
	return err
}

// Connection is the registry record kept per connection name.
type Connection struct {
	Name        string    `json:"name"`
	Token       string    `json:"token"`
	Role        string    `json:"role"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Events      uint64    `json:"events"`
}

func connectionKey(name string) []byte {
	return []byte("input/connections/" + name)
}

var connectionPrefix = []byte("input/connections/")

func (s *Service) persistConnection(cn *conn) error {
	now := s.now()
	return s.db.Update(func(txn *badger.Txn) error {
		key := connectionKey(cn.name)
		var rec Connection
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec = Connection{Name: cn.name, FirstSeenAt: now}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal connection: %w", err)
			}
		}
		rec.Token = cn.channel.Token().String()
		rec.Role = string(cn.role)
		rec.LastSeenAt = now
		rec.Events += cn.events
		cn.events = 0
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal connection: %w", err)
		}
		return txn.Set(key, b)
	})
}

// ListConnections returns every connection the registry has seen.
func (s *Service) ListConnections() ([]Connection, error) {
	var conns []Connection
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		for iter.Seek(connectionPrefix); iter.ValidForPrefix(connectionPrefix); iter.Next() {
			var rec Connection
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			conns = append(conns, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// GetConnection returns one registry record.
func (s *Service) GetConnection(name string) (Connection, error) {
	var rec Connection
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(connectionKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return Connection{}, fmt.Errorf("failed to get connection: %w", err)
	}
	return rec, nil
}
