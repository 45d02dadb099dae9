package broker

import (
	"fmt"
	"strings"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/machina-io/machina/pkg/core"
)

// NATSConfig configures the NATS-backed broker.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "machina".
	Prefix string

	// Name is an optional NATS connection name.
	Name string
}

// NewNATSBroker connects a Broker backed by NATS.
//
// Subject mapping: <prefix>.<channel with ':' as '.'>. Fan-out
// subscriptions map to plain subscriptions; queue subscriptions map to
// NATS queue groups, which preserves per-subject publisher order for
// command channels.
func NewNATSBroker(cfg NATSConfig, logger core.Logger) (*NATSBroker, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "machina"
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("broker: nats connect: %w", err)
	}

	return &NATSBroker{
		nc:     nc,
		prefix: prefix,
		logger: logger,
	}, nil
}

// NATSBroker implements Broker over a NATS connection.
type NATSBroker struct {
	nc     *nats.Conn
	prefix string
	logger core.Logger
}

func (b *NATSBroker) subject(channel string) string {
	return b.prefix + "." + strings.ReplaceAll(channel, ":", ".")
}

func (b *NATSBroker) Publish(channel string, body interface{}) error {
	data, err := core.JSONEncode(body)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject(channel), data)
}

func (b *NATSBroker) Subscribe(channel string, handler Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(b.subject(channel), func(m *nats.Msg) {
		b.handle(channel, handler, m.Data)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

func (b *NATSBroker) SubscribeQueue(channel, group string, handler Handler) (Subscription, error) {
	sub, err := b.nc.QueueSubscribe(b.subject(channel), group, func(m *nats.Msg) {
		b.handle(channel, handler, m.Data)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

func (b *NATSBroker) handle(channel string, handler Handler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("broker handler panicked on %s: %v", channel, r)
		}
	}()
	handler(data)
}

func (b *NATSBroker) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

var _ Broker = (*NATSBroker)(nil)

// StartEmbeddedServer runs an in-process NATS server, used by tests
// and single-binary cluster nodes. Port 0 is not supported by the
// embedded options; pass -1 to pick a random port.
func StartEmbeddedServer(port int) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		JetStream:      false,
		MaxControlLine: 4096,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("broker: embedded nats server not ready")
	}
	return srv, nil
}
