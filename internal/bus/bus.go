package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Bus is the process's connection to NATS. When no external URL is
// configured it runs an embedded server with JetStream enabled, so local
// single-process runs need no infrastructure.
type Bus struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	embedded *server.Server
	log      *zap.Logger
}

// Connect dials url, or starts an embedded server when url is empty.
func Connect(url string, storeDir string, log *zap.Logger) (*Bus, error) {
	b := &Bus{log: log.Named("bus")}

	if url == "" {
		opts := &server.Options{
			Port:      -1, // random available port
			JetStream: true,
			StoreDir:  storeDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded nats server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded nats server failed to start")
		}
		b.embedded = ns
		url = ns.ClientURL()
		b.log.Info("embedded nats server started", zap.String("url", url))
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second))
	if err != nil {
		if b.embedded != nil {
			b.embedded.Shutdown()
		}
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	b.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	b.js = js
	return b, nil
}

// JetStream exposes the JetStream context for KV buckets.
func (b *Bus) JetStream() jetstream.JetStream {
	return b.js
}

// Close flushes and drains the connection, then stops the embedded server
// if one is running.
func (b *Bus) Close() {
	if b.conn != nil {
		_ = b.conn.Flush()
		_ = b.conn.Drain()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
}

// publish marshals v to JSON and publishes on subject.
func (b *Bus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// subscribe decodes each message on subject into T and hands it to handler.
// Decode failures are logged and dropped.
func subscribe[T any](b *Bus, subject string, handler func(T)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev T
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn("dropping undecodable event",
				zap.String("subject", subject), zap.Error(err))
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Typed publishers.

func (b *Bus) PublishTelemetry(ev Telemetry) error        { return b.publish(SubjectTelemetry, ev) }
func (b *Bus) PublishTrigger(ev EvolutionTrigger) error   { return b.publish(SubjectEvolutionTrigger, ev) }
func (b *Bus) PublishPlan(ev EvolutionPlan) error         { return b.publish(SubjectEvolutionPlan, ev) }
func (b *Bus) PublishMutationReady(ev MutationReady) error {
	return b.publish(SubjectMutationReady, ev)
}
func (b *Bus) PublishMutationApplied(ev MutationApplied) error {
	return b.publish(SubjectMutationApplied, ev)
}
func (b *Bus) PublishMutationFailed(ev MutationFailed) error {
	return b.publish(SubjectMutationFailed, ev)
}
func (b *Bus) PublishMutationRollback(ev MutationRollback) error {
	return b.publish(SubjectMutationRollback, ev)
}

// PublishFeed stamps the message and publishes it; feed delivery is best
// effort and never fails a caller.
func (b *Bus) PublishFeed(agent, action, message string, metadata map[string]any) {
	ev := FeedMessage{
		Agent:     agent,
		Action:    action,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	if err := b.publish(SubjectFeed, ev); err != nil {
		b.log.Warn("feed publish failed", zap.String("agent", agent), zap.Error(err))
	}
}

// Typed subscribers.

func (b *Bus) SubscribeTelemetry(h func(Telemetry)) (*nats.Subscription, error) {
	return subscribe(b, SubjectTelemetry, h)
}
func (b *Bus) SubscribeTrigger(h func(EvolutionTrigger)) (*nats.Subscription, error) {
	return subscribe(b, SubjectEvolutionTrigger, h)
}
func (b *Bus) SubscribePlan(h func(EvolutionPlan)) (*nats.Subscription, error) {
	return subscribe(b, SubjectEvolutionPlan, h)
}
func (b *Bus) SubscribeMutationReady(h func(MutationReady)) (*nats.Subscription, error) {
	return subscribe(b, SubjectMutationReady, h)
}
func (b *Bus) SubscribeMutationApplied(h func(MutationApplied)) (*nats.Subscription, error) {
	return subscribe(b, SubjectMutationApplied, h)
}
func (b *Bus) SubscribeMutationFailed(h func(MutationFailed)) (*nats.Subscription, error) {
	return subscribe(b, SubjectMutationFailed, h)
}
func (b *Bus) SubscribeMutationRollback(h func(MutationRollback)) (*nats.Subscription, error) {
	return subscribe(b, SubjectMutationRollback, h)
}
func (b *Bus) SubscribeFeed(h func(FeedMessage)) (*nats.Subscription, error) {
	return subscribe(b, SubjectFeed, h)
}
