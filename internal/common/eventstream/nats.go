package eventstream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NatsEventStream carries pipeline events over a NATS connection, for agents
// whose stages run in separate processes. Events are JSON encoded; the
// channel name maps onto a subject below the configured prefix.
type NatsEventStream struct {
	prefix        string
	conn          *nats.Conn
	subscriptions []*nats.Subscription
}

func NewNatsEventStream(servers []string, prefix string) (*NatsEventStream, error) {
	conn, err := nats.Connect(strings.Join(servers, ","))
	if err != nil {
		return nil, err
	}
	return &NatsEventStream{
		prefix: prefix,
		conn:   conn,
	}, nil
}

func (s *NatsEventStream) subject(channel string) string {
	return s.prefix + "." + channel
}

func (s *NatsEventStream) Publish(channel string, events []*EventMessage) []error {
	var errs []error
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			errs = append(errs, fmt.Errorf("error while marshalling event: %v", err))
			continue
		}
		if err := s.conn.Publish(s.subject(channel), data); err != nil {
			errs = append(errs, fmt.Errorf("error when publishing to subject %q: %v", s.subject(channel), err))
		}
	}
	return errs
}

func (s *NatsEventStream) Subscribe(channel string, callback func(event *EventMessage) error) error {
	subscription, err := s.conn.Subscribe(s.subject(channel), func(msg *nats.Msg) {
		event := &EventMessage{}
		if err := json.Unmarshal(msg.Data, event); err != nil {
			return
		}
		_ = callback(event)
	})
	if err != nil {
		return fmt.Errorf("error when subscribing to subject %q: %v", s.subject(channel), err)
	}
	s.subscriptions = append(s.subscriptions, subscription)
	return nil
}

func (s *NatsEventStream) Close() error {
	for _, subscription := range s.subscriptions {
		if err := subscription.Unsubscribe(); err != nil {
			return err
		}
	}
	s.conn.Close()
	return nil
}
