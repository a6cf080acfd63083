package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ashita-ai/shugo/internal/model"
)

// StreamName is the JetStream stream holding audit notifications.
const StreamName = "SHUGO_AUDIT"

// SubjectPrefix prefixes every audit subject. The full subject is
// shugo.audit.<event type>, e.g. shugo.audit.workspace.promoted.
const SubjectPrefix = "shugo.audit"

// TenantHeader carries the entry's tenant so consumers can filter without
// decoding the body.
const TenantHeader = "Shugo-Tenant"

// NATS publishes audit entries to a JetStream stream.
type NATS struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// ConnectNATS connects to url and ensures the audit stream exists.
func ConnectNATS(ctx context.Context, url string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("shugo"))
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("events: jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("events: jetstream stream create: %w", err)
	}

	logger.Info("nats connected", "url", url, "stream", StreamName)
	return &NATS{nc: nc, js: js, logger: logger}, nil
}

// Subject returns the subject an event type is published on.
func Subject(t model.AuditEventType) string {
	return SubjectPrefix + "." + strings.ReplaceAll(string(t), " ", "_")
}

// Publish implements Publisher.
func (n *NATS) Publish(ctx context.Context, e model.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal audit entry: %w", err)
	}
	msg := nats.NewMsg(Subject(e.EventType))
	msg.Data = data
	msg.Header.Set(TenantHeader, e.TenantID)
	// Dedupe redeliveries of the same entry on the server side.
	msg.Header.Set(jetstream.MsgIDHeader, e.ID.String())

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("events: nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (n *NATS) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("events: nats drain: %w", err)
	}
	return nil
}
