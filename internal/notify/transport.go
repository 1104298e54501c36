package notify

import (
	"context"
	"fmt"

	"github.com/123ashny/KENYASHIP/internal/logging"
	"github.com/123ashny/KENYASHIP/internal/model"
)

// Transport delivers one notification attempt over a concrete channel.
// Implementations must respect ctx cancellation; the worker applies a
// per-attempt timeout.
type Transport interface {
	Deliver(ctx context.Context, channel, recipientID, content string) error
}

// StubTransport stands in for the provider integrations. Every channel
// logs the hand-off and succeeds; content never reaches the log.
type StubTransport struct {
	log logging.Logger
}

func NewStubTransport(log logging.Logger) *StubTransport {
	return &StubTransport{log: log}
}

func (s *StubTransport) Deliver(ctx context.Context, channel, recipientID, content string) error {
	switch channel {
	case model.ChannelSMS:
		return s.sendSMS(ctx, recipientID, content)
	case model.ChannelPush:
		return s.sendPush(ctx, recipientID, content)
	case model.ChannelWhatsApp:
		return s.sendWhatsApp(ctx, recipientID, content)
	case model.ChannelUSSD:
		return s.sendUSSD(ctx, recipientID, content)
	case model.ChannelEmail:
		return s.sendEmail(ctx, recipientID, content)
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
}

func (s *StubTransport) sendSMS(ctx context.Context, recipientID, content string) error {
	s.log.Debug(ctx, "sms dispatched", "recipientId", recipientID, "bytes", len(content))
	return nil
}

func (s *StubTransport) sendPush(ctx context.Context, recipientID, content string) error {
	s.log.Debug(ctx, "push dispatched", "recipientId", recipientID, "bytes", len(content))
	return nil
}

func (s *StubTransport) sendWhatsApp(ctx context.Context, recipientID, content string) error {
	s.log.Debug(ctx, "whatsapp dispatched", "recipientId", recipientID, "bytes", len(content))
	return nil
}

func (s *StubTransport) sendUSSD(ctx context.Context, recipientID, content string) error {
	// USSD sessions are interactive; the stub treats the push as fire-and-forget.
	s.log.Debug(ctx, "ussd dispatched", "recipientId", recipientID, "bytes", len(content))
	return nil
}

func (s *StubTransport) sendEmail(ctx context.Context, recipientID, content string) error {
	s.log.Debug(ctx, "email dispatched", "recipientId", recipientID, "bytes", len(content))
	return nil
}
