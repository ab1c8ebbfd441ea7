// Package router moves messages between channel adapters and the
// assistant. Inbound traffic is gated (email trust), mapped to a session,
// and handed to the assistant; outbound traffic is chunked by the adapters
// and optionally fanned out to every connected channel.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/logger"
	"github.com/outpostai/outpost/internal/session"
)

// TargetAll fans an outbound message out to every connected channel.
const TargetAll = "all"

// Assistant consumes inbound messages inside their session. The router
// calls it from the session mapper's serial lanes.
type Assistant interface {
	HandleMessage(ctx context.Context, mapping session.Mapping, msg channel.IncomingMessage)
}

// AssistantFunc adapts a function to the Assistant interface.
type AssistantFunc func(ctx context.Context, mapping session.Mapping, msg channel.IncomingMessage)

// HandleMessage implements Assistant.
func (f AssistantFunc) HandleMessage(ctx context.Context, mapping session.Mapping, msg channel.IncomingMessage) {
	f(ctx, mapping, msg)
}

// Registry is the subset of the channel registry the router needs.
type Registry interface {
	Adapter(t channel.Type) channel.Adapter
	ConnectedTypes() []channel.Type
}

// Router wires adapters, the trust gate, the session mapper, and the
// assistant together.
type Router struct {
	registry  Registry
	mapper    *session.Mapper
	trust     *TrustPolicy
	threads   ThreadStore
	assistant Assistant
	log       *slog.Logger
}

// New builds a router. The returned router's Inbound method is installed as
// the registry's inbound handler.
func New(registry Registry, store session.Store, trust *TrustPolicy, threads ThreadStore, assistant Assistant) *Router {
	r := &Router{
		registry:  registry,
		trust:     trust,
		threads:   threads,
		assistant: assistant,
		log:       logger.L.With(slog.String("component", "router")),
	}
	r.mapper = session.NewMapper(store, r.process)
	return r
}

// Mapper exposes the session mapper for lookups and shutdown.
func (r *Router) Mapper() *session.Mapper { return r.mapper }

// Inbound is the channel.InboundHandler installed on every adapter. Email
// passes the trust gate first; everything accepted is dispatched onto the
// sender's serial lane.
func (r *Router) Inbound(ctx context.Context, msg channel.IncomingMessage) {
	if msg.ChannelType == channel.TypeEmail {
		if !r.admitEmail(ctx, msg) {
			return
		}
	}
	if _, err := r.mapper.Dispatch(ctx, msg.ConnectionID, msg.SenderID, msg.SenderName, msg.Content, carryInbound(msg)); err != nil {
		r.log.Error("dispatch inbound",
			slog.String("channel", msg.ChannelType.String()),
			slog.String("sender_id", msg.SenderID),
			slog.Any("error", err))
	}
}

// admitEmail applies the trust policy and keeps the thread ledger current.
// Untrusted mail is dropped without any reply; answering would confirm the
// mailbox is live.
func (r *Router) admitEmail(ctx context.Context, msg channel.IncomingMessage) bool {
	sender := strings.ToLower(msg.SenderID)
	messageID := msg.MetadataString("message_id")
	refs := referenceIDs(msg)

	if r.trust.Allows(sender) {
		root := messageID
		if resolved, ok, err := r.threads.Resolve(ctx, refs); err == nil && ok {
			root = resolved
		}
		if err := r.threads.Record(ctx, messageID, root, sender); err != nil {
			r.log.Warn("record thread", slog.Any("error", err))
		}
		return true
	}

	// Not allowlisted: trusted only when writing inside a known thread.
	root, ok, err := r.threads.Resolve(ctx, refs)
	if err != nil {
		r.log.Error("resolve thread", slog.Any("error", err))
		return false
	}
	if !ok {
		r.log.Info("untrusted email dropped", slog.String("sender", sender))
		return false
	}
	if err := r.threads.Record(ctx, messageID, root, sender); err != nil {
		r.log.Warn("record thread", slog.Any("error", err))
	}
	return true
}

func referenceIDs(msg channel.IncomingMessage) []string {
	var ids []string
	if refs, ok := msg.Metadata["references"].([]string); ok {
		ids = append(ids, refs...)
	}
	if inReplyTo := msg.MetadataString("in_reply_to"); inReplyTo != "" {
		ids = append(ids, inReplyTo)
	}
	return ids
}

func carryInbound(msg channel.IncomingMessage) map[string]any {
	md := map[string]any{
		"channel_type": msg.ChannelType.String(),
		"sender_name":  msg.SenderName,
		"content":      msg.Content,
		"timestamp":    msg.Timestamp,
	}
	for k, v := range msg.Metadata {
		md[k] = v
	}
	return md
}

// process runs on a session lane and hands the rebuilt message to the
// assistant.
func (r *Router) process(ctx context.Context, mapping session.Mapping, content string, metadata map[string]any) {
	channelType, _ := channel.ParseType(stringValue(metadata, "channel_type"))
	msg := channel.IncomingMessage{
		ChannelType:  channelType,
		ConnectionID: mapping.ConnectionID,
		SenderID:     mapping.ExternalSenderID,
		SenderName:   mapping.SenderName,
		Content:      content,
		Metadata:     metadata,
	}
	r.assistant.HandleMessage(ctx, mapping, msg)
}

func stringValue(md map[string]any, key string) string {
	v, _ := md[key].(string)
	return v
}

// Send delivers content over one channel, or over every connected channel
// when target is "all". For email, the sent Message-ID joins the thread
// ledger so replies to the assistant pass the trust gate.
func (r *Router) Send(ctx context.Context, target string, recipientID, content string, metadata map[string]any) []channel.SendResult {
	if strings.EqualFold(strings.TrimSpace(target), TargetAll) {
		var results []channel.SendResult
		for _, t := range r.registry.ConnectedTypes() {
			results = append(results, r.sendOne(ctx, t, recipientID, content, metadata))
		}
		return results
	}
	t, ok := channel.ParseType(target)
	if !ok {
		return []channel.SendResult{{Error: "unknown channel: " + target}}
	}
	return []channel.SendResult{r.sendOne(ctx, t, recipientID, content, metadata)}
}

func (r *Router) sendOne(ctx context.Context, t channel.Type, recipientID, content string, metadata map[string]any) channel.SendResult {
	adapter := r.registry.Adapter(t)
	if adapter == nil {
		return channel.SendResult{Error: channel.ErrNotConnected.Error()}
	}
	result := adapter.SendMessage(ctx, recipientID, content, metadata)
	if !result.Success {
		r.log.Warn("outbound send failed",
			slog.String("channel", t.String()),
			slog.String("recipient", recipientID),
			slog.String("error", result.Error))
		return result
	}
	if t == channel.TypeEmail && result.MessageID != "" {
		root := result.MessageID
		if inReplyTo, _ := metadata["in_reply_to"].(string); inReplyTo != "" {
			if resolved, ok, err := r.threads.Resolve(ctx, []string{inReplyTo}); err == nil && ok {
				root = resolved
			}
		}
		if err := r.threads.Record(ctx, result.MessageID, root, ""); err != nil {
			r.log.Warn("record outbound thread", slog.Any("error", err))
		}
	}
	return result
}
