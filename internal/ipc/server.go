// Package ipc implements the external command/market-data/report fabric
// (C10): an embedded NATS broker exposing five logical, prefix-namespaced
// channels so external tools (the dashboard, an operator CLI, a paper-
// trading harness) can observe and drive the engine without depending on
// its internal Go types.
//
// spec.md's original design specifies ZeroMQ sockets bound to a Unix
// domain path; this generalizes to NATS (github.com/nats-io/nats.go,
// github.com/nats-io/nats-server/v2/server) for the pub/sub fan-out and
// request/reply query pattern it gives for free, grounded on the
// nats.go client usage in the wider corpus's execution-service reference
// (market-data/order subject fan-out). NATS's client protocol is TCP-only,
// so the embedded server binds loopback TCP rather than cfg.SocketPath
// directly — see DESIGN.md for the substitution's full rationale.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"tradingbus/internal/config"
	"tradingbus/internal/frame"
)

// The five logical channel suffixes spec.md §6.9 names, namespaced under
// cfg.Prefix ("trading_"/"paper_") to keep a live and a paper engine's
// traffic from colliding on the same broker.
const (
	ChannelMarketData = "md"
	ChannelOrder      = "order"
	ChannelReport     = "report"
	ChannelQuery      = "query"
	ChannelSubscribe  = "subscribe"
)

// CommandHandler processes one decoded CommandEvent received on the order
// channel's command catalog (start_strategy, stop, place_order, ...).
type CommandHandler func(ctx context.Context, cmd frame.CommandEvent) error

// QueryHandler answers a request/reply query, returning the raw response
// payload to publish back to the requester's reply subject.
type QueryHandler func(raw []byte) ([]byte, error)

// Server owns the embedded NATS broker and an in-process client connection
// used to publish/subscribe on the five channels.
type Server struct {
	ns     *natsserver.Server
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	subs []*nats.Subscription
}

// NewServer starts an embedded, loopback-only NATS server and connects to
// it, ready to publish/subscribe on cfg.Prefix's five channels.
func NewServer(cfg config.IPCConfig, logger *slog.Logger) (*Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // -1: pick an ephemeral free port
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("ipc: create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("ipc: embedded nats server did not become ready")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("ipc: connect to embedded nats server: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "trading_"
	}

	return &Server{ns: ns, conn: conn, prefix: prefix, logger: logger.With("component", "ipc")}, nil
}

func (s *Server) subject(channel string) string { return s.prefix + "." + channel }

// ClientURL returns the embedded broker's loopback connection string, for
// other in-process components (or tests) that want their own connection.
func (s *Server) ClientURL() string { return s.ns.ClientURL() }

// PublishMarketEvent fans a tick out on the market-data channel. Lossy: no
// ack, no retry, matching spec.md's "best-effort" framing for this channel.
func (s *Server) PublishMarketEvent(ev frame.MarketEvent) error {
	buf := make([]byte, frame.SizeMarketEvent)
	frame.PutMarketEvent(buf, &ev)
	return s.conn.Publish(s.subject(ChannelMarketData), buf)
}

// PublishOrderResponse fans an OrderResponse out on the report channel.
func (s *Server) PublishOrderResponse(resp frame.OrderResponse) error {
	buf := make([]byte, frame.SizeOrderResponse)
	frame.PutOrderResponse(buf, &resp)
	return s.conn.Publish(s.subject(ChannelReport), buf)
}

// HandleCommands subscribes to the order channel and decodes every
// message as a CommandEvent, dispatching it to handler. The returned
// subscription must be Unsubscribed by the caller (or left to Close).
func (s *Server) HandleCommands(ctx context.Context, handler CommandHandler) (*nats.Subscription, error) {
	sub, err := s.conn.Subscribe(s.subject(ChannelOrder), func(msg *nats.Msg) {
		if len(msg.Data) < frame.SizeCommandEvent {
			s.logger.Warn("short command message, dropping", "len", len(msg.Data))
			return
		}
		var cmd frame.CommandEvent
		frame.GetCommandEvent(msg.Data, &cmd)
		if err := handler(ctx, cmd); err != nil {
			s.logger.Error("command handler failed", "error", err, "cmd", cmd.Cmd)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: subscribe order channel: %w", err)
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// HandleQuery answers request/reply queries on the query channel (e.g. a
// dashboard asking for a risk snapshot) with handler's response.
func (s *Server) HandleQuery(handler QueryHandler) (*nats.Subscription, error) {
	sub, err := s.conn.Subscribe(s.subject(ChannelQuery), func(msg *nats.Msg) {
		resp, err := handler(msg.Data)
		if err != nil {
			s.logger.Error("query handler failed", "error", err)
			return
		}
		if msg.Reply != "" {
			if err := s.conn.Publish(msg.Reply, resp); err != nil {
				s.logger.Error("query reply failed", "error", err)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: subscribe query channel: %w", err)
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// HandleSubscribe processes dynamic subscribe/unsubscribe requests
// (JSON bodies) arriving on the subscribe channel — an external tool
// asking to start or stop receiving a given symbol's market-data fan-out.
func (s *Server) HandleSubscribe(handler func(raw []byte) error) (*nats.Subscription, error) {
	sub, err := s.conn.Subscribe(s.subject(ChannelSubscribe), func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			s.logger.Error("subscribe handler failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: subscribe subscribe-channel: %w", err)
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Close drains subscriptions, closes the client connection, and shuts
// down the embedded broker.
func (s *Server) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.ns != nil {
		s.ns.Shutdown()
	}
}
