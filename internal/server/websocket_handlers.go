package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feedgraph/internal/identity"
	"feedgraph/internal/layout"
	"feedgraph/internal/middleware"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"
	"feedgraph/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	rootLocal    = "streamRoot"
	streamBuffer = 64
	writeWait    = 10 * time.Second
)

// Stream event types.
const (
	EventPost    = "post"
	EventRemoved = "removed"
	EventEmpty   = "empty"
)

// StreamEvent is one WebSocket message of a feed stream.
type StreamEvent struct {
	Type string       `json:"type"`
	Post *models.Post `json:"post,omitempty"`
	ID   string       `json:"id,omitempty"`
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// StreamTimeline handles GET /api/ws/timeline/:day
func (s *Server) StreamTimeline() fiber.Handler {
	stream := s.streamHandler()
	return func(c *fiber.Ctx) error {
		day, err := layout.ParseDay(c.Params("day"), s.client.Options().Now())
		if err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError(err.Error()))
		}
		c.Locals(rootLocal, service.TimelineRoot(day))
		return stream(c)
	}
}

// StreamHashtag handles GET /api/ws/hashtags/:tag
func (s *Server) StreamHashtag() fiber.Handler {
	stream := s.streamHandler()
	return func(c *fiber.Ctx) error {
		tag := trimmedParam(c, "tag")
		if tag == "" {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("tag is required"))
		}
		c.Locals(rootLocal, service.HashtagRoot(tag))
		return stream(c)
	}
}

// streamHandler relays a subscription on the root stored in locals until the
// peer disconnects, the server shuts down or the peer falls behind.
func (s *Server) streamHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		observability.ActiveStreams.Inc()
		defer observability.ActiveStreams.Dec()

		root, ok := conn.Locals(rootLocal).(service.IndexRoot)
		if !ok {
			_ = conn.Close()
			return
		}
		pub, _ := conn.Locals(middleware.PubLocal).(string)

		ctx, cancel := context.WithCancel(s.shutdownCtx)
		defer cancel()
		ctx = observability.WithAuthorPub(ctx, pub)

		view := s.client.View(identity.Static(pub))
		defer view.Close()

		events := make(chan StreamEvent, streamBuffer)
		var slow sync.Once
		send := func(ev StreamEvent) {
			select {
			case events <- ev:
			default:
				slow.Do(func() {
					observability.GlobalLogger.WarnContext(ctx, "stream consumer too slow, closing",
						slog.String("root", root.String()))
					cancel()
				})
			}
		}

		sub := view.Feed.Subscribe(root,
			func(p models.Post) { send(StreamEvent{Type: EventPost, Post: &p}) },
			service.WithOnRemove(func(hash string) { send(StreamEvent{Type: EventRemoved, ID: hash}) }),
			service.WithGraceWindow(0, func() { send(StreamEvent{Type: EventEmpty}) }),
		)
		defer sub.Cancel()

		observability.GlobalLogger.InfoContext(ctx, "stream opened",
			slog.String("root", root.String()),
			slog.String("subscription", sub.ID()))

		// Inbound messages are ignored; a read error means the peer left.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case ev := <-events:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					break loop
				}
			}
		}

		_ = conn.Close()
		<-readerDone
		observability.GlobalLogger.InfoContext(ctx, "stream closed",
			slog.String("root", root.String()),
			slog.Int("emitted", sub.Emitted()))
	})
}
