package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// wsWriteTimeout bounds a single frame write; slow readers get dropped.
const wsWriteTimeout = 10 * time.Second

// wsPingInterval keeps idle sockets alive through proxies.
const wsPingInterval = 30 * time.Second

// wsFrame is the JSON frame in both directions. Inbound carries type
// "message" or "ping"; outbound "response", "error", "typing", "file", or
// "pong".
type wsFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId,omitempty"`
	JobID     string `json:"jobId,omitempty"`
	Text      string `json:"text,omitempty"`
	Content   string `json:"content,omitempty"`
	FilePath  string `json:"filePath,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// frameFor maps a progress event onto its wire frame. Interim narration and
// the final completion both render as response frames; the distinction stays
// server-side.
func frameFor(ev domain.ProgressEvent) wsFrame {
	f := wsFrame{ChannelID: ev.ChannelID, JobID: ev.JobID, Content: ev.Content}
	switch ev.Type {
	case domain.EventError:
		f.Type = "error"
	case domain.EventTyping:
		f.Type = "typing"
		f.Content = ""
	case domain.EventFile:
		f.Type = "file"
		f.FilePath = ev.Meta["filePath"]
		f.Caption = ev.Meta["caption"]
	default:
		f.Type = "response"
		f.FilePath = ev.Meta["filePath"]
		f.Caption = ev.Meta["caption"]
	}
	return f
}

// WSHandler upgrades the connection and bridges it to the progress bus: one
// channel subscription per socket, inbound message frames enqueued exactly
// like /api/chat. The channel is fixed at upgrade via ?channelId=.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lg := LoggerFrom(r)
		channelID := r.URL.Query().Get("channelId")
		if channelID == "" {
			channelID = defaultChannel
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Bearer auth gates the upgrade; origin enforcement lives in the
			// CORS layer.
			InsecureSkipVerify: true,
		})
		if err != nil {
			lg.Warn("websocket accept failed", slog.Any("error", err))
			return
		}
		defer conn.Close(websocket.StatusInternalError, "closing")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, stop, err := s.Bus.SubscribeChannel(ctx, channelID)
		if err != nil {
			lg.Error("progress subscribe failed", slog.String("channel_id", channelID), slog.Any("error", err))
			return
		}
		defer stop()

		go s.wsWritePump(ctx, cancel, conn, events, lg)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				break
			}
			var frame wsFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.wsSend(ctx, conn, wsFrame{Type: "error", Content: "invalid frame"}, lg)
				continue
			}
			switch frame.Type {
			case "ping":
				s.wsSend(ctx, conn, wsFrame{Type: "pong"}, lg)
			case "message":
				s.wsMessage(ctx, conn, channelID, frame, lg)
			default:
				lg.Warn("unknown ws frame type", slog.String("type", frame.Type))
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// wsWritePump forwards progress events to the socket and keeps it alive with
// pings. Any write failure tears the connection down via cancel.
func (s *Server) wsWritePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events <-chan domain.ProgressEvent, lg *slog.Logger) {
	defer cancel()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.wsSend(ctx, conn, frameFor(ev), lg) {
				return
			}
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsMessage(ctx context.Context, conn *websocket.Conn, channelID string, frame wsFrame, lg *slog.Logger) {
	text := strings.TrimSpace(frame.Text)
	if text == "" {
		s.wsSend(ctx, conn, wsFrame{Type: "error", Content: "empty message"}, lg)
		return
	}
	if allowed, _ := s.allowChannel(ctx, channelID); !allowed {
		s.wsSend(ctx, conn, wsFrame{Type: "error", Content: "rate limited; slow down"}, lg)
		return
	}
	jobID, err := s.Broker.Enqueue(ctx, domain.JobSpec{
		Name:    domain.JobMessageProcessing,
		Payload: &domain.MessagePayload{ChannelID: channelID, Content: text},
	})
	if err != nil {
		lg.Error("ws enqueue failed", slog.String("channel_id", channelID), slog.Any("error", err))
		s.wsSend(ctx, conn, wsFrame{Type: "error", Content: "failed to queue message"}, lg)
		return
	}
	lg.Info("ws message queued", slog.String("channel_id", channelID), slog.String("job_id", jobID))
}

// wsSend writes one frame with a bounded deadline. It reports false when the
// connection is no longer usable.
func (s *Server) wsSend(ctx context.Context, conn *websocket.Conn, f wsFrame, lg *slog.Logger) bool {
	data, err := json.Marshal(f)
	if err != nil {
		lg.Error("ws frame marshal failed", slog.Any("error", err))
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		lg.Warn("ws write failed", slog.Any("error", err))
		return false
	}
	return true
}
