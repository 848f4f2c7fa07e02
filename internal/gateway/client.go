package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"coinpulse/internal/logger"
	"coinpulse/internal/market"
	"coinpulse/internal/model"
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Write coalescing: queued messages share one frame,
			// newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		slog.Info("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var cmd command
		if json.Unmarshal(msg, &cmd) != nil {
			continue
		}

		switch cmd.Type {
		case "select":
			go c.handleSelect(cmd)

		case "indicators":
			if cmd.Indicators == nil {
				c.sendError(cmd.ReqID, "indicators is required")
				continue
			}
			c.hub.market.SetToggles(*cmd.Indicators)

		case "refresh":
			go func(reqID string) {
				ctx := logger.WithTraceID(context.Background(), logger.GenerateTraceID("ws-refresh", time.Now()))
				if err := c.hub.market.Refresh(ctx); err != nil && !errors.Is(err, market.ErrSuperseded) {
					c.sendError(reqID, err.Error())
				}
			}(cmd.ReqID)

		default:
			if cmd.Ping > 0 {
				c.sendJSON(pongMsg{Type: "pong", Ping: cmd.Ping, ServerTS: time.Now().UnixMilli()})
			}
		}
	}
}

// handleSelect applies a select command. The resulting state reaches the
// client through the normal broadcast; only failures are answered directly.
func (c *Client) handleSelect(cmd command) {
	id, r, err := resolveSelection(c.hub.market.State(), SelectRequest{Instrument: cmd.Instrument, Range: cmd.Range})
	if err != nil {
		c.sendError(cmd.ReqID, err.Error())
		return
	}
	ctx := logger.WithTraceID(context.Background(), logger.GenerateTraceID("ws-select-"+id, time.Now()))
	if err := c.hub.market.Select(ctx, id, r); err != nil && !errors.Is(err, market.ErrSuperseded) {
		c.sendError(cmd.ReqID, err.Error())
	}
}

// resolveSelection fills empty request fields from the current state.
func resolveSelection(cur market.State, req SelectRequest) (string, model.Range, error) {
	id := req.Instrument
	if id == "" {
		id = cur.InstrumentID
	}
	r := cur.Range
	if req.Range != "" {
		parsed, err := model.ParseRange(req.Range)
		if err != nil {
			return "", "", err
		}
		r = parsed
	}
	if id == "" {
		return "", "", market.ErrNoInstrument
	}
	return id, r, nil
}

// sendJSON queues v for this client, dropping it if the queue is full or
// the client is gone.
func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) sendError(reqID, msg string) {
	c.sendJSON(errorMsg{Type: "error", ReqID: reqID, Error: msg})
}
