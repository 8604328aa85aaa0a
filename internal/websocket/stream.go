package websocket

import (
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/model"
	"github.com/makeastudio/api/internal/realtime"
)

const (
	pingInterval = 30 * time.Second
	closeGrace   = 5 * time.Second
)

// Serve pumps a job's events to the connection until the stream ends or
// the client goes away. Every event is sent as its JSON encoding.
func Serve(c *websocket.Conn, sub *realtime.Subscription, logger zerolog.Logger) {
	log := logger.With().Str("job_id", sub.JobID).Logger()
	control := make(chan []byte, 4)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
					// unblock the reader if the client never answers the close
					c.SetReadDeadline(time.Now().Add(closeGrace))
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					log.Error().Err(err).Int64("seq", ev.Seq).Msg("failed to marshal stream event")
					continue
				}
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case msg := <-control:
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-readerDone:
				return
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case control <- pong:
			default:
			}
		}
	}

	sub.Close()
	close(readerDone)
	<-writerDone
}
