package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type commissionEventPayload struct {
	CommissionID string            `json:"commissionId"`
	OrderID      string            `json:"orderId,omitempty"`
	Type         commission.Type   `json:"type"`
	Status       commission.Status `json:"status"`
	Amount       string            `json:"amount"`
	Timestamp    int64             `json:"timestamp"`
	Source       string            `json:"source"`
}

type heartbeatPayload struct {
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// handleEvents streams the caller's commission events as server-sent events until the client
// disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, subject)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(realtimeEventHeartbeat, newHeartbeatPayload())
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("event stream opened", zap.String("participant_id", subject))
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, commissionEventPayload{
				CommissionID: message.CommissionID,
				OrderID:      message.OrderID,
				Type:         message.Type,
				Status:       message.Status,
				Amount:       message.Amount,
				Timestamp:    message.Timestamp.Unix(),
				Source:       realtimeSourceBackend,
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, newHeartbeatPayload())
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("participant_id", subject))
}

func newHeartbeatPayload() heartbeatPayload {
	return heartbeatPayload{Timestamp: time.Now().UTC().Unix(), Source: realtimeSourceBackend}
}
