package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
	"github.com/hgheiberger/nb/internal/service"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
	"github.com/hgheiberger/nb/pkg/realtime"
	"github.com/hgheiberger/nb/pkg/response"
)

type streamRosters interface {
	Source(ctx context.Context, url, classID string) (*models.Source, error)
	Roster(ctx context.Context, classID string) (*models.Roster, error)
}

// StreamHandler delivers thread events to browser clients over Server-Sent
// Events. Each client is attached to exactly one room.
type StreamHandler struct {
	rosters    streamRosters
	subscriber realtime.Subscriber
	heartbeat  time.Duration
	logger     *zap.Logger
}

// NewStreamHandler constructs the handler. A non-positive heartbeat defaults
// to 25 seconds.
func NewStreamHandler(rosters streamRosters, subscriber realtime.Subscriber, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{rosters: rosters, subscriber: subscriber, heartbeat: heartbeat, logger: logger}
}

// Stream godoc
// @Summary Subscribe to live thread events of a document
// @Tags Realtime
// @Produce text/event-stream
// @Param url query string true "Document URL"
// @Param class query string true "Class ID"
// @Param access_token query string false "Access token for clients that cannot set headers"
// @Success 200 {string} string "event stream"
// @Router /realtime/stream [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var q dto.StreamQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.URL == "" || q.ClassID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "url and class are required"))
		return
	}

	ctx := c.Request.Context()
	src, err := h.rosters.Source(ctx, q.URL, q.ClassID)
	if err != nil {
		response.Error(c, err)
		return
	}
	roster, err := h.rosters.Roster(ctx, src.ClassID)
	if err != nil {
		response.Error(c, err)
		return
	}
	role := service.ClassifyViewer(roster, viewer)
	if !role.HasRole() {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "not a member of this class"))
		return
	}

	room := service.StreamRoom(q.URL, src.ClassID, roster, role, viewer)
	sub, err := h.subscriber.Subscribe(ctx, room)
	if err != nil {
		response.Error(c, appErrors.Internal(err, "failed to join room"))
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("ready", gin.H{"room": room})
	c.Writer.Flush()

	h.logger.Debug("stream opened", zap.String("room", room), zap.String("viewer_id", viewer))
	defer h.logger.Debug("stream closed", zap.String("room", room), zap.String("viewer_id", viewer))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			c.SSEvent(msg.Event, msg.Data)
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent("heartbeat", now.Unix())
			c.Writer.Flush()
		}
	}
}
