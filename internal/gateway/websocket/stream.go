package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/buffer"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/session"
	ws "github.com/ms2sato/agent-console-sub007/pkg/websocket"
)

// Streamer serves the per-worker output stream: history replay from a client
// supplied offset, then live output via the hub's worker subscriptions, plus
// the input and resize paths back to the PTY.
type Streamer struct {
	hub      *Hub
	sessions *session.Manager
	buffers  *buffer.Store
	logger   *logger.Logger

	// historyChunk caps bytes per history message.
	historyChunk int
}

// NewStreamer creates a streamer.
func NewStreamer(hub *Hub, sessions *session.Manager, buffers *buffer.Store, historyChunk int, log *logger.Logger) *Streamer {
	if historyChunk <= 0 {
		historyChunk = 64 * 1024
	}
	return &Streamer{
		hub:          hub,
		sessions:     sessions,
		buffers:      buffers,
		logger:       log.WithFields(zap.String("component", "ws_streamer")),
		historyChunk: historyChunk,
	}
}

type subscribeRequest struct {
	WorkerID   string `json:"worker_id"`
	FromOffset int64  `json:"from_offset"`
}

type inputRequest struct {
	WorkerID string `json:"worker_id"`
	Data     string `json:"data"`
}

type resizeRequest struct {
	WorkerID string `json:"worker_id"`
	Cols     uint16 `json:"cols"`
	Rows     uint16 `json:"rows"`
}

// Subscribe replays buffered history from the requested offset, then
// attaches the client to the live stream. History messages carry the tail
// offset after each chunk so the client can resume from exactly where
// replay ended.
func (s *Streamer) Subscribe(ctx context.Context, c *Client, msg *ws.Message) {
	var req subscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.WorkerID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worker_id is required", nil)
		return
	}

	worker, err := s.sessions.GetWorker(ctx, req.WorkerID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "worker not found", nil)
		return
	}

	// Live first, replay second: output arriving during replay is delivered
	// live and may overlap the replayed tail; offsets let the client dedupe.
	s.hub.SubscribeToWorker(c, req.WorkerID)

	offset := req.FromOffset
	if worker.CanActivate() {
		for {
			data, next, err := s.buffers.Read(req.WorkerID, offset, s.historyChunk)
			if err != nil {
				s.logger.Warn("history read failed",
					zap.String("worker_id", req.WorkerID),
					zap.Error(err))
				break
			}
			if len(data) == 0 {
				offset = next
				break
			}
			note, err := ws.NewNotification(ws.ActionWorkerHistory, map[string]interface{}{
				"worker_id": req.WorkerID,
				"data":      string(data),
				"offset":    next,
			})
			if err != nil {
				break
			}
			c.sendMessage(note)
			offset = next
		}
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"worker_id": req.WorkerID,
		"offset":    offset,
		"activated": worker.Activated,
	})
	c.sendMessage(resp)
}

// Unsubscribe detaches the client from a worker stream.
func (s *Streamer) Unsubscribe(c *Client, msg *ws.Message) {
	var req subscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.WorkerID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worker_id is required", nil)
		return
	}
	s.hub.UnsubscribeFromWorker(c, req.WorkerID)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"worker_id": req.WorkerID,
	})
	c.sendMessage(resp)
}

// Input forwards terminal input. Hibernated workers swallow input silently,
// matching the PTY write semantics.
func (s *Streamer) Input(c *Client, msg *ws.Message) {
	var req inputRequest
	if err := msg.ParsePayload(&req); err != nil || req.WorkerID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worker_id is required", nil)
		return
	}
	if err := s.sessions.WriteInput(req.WorkerID, []byte(req.Data)); err != nil {
		s.logger.Debug("input write failed",
			zap.String("worker_id", req.WorkerID),
			zap.Error(err))
	}
}

// Resize forwards a terminal resize.
func (s *Streamer) Resize(c *Client, msg *ws.Message) {
	var req resizeRequest
	if err := msg.ParsePayload(&req); err != nil || req.WorkerID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worker_id is required", nil)
		return
	}
	if err := s.sessions.ResizeWorker(req.WorkerID, req.Cols, req.Rows); err != nil {
		s.logger.Debug("resize failed",
			zap.String("worker_id", req.WorkerID),
			zap.Error(err))
	}
}
