package websocket

import (
	"context"

	"github.com/ms2sato/agent-console-sub007/internal/agents"
	"github.com/ms2sato/agent-console-sub007/internal/session"
	ws "github.com/ms2sato/agent-console-sub007/pkg/websocket"
)

// RegisterSyncHandlers wires the app-state actions onto the dispatcher. A
// reconnecting tab issues one state.sync instead of separate REST calls, so
// it catches up on everything it missed in a single round trip.
func RegisterSyncHandlers(d *ws.Dispatcher, sessions *session.Manager, store *session.Store, registry *agents.Registry) {
	d.RegisterFunc(ws.ActionStateSync, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		list, err := sessions.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		repos, err := store.ListRepositories(ctx)
		if err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"sessions":       list,
			"activityStates": sessions.ActivityStates(list),
			"repositories":   repos,
			"agents":         registry.List(),
		})
	})

	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "agent-console",
		})
	})
}
