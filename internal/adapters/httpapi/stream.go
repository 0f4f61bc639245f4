package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to a websocket carrying change events of one tenant
// and registered kind. The asserted tenant must match the token's tenant.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.subscriber == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "stream unavailable"})
		return
	}
	q := r.URL.Query()
	kind := domain.EntityKind(q.Get("kind"))
	if !s.svc.HasKind(kind) {
		s.fail(w, r, domain.NotFound(kind, ""))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.subscriber.Subscribe(ctx, domain.SubscribeRequest{
		AuthorizedTenant: tenant(r),
		Tenant:           q.Get("tenant"),
		Kind:             kind,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusInternalError, "write_failed")
				return
			}
		}
	}
}
