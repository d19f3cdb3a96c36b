package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/veilworks/veil/internal/store"
)

const heartbeatInterval = 15 * time.Second

// streamEvents serves progress snapshots as SSE. The first event is the
// current state; journaled history replays first when the client presents a
// Last-Event-ID (or after_seq). The stream ends when the analysis reaches a
// terminal state or the client goes away; a paused analysis keeps the
// stream open so the auto-resume is observed live.
func (s *Server) streamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ch, cancel, err := s.svc.SubscribeProgress(ctx, id)
	if err != nil {
		return jsonError(c, err)
	}
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	if after := lastEventID(c); after > 0 {
		events, err := s.svc.ProgressEvents(ctx, id, after, 200)
		if err != nil {
			s.log.Warn("sse.catchup_failed", "analysis_id", id, "error", err)
		}
		for _, ev := range events {
			if err := writeEvent(res, ev.Seq, ev.Snapshot); err != nil {
				return nil
			}
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(res, 0, snap); err != nil {
				return nil
			}
			if snap.Status == store.StatusCompleted || snap.Status == store.StatusFailed {
				return nil
			}
		}
	}
}

func lastEventID(c echo.Context) int64 {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("after_seq")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeEvent(res *echo.Response, seq int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(res, "id: %d\n", seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
