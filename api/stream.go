package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/notify"
)

// heartbeatInterval keeps idle streams open through proxies.
const heartbeatInterval = 25 * time.Second

// sseWriter writes Server-Sent Events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// StreamRewards pushes the caller's rewards state on every ledger change.
func (h *Handler) StreamRewards(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	ctx := r.Context()

	sub, err := h.Feed.Subscribe(ctx, notify.Filter{
		Kinds:  []notify.Kind{notify.KindLedgerChanged},
		UserID: string(p.UserID),
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Change feed unavailable", err)
		return
	}
	defer sub.Close()

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	push := func() error {
		v, err := h.Projection.Refresh(ctx, p.UserID)
		if err != nil {
			// Keep the stream; the next change retries.
			log.Printf("[Projection] Refresh for %s failed: %v", p.UserID, err)
			return nil
		}
		return sse.send("rewards", toRewardsDTO(v, h.now()))
	}

	if err := push(); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			if err := push(); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sse.ping(); err != nil {
				return
			}
		}
	}
}

// StreamLeaderboard pushes the ranking whenever it changes.
func (h *Handler) StreamLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Latest ranking only; an unread older ranking is replaced.
	updates := make(chan []ledger.Standing, 1)
	offer := func(rows []ledger.Standing) {
		for {
			select {
			case updates <- rows:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}

	cancel, err := h.Leaderboard.Start(ctx, offer)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Leaderboard unavailable", err)
		return
	}
	defer cancel()

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rows := <-updates:
			if err := sse.send("leaderboard", toLeaderboardDTO(rows)); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sse.ping(); err != nil {
				return
			}
		}
	}
}
