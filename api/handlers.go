/*
handlers.go - HTTP API handlers for the reward ledger

PURPOSE:
  Exposes the reward ledger via REST and Server-Sent Events. Handles HTTP
  request/response and JSON serialization, and delegates to the ledger.

ENDPOINTS:
  Rewards (caller = authenticated user):
    GET    /api/me/rewards                 Rewards page state
    GET    /api/me/rewards/stream          SSE: state on every change
    PUT    /api/me/profile                 Save display name / email
    POST   /api/me/claims                  Claim next milestone coupon
    GET    /api/me/coupons/{code}/export   Download coupon (PDF or text)

  Sessions:
    GET    /api/me/sessions                List caller's sessions
    POST   /api/me/session                 Sign-in: watch complaint removals
    DELETE /api/me/session/{id}            Sign-out: stop watching

  Leaderboard:
    GET    /api/leaderboard                Top-N snapshot
    GET    /api/leaderboard/stream         SSE: ranking on every change

  Complaint intake (service role):
    POST   /api/complaints/events          created -> award, removed -> feed

  Admin:
    POST   /api/admin/audit                Heal inconsistent badge lists now

  Scenarios:
    GET    /api/scenarios                  List demo scenarios
    GET    /api/scenarios/current          Currently loaded scenario
    POST   /api/scenarios/load             Load a demo scenario (admin)
    POST   /api/scenarios/reset            Clear every record (admin)

REQUEST FLOW:
  1. Identity middleware attaches the Principal
  2. Parse and validate input
  3. Call the ledger (engine, projection, leaderboard)
  4. Serialize response
  5. Map ledger errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401/403: Missing identity, wrong role
  - 404: Record or coupon not found
  - 409: Not eligible for a coupon
  - 429: Claim rate limit
  - 503: Retries exhausted under contention

SEE ALSO:
  - dto.go: Request/response data structures
  - stream.go: SSE handlers
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/civicsense/reward-ledger/export"
	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/notify"
	"github.com/civicsense/reward-ledger/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Store
	Engine      *ledger.Engine
	Projection  *ledger.Projection
	Leaderboard *ledger.Leaderboard
	Sessions    *Sessions
	Feed        notify.Feed
	Exporter    *export.Service
	Identity    *Identity
	Limiter     *ClaimLimiter
	Audit       *BadgeAuditScheduler

	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string

	Now func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires handlers around an engine whose Feed is set.
func NewHandler(engine *ledger.Engine, exporter *export.Service, identity *Identity) *Handler {
	return &Handler{
		Store:       engine.Store,
		Engine:      engine,
		Projection:  ledger.NewProjection(engine),
		Leaderboard: ledger.NewLeaderboard(engine.Store, engine.Feed),
		Sessions:    NewSessions(ledger.NewReconciler(engine, engine.Feed)),
		Feed:        engine.Feed,
		Exporter:    exporter,
		Identity:    identity,
		Now:         time.Now,
	}
}

// Close releases session listeners and the rate limiter.
func (h *Handler) Close() {
	h.Sessions.CloseAll()
	if h.Limiter != nil {
		h.Limiter.Stop()
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// REWARDS
// =============================================================================

// GetRewards returns the caller's rewards page state.
func (h *Handler) GetRewards(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	v, err := h.Projection.Refresh(r.Context(), p.UserID)
	if err != nil {
		writeLedgerError(w, "Failed to load rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardsDTO(v, h.now()))
}

// UpdateProfile saves the caller's display fields.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.Email = strings.TrimSpace(req.Email)
	if req.DisplayName == "" && req.Email == "" {
		writeError(w, http.StatusBadRequest, "display_name or email is required", nil)
		return
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid email", nil)
		return
	}

	profile := rewards.Profile{DisplayName: req.DisplayName, Email: req.Email, Role: p.Role}
	if err := h.Engine.SaveProfile(r.Context(), p.UserID, profile); err != nil {
		writeLedgerError(w, "Failed to save profile", err)
		return
	}

	h.GetRewards(w, r)
}

// Claim issues the coupon for the caller's next milestone.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req ClaimRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if req.Milestone < 0 {
		writeError(w, http.StatusBadRequest, "milestone must be positive", nil)
		return
	}

	coupon, err := h.Engine.Claim(r.Context(), p.UserID, req.Milestone)
	if err != nil {
		writeLedgerError(w, "Claim failed", err)
		return
	}

	resp := ClaimResponse{Coupon: toCouponDTO(coupon, h.now())}
	if v, err := h.Projection.Refresh(r.Context(), p.UserID); err == nil {
		resp.Rewards = toRewardsDTO(v, h.now())
	} else {
		log.Printf("[Projection] Refresh after claim for %s failed: %v", p.UserID, err)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ExportCoupon renders one of the caller's coupons for download.
// ?format=txt forces the plain-text rendering.
func (h *Handler) ExportCoupon(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	code := chi.URLParam(r, "code")

	rec, err := h.Store.Load(r.Context(), p.UserID)
	if err != nil {
		writeLedgerError(w, "Failed to load coupons", err)
		return
	}

	var coupon *rewards.Coupon
	for i := range rec.Coupons {
		if strings.EqualFold(rec.Coupons[i].Code, code) {
			coupon = &rec.Coupons[i]
			break
		}
	}
	if coupon == nil {
		writeError(w, http.StatusNotFound, "Coupon not found", nil)
		return
	}

	var a export.Artifact
	if r.URL.Query().Get("format") == "txt" {
		a = export.Artifact{
			Name:        export.FileName(coupon.Code, "txt"),
			ContentType: export.ContentTypeText,
			Body:        []byte(export.RenderText(*coupon)),
		}
	} else {
		a = h.Exporter.Render(*coupon, rec.Profile)
	}

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, a.Name))
	w.WriteHeader(http.StatusOK)
	w.Write(a.Body)
}

// =============================================================================
// SESSIONS
// =============================================================================

// StartSession attaches the complaint-removal listener for the caller.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	sess, err := h.Sessions.Open(p.UserID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// EndSession detaches one of the caller's sessions.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.Sessions.Close(p.UserID, id); err != nil {
		writeError(w, http.StatusNotFound, "Session not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns the caller's open sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	sessions := h.Sessions.List(p.UserID)
	if sessions == nil {
		sessions = []SessionDTO{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// GetLeaderboard returns the current top-N.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Leaderboard.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaderboardDTO(rows))
}

// =============================================================================
// COMPLAINT INTAKE
// =============================================================================

// IngestComplaintEvent applies a complaint lifecycle event. Creations award
// immediately. Removals are forwarded to the change feed, where the
// reconciler of each signed-in session of the owner reverses them once.
//
// A removal whose owner has no signed-in session is not stored and not
// replayed later. The response reports the owner's sessions on this
// instance; with a Redis feed, sessions on other instances also receive it.
func (h *Handler) IngestComplaintEvent(w http.ResponseWriter, r *http.Request) {
	var req ComplaintEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	userID := ledger.UserID(strings.TrimSpace(req.UserID))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	resp := ComplaintEventResponse{Kind: req.Kind}
	switch req.Kind {
	case "created":
		applied, err := h.Engine.ApplyComplaintCreated(r.Context(), userID, req.ComplaintID)
		if err != nil {
			writeLedgerError(w, "Failed to award complaint", err)
			return
		}
		resp.Applied = applied
		resp.Forwarded = h.forward(r.Context(), notify.KindComplaintCreated, userID, req.ComplaintID)
		writeJSON(w, http.StatusOK, resp)

	case "removed":
		if strings.TrimSpace(req.ComplaintID) == "" {
			writeError(w, http.StatusBadRequest, "complaint_id is required for removals", nil)
			return
		}
		resp.ListeningSessions = h.Sessions.Count(userID)
		if resp.ListeningSessions == 0 {
			log.Printf("[Feed] Removal of %s for %s has no listening session here", req.ComplaintID, userID)
		}
		resp.Forwarded = h.forward(r.Context(), notify.KindComplaintRemoved, userID, req.ComplaintID)
		if !resp.Forwarded {
			writeError(w, http.StatusServiceUnavailable, "Change feed unavailable", nil)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)

	default:
		writeError(w, http.StatusBadRequest, "kind must be created or removed", nil)
	}
}

// =============================================================================
// ADMIN
// =============================================================================

// TriggerAudit runs the badge audit now and returns its result.
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	audit := h.Audit
	if audit == nil {
		audit = NewBadgeAuditScheduler(h.Store, h.Engine)
	}
	writeJSON(w, http.StatusOK, audit.RunNow(r.Context()))
}

func (h *Handler) forward(ctx context.Context, kind notify.Kind, userID ledger.UserID, complaintID string) bool {
	err := h.Feed.Publish(ctx, notify.Event{Kind: kind, UserID: string(userID), ComplaintID: complaintID})
	if err != nil {
		log.Printf("[Feed] Publishing %s for %s failed: %v", kind, userID, err)
		return false
	}
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps ledger errors to HTTP status codes.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalidUser):
		status = http.StatusBadRequest
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrNotEligible):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrTooManyConflicts):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	writeError(w, status, message, err)
}
