/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	citizens for demos. Scenarios are declared in scenarios.yaml and
	replayed through the ledger engine, so every record they produce obeys
	the same rules as live traffic.

HOW SCENARIOS WORK:
 1. Reset the store (clear all records)
 2. For each user: save the profile
 3. Award once per filed complaint
 4. Claim the requested number of coupons
 5. Reverse once per deleted complaint

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "leaderboard"}

ADDING NEW SCENARIOS:

	Append an entry to scenarios.yaml. No code changes are needed.

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - ledger/engine.go: Award, Claim, Reverse
*/
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

//go:embed scenarios.yaml
var scenariosYAML []byte

// Scenario is one demo data set.
type Scenario struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Users       []ScenarioUser `yaml:"users"`
}

// ScenarioUser is a citizen's replayed history.
type ScenarioUser struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email"`
	Awards      int    `yaml:"awards"`
	Claims      int    `yaml:"claims"`
	Removals    int    `yaml:"removals"`
}

var (
	scenariosOnce sync.Once
	scenarios     []Scenario
	scenariosErr  error
)

// Scenarios returns the embedded scenario catalogue.
func Scenarios() ([]Scenario, error) {
	scenariosOnce.Do(func() {
		scenarios, scenariosErr = ParseScenarios(scenariosYAML)
	})
	return scenarios, scenariosErr
}

// ParseScenarios decodes a scenario catalogue.
func ParseScenarios(data []byte) ([]Scenario, error) {
	var doc struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenarios: %w", err)
	}

	seen := make(map[string]bool)
	for _, s := range doc.Scenarios {
		if s.ID == "" {
			return nil, fmt.Errorf("scenario %q has no id", s.Name)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate scenario id %q", s.ID)
		}
		seen[s.ID] = true
		for _, u := range s.Users {
			if u.ID == "" || u.Awards < 0 || u.Claims < 0 || u.Removals < 0 {
				return nil, fmt.Errorf("scenario %s: invalid user %+v", s.ID, u)
			}
		}
	}
	return doc.Scenarios, nil
}

func findScenario(id string) (Scenario, bool) {
	all, err := Scenarios()
	if err != nil {
		return Scenario{}, false
	}
	for _, s := range all {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

func (s Scenario) dto() ScenarioDTO {
	return ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description, Users: len(s.Users)}
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := Scenarios()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenarios", err)
		return
	}
	out := make([]ScenarioDTO, 0, len(all))
	for _, s := range all {
		out = append(out, s.dto())
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.dto())
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and replays a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	if err := h.replay(ctx, s); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = s.ID
	log.Printf("[Scenarios] Loaded %s (%d users)", s.ID, len(s.Users))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// ResetDatabase clears every record.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// REPLAY
// =============================================================================

func (h *Handler) replay(ctx context.Context, s Scenario) error {
	for _, u := range s.Users {
		id := ledger.UserID(u.ID)

		if u.DisplayName != "" || u.Email != "" {
			p := rewards.Profile{DisplayName: u.DisplayName, Email: u.Email, Role: rewards.RoleCitizen}
			if err := h.Engine.SaveProfile(ctx, id, p); err != nil {
				return fmt.Errorf("profile %s: %w", id, err)
			}
		}
		for i := 0; i < u.Awards; i++ {
			if err := h.Engine.Award(ctx, id); err != nil {
				return fmt.Errorf("award %s: %w", id, err)
			}
		}
		for i := 0; i < u.Claims; i++ {
			if _, err := h.Engine.Claim(ctx, id, 0); err != nil {
				return fmt.Errorf("claim %s: %w", id, err)
			}
		}
		for i := 0; i < u.Removals; i++ {
			if err := h.Engine.Reverse(ctx, id); err != nil {
				return fmt.Errorf("reverse %s: %w", id, err)
			}
		}
	}
	return nil
}
