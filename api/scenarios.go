/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate one chat with realistic
	ledger data for demos and frontend work. Each scenario applies chat
	settings and then replays a short conversation through the command
	executor, exactly as if operators had typed it.

AVAILABLE SCENARIOS:

	daily-desk:   Fee and fixed rate, fiat and USDT entries in one day
	crypto-desk:  Everything entered in USDT (u suffix)
	carry-over:   Saved bill whose balance carries into the next one
	single-bill:  One bill per day, closed by the cutoff scheduler

HOW SCENARIOS WORK:
 1. Reset chat settings to the scenario's settings
 2. Delete all bills of the chat (request + confirm)
 3. Replay the scenario's messages in order

USAGE VIA API:

	POST /api/bots/{botID}/chats/{chatID}/scenario
	{"scenario_id": "daily-desk"}

ADDING NEW SCENARIOS:
 1. Add an entry to 'scenarios' with settings and messages

NOTE:

	Scenarios wipe the chat. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: shared helpers
  - command/execute.go: Execute
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/command"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
}

type scenario struct {
	ScenarioDTO
	settings func(*billing.Chat)
	messages []string
}

var demoOperator = billing.Operator{Handle: "demo", UserID: -1, DisplayName: "Demo"}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "daily-desk",
			Name:        "Daily Desk",
			Description: "5% fee at a fixed 7.2 rate with mixed fiat and USDT entries",
			Mode:        string(billing.ModeDailyReset),
		},
		settings: func(c *billing.Chat) {
			c.FeePercent = decimal.NewFromInt(5)
			c.FixedRate = ratePtr("7.2")
		},
		messages: []string{"+1000", "+500/7.3", "下发100u", "下发300"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "crypto-desk",
			Name:        "Crypto Desk",
			Description: "Incomes and dispatches entered in USDT",
			Mode:        string(billing.ModeDailyReset),
		},
		settings: func(c *billing.Chat) {
			c.FeePercent = decimal.NewFromInt(2)
			c.FixedRate = ratePtr("7.1")
			c.DisplayMode = billing.DisplayAll
		},
		messages: []string{"+100u", "+50u 备注A", "下发120u"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "carry-over",
			Name:        "Carry Over",
			Description: "A saved bill leaves 500 undispatched for the next bill",
			Mode:        string(billing.ModeCarryOver),
		},
		settings: func(c *billing.Chat) {
			c.Mode = billing.ModeCarryOver
		},
		messages: []string{"+2000", "下发1500", "保存账单", "+800"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "single-bill",
			Name:        "Single Bill Per Day",
			Description: "Cutoff at 04:00, bill closed automatically after the cutoff",
			Mode:        string(billing.ModeSingleBillPerDay),
		},
		settings: func(c *billing.Chat) {
			c.Mode = billing.ModeSingleBillPerDay
			c.CutoffHour = 4
		},
		messages: []string{"+300", "+700", "下发500"},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario wipes the chat and loads a predefined scenario into it.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), key, s); err != nil {
		h.logger.Error("scenario load failed", zap.String("scenario", s.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	view, err := h.Engine.View(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, "scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": s.ID,
		"view":     toViewDTO(view),
	})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, key billing.ChatKey, s scenario) error {
	chat := billing.DefaultChat(key)
	s.settings(&chat)
	if _, err := h.Engine.UpdateSettings(ctx, chat); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	pending, err := h.Engine.RequestDeleteAll(ctx, key, demoOperator)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := h.Engine.ConfirmDeleteAll(ctx, key, demoOperator.UserID, pending.Token); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	for i, text := range s.messages {
		_, err := h.Executor.Execute(ctx, key, command.Message{
			Text:      text,
			Operator:  demoOperator,
			MessageID: int64(i + 1),
		})
		if err != nil {
			return fmt.Errorf("replay %q: %w", text, err)
		}
	}
	return nil
}

func ratePtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
