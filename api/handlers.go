/*
handlers.go - HTTP handlers for the billing API

PURPOSE:
  Exposes the ledger of a (bot, chat) pair over HTTP: chat commands,
  summaries, undo, save, history, settings and the confirmed delete-all.

ERROR MAPPING:
  400  malformed input, unset rate, invalid cutoff hour or mode
  403  user is not an operator of the chat
  404  nothing to undo, no open bill
  409  delete-all confirmation missing, expired or mismatched
  422  text is not a command
  500  store failures and anything unexpected
  502  realtime rate feed unavailable

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Routes
  - scenarios.go: Demo scenario loaders
  - command/: Chat text grammar
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/command"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *billing.Reconciler
	Executor *command.Executor
	Store    Pinger // optional; /healthz skips the check when nil
	logger   *zap.Logger
}

// NewHandler creates a handler over the engine.
func NewHandler(engine *billing.Reconciler, store Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:   engine,
		Executor: command.NewExecutor(engine, logger),
		Store:    store,
		logger:   logger,
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// PostCommand runs one chat message through the command grammar.
func (h *Handler) PostCommand(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	var req CommandRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Executor.Execute(r.Context(), key, command.Message{
		Text:      req.Text,
		Operator:  req.operator(),
		MessageID: req.MessageID,
		ReplyTo:   req.ReplyTo,
	})
	if errors.Is(err, command.ErrNotCommand) {
		writeError(w, http.StatusUnprocessableEntity, "Not a ledger command", nil)
		return
	}
	if err != nil {
		h.writeEngineError(w, "command", err)
		return
	}

	resp := CommandResponse{Kind: string(res.Command.Kind), Reply: command.Render(res)}
	switch {
	case res.Outcome != nil:
		resp.Outcome = toOutcomeDTO(*res.Outcome)
	case res.View != nil:
		resp.Outcome = &OutcomeDTO{ViewDTO: toViewDTO(*res.View), Persisted: true}
	case res.Saved != nil:
		saved := toSavedBillDTO(*res.Saved)
		resp.Saved = &saved
	case res.Pending != nil:
		resp.Pending = toPendingDTO(*res.Pending)
	case res.Deleted != nil:
		resp.Deleted = &DeleteResultDTO{Bills: res.Deleted.Bills, Items: res.Deleted.Items}
	}
	if res.Value != nil {
		v := res.Value.String()
		resp.Value = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// READS
// =============================================================================

// GetSummary returns the display view of the active bill.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	view, err := h.Engine.View(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toViewDTO(view))
}

// GetItems returns the active bill's entries, limited by the display mode
// unless ?all=true.
func (h *Handler) GetItems(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	view, err := h.Engine.View(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, "items", err)
		return
	}

	limit := view.Chat.DisplayMode.RecentLimit()
	if r.URL.Query().Get("all") == "true" {
		limit = -1
	}
	writeJSON(w, http.StatusOK, ItemsDTO{
		Incomes:    toItemDTOs(billing.Recent(view.Bill.Incomes, limit)),
		Dispatches: toItemDTOs(billing.Recent(view.Bill.Dispatches, limit)),
	})
}

// GetHistory returns the recently saved bills, most recent first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	saved := h.Engine.History.List(key)
	dtos := make([]SavedBillDTO, len(saved))
	for i, s := range saved {
		dtos[i] = toSavedBillDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Undo removes the last item of a type, or the item of a message id.
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	var req UndoRequest
	if !decode(w, r, &req) {
		return
	}

	op := billing.Operator{Handle: req.User, UserID: req.UserID}
	var (
		out billing.Outcome
		err error
	)
	switch {
	case req.MessageID != 0:
		out, err = h.Engine.UndoByMessage(r.Context(), key, req.MessageID, op)
	case req.Type != "":
		out, err = h.Engine.UndoLast(r.Context(), key, billing.ItemType(req.Type), op)
	default:
		writeError(w, http.StatusBadRequest, "type or message_id is required", nil)
		return
	}
	if err != nil {
		h.writeEngineError(w, "undo", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTO(out))
}

// Save closes the open bill.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	var req OperatorRequest
	if !decode(w, r, &req) {
		return
	}

	saved, err := h.Engine.Save(r.Context(), key, billing.Operator{Handle: req.User, UserID: req.UserID})
	if err != nil {
		h.writeEngineError(w, "save", err)
		return
	}
	writeJSON(w, http.StatusOK, toSavedBillDTO(saved))
}

// =============================================================================
// SETTINGS
// =============================================================================

// GetSettings returns the chat settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	chat, err := h.Engine.Chat(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, "get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(chat))
}

// PutSettings replaces the chat settings.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	var req SettingsDTO
	if !decode(w, r, &req) {
		return
	}

	current, err := h.Engine.Chat(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, "put settings", err)
		return
	}
	chat, err := req.apply(current)
	if err != nil {
		h.writeEngineError(w, "put settings", err)
		return
	}
	saved, err := h.Engine.UpdateSettings(r.Context(), chat)
	if err != nil {
		h.writeEngineError(w, "put settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(saved))
}

// =============================================================================
// DELETE ALL
// =============================================================================

// RequestDeleteAll opens a confirmation window and returns its token.
func (h *Handler) RequestDeleteAll(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	var req OperatorRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.Engine.RequestDeleteAll(r.Context(), key, billing.Operator{Handle: req.User, UserID: req.UserID})
	if err != nil {
		h.writeEngineError(w, "delete-all", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toPendingDTO(p))
}

// ConfirmDeleteAll runs the pending delete-all.
func (h *Handler) ConfirmDeleteAll(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required", nil)
		return
	}

	res, err := h.Engine.ConfirmDeleteAll(r.Context(), key, req.UserID, req.Token)
	if err != nil {
		h.writeEngineError(w, "delete-all confirm", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResultDTO{Bills: res.Bills, Items: res.Items})
}

// CancelDeleteAll drops the pending delete-all.
func (h *Handler) CancelDeleteAll(w http.ResponseWriter, r *http.Request) {
	key, ok := chatKey(w, r)
	if !ok {
		return
	}
	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required", nil)
		return
	}

	if err := h.Engine.CancelDeleteAll(key, req.UserID, req.Token); err != nil {
		h.writeEngineError(w, "delete-all cancel", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"cached_chats": h.Engine.Cache.Len(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func chatKey(w http.ResponseWriter, r *http.Request) (billing.ChatKey, bool) {
	botID, err := strconv.ParseInt(chi.URLParam(r, "botID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bot id", err)
		return billing.ChatKey{}, false
	}
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid chat id", err)
		return billing.ChatKey{}, false
	}
	return billing.ChatKey{BotID: botID, ChatID: chatID}, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

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

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case billing.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNotOperator):
		return http.StatusForbidden
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case billing.IsConfirmationError(err):
		return http.StatusConflict
	case errors.Is(err, billing.ErrRateFetch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		writeError(w, status, "Internal error", err)
		return
	}
	writeError(w, status, command.RenderError(err), err)
}
