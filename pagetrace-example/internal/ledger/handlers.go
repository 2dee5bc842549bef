package ledger

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed templates/*.html
var templates embed.FS

// CreateAccountRequest is the input for POST /api/accounts.
type CreateAccountRequest struct {
	ID      string  `json:"id"`
	Balance float64 `json:"balance"`
}

type TransferRequest struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

// Handler serves the ledger pages and its JSON API.
type Handler struct {
	ledger *Ledger
	logger logr.Logger
}

func NewHandler(l *Ledger, logger logr.Logger) *Handler {
	return &Handler{ledger: l, logger: logger.WithName("ledger")}
}

// Register adds the ledger routes to r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/", h.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", h.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/transfer", h.handleTransferForm).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/accounts", h.handleCreateAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/balance", h.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/transfer", h.handleTransfer).Methods(http.MethodPost)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ledger.Accounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pagetrace.Record(r.Context(), logs.LevelInfo, "listing "+strconv.Itoa(len(accounts))+" accounts")
	h.page(w, r, "index.html", map[string]any{"Accounts": accounts})
}

func (h *Handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	balance, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pagetrace.Record(r.Context(), logs.LevelDebug, map[string]any{"id": id, "balance": balance})
	h.page(w, r, "account.html", Account{ID: id, Balance: balance})
}

// handleTransferForm redirects back to the index, so its response is never
// traced.
func (h *Handler) handleTransferForm(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseFloat(r.FormValue("amount"), 64)
	if err != nil {
		http.Error(w, "bad amount", http.StatusBadRequest)
		return
	}
	if err := h.ledger.Transfer(r.Context(), r.FormValue("from"), r.FormValue("to"), amount); err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := h.ledger.CreateAccount(r.Context(), req.ID, req.Balance); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, Account{ID: req.ID, Balance: req.Balance})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	balance, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, Account{ID: id, Balance: balance})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := h.ledger.Transfer(r.Context(), req.From, req.To, req.Amount); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// page parses the templates through the request's file tracker so they
// appear in the trace's file tab.
func (h *Handler) page(w http.ResponseWriter, r *http.Request, name string, data any) {
	fsys := pagetrace.FS(r.Context(), templates)
	tpl, err := template.ParseFS(fsys, "templates/layout.html", "templates/"+name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tpl.ExecuteTemplate(w, "layout", data); err != nil {
		h.logger.Error(err, "failed to render page", "page", name)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error(err, "failed to encode response")
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(err, "request failed", "url", r.URL.String())
	}
	pagetrace.Record(r.Context(), logs.LevelError, err.Error())
	http.Error(w, err.Error(), status)
}

// StatusOf maps ledger errors to HTTP status codes.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientFunds):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
