package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/executor"
	"github.com/joncooperworks/custody/session"
)

// maxMessageSize bounds inbound wire messages.
const maxMessageSize = 1 << 20

// Handler serves the control API:
//
//	GET  /state                                  snapshot of every protocol version
//	POST /messages/{version}                     inbound wire message from the relay
//	POST /{version}/proposals/{peer}/{action}    accept or deny a proposal
//	POST /{version}/requests/{id}/{action}       accept or deny a request
//	POST /{version}/sessions/{peer}/close        close a session
//	POST /lock                                   lock every account (with WithLocker)
type Handler struct {
	hub    *session.Hub
	locker Locker
	logger *slog.Logger
	mux    *http.ServeMux
}

// Locker locks every unlocked account. *account.Registry implements it.
type Locker interface {
	LockAll()
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLocker enables POST /lock.
func WithLocker(l Locker) HandlerOption {
	return func(h *Handler) { h.locker = l }
}

// NewHandler creates the control API for hub.
func NewHandler(hub *session.Hub, logger *slog.Logger, opts ...HandlerOption) (*Handler, error) {
	if hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{hub: hub, logger: logger, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}
	if h.locker != nil {
		h.mux.HandleFunc("POST /lock", func(w http.ResponseWriter, r *http.Request) {
			h.locker.LockAll()
			h.logger.Info("all accounts locked")
			w.WriteHeader(http.StatusNoContent)
		})
	}
	h.mux.HandleFunc("GET /state", h.handleState)
	h.mux.HandleFunc("POST /messages/{version}", h.handleMessage)
	h.mux.HandleFunc("POST /{version}/proposals/{peer}/{action}", h.handleProposal)
	h.mux.HandleFunc("POST /{version}/requests/{id}/{action}", h.handleRequest)
	h.mux.HandleFunc("POST /{version}/sessions/{peer}/close", h.handleClose)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":  h.hub.Pending(),
		"versions": h.hub.Snapshot(),
	})
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if err := m.HandleMessage(r.Context(), raw); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// Anything the adapter could not decode is the relay's fault.
			status = http.StatusBadRequest
		}
		h.fail(w, r, status, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) manager(w http.ResponseWriter, r *http.Request) (*session.Manager, bool) {
	m, err := h.hub.Manager(session.Version(r.PathValue("version")))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return m, true
}

func (h *Handler) handleProposal(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	peer := r.PathValue("peer")
	if _, err := m.Proposal(peer); err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	var err error
	switch r.PathValue("action") {
	case "accept":
		err = m.Accept(r.Context(), peer)
	case "deny":
		err = m.Deny(r.Context(), peer)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown action"))
		return
	}
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := m.Request(id); err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	var err error
	switch r.PathValue("action") {
	case "accept":
		err = m.AcceptRequest(r.Context(), id)
	case "deny":
		err = m.DenyRequest(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown action"))
		return
	}
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	peer := r.PathValue("peer")
	if _, err := m.Session(peer); err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	if err := m.Close(r.Context(), peer); err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("control request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Info("control request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrProposalNotFound),
		errors.Is(err, session.ErrRequestNotFound),
		errors.Is(err, session.ErrNoActiveSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnknownMessage),
		errors.Is(err, executor.ErrInvalidParams),
		errors.Is(err, executor.ErrUnsupportedMethod):
		return http.StatusBadRequest
	case errors.Is(err, account.ErrAuthenticationNeeded):
		return http.StatusForbidden
	case errors.Is(err, account.ErrAccountNotFound):
		return http.StatusConflict
	case errors.Is(err, session.ErrRequestRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
