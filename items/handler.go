package items

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"golang.org/x/exp/slog"
)

type handler struct {
	store  Store
	logger *slog.Logger
}

// RegisterRoutes mounts the JSON item API on r:
//
//	GET  /items        list in order
//	POST /items        create in front, 201
//	POST /items/order  move, body is an Order
//	GET  /items/{id}   one item
//	PUT  /items/{id}   replace its data
func RegisterRoutes(r *mux.Router, s Store, logger *slog.Logger) {
	h := &handler{store: s, logger: logger}

	r.HandleFunc("/items", h.list).Methods(http.MethodGet)
	r.HandleFunc("/items", h.create).Methods(http.MethodPost)
	r.HandleFunc("/items/order", h.move).Methods(http.MethodPost)
	r.HandleFunc("/items/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/items/{id}", h.update).Methods(http.MethodPut)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	it, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var data Data
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "invalid item data", http.StatusBadRequest)
		return
	}

	it, err := h.store.Create(r.Context(), data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var data Data
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "invalid item data", http.StatusBadRequest)
		return
	}

	it, err := h.store.Update(r.Context(), id, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *handler) move(w http.ResponseWriter, r *http.Request) {
	var o Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		http.Error(w, "invalid item order", http.StatusBadRequest)
		return
	}

	it, err := h.store.Move(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("item request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
