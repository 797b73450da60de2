package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unkn0wn-root/swcache"
	"github.com/unkn0wn-root/swcache/control"
)

const maxRequestBody = 1 << 20

type installRequest struct {
	Version  string   `json:"version"`
	Manifest []string `json:"manifest"`
}

type syncRequest struct {
	Tag string `json:"tag"`
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

type versionView struct {
	Version     string     `json:"version"`
	State       string     `json:"state"`
	Manifest    []string   `json:"manifest,omitempty"`
	InstalledAt time.Time  `json:"installed_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

type stateView struct {
	Active      *versionView `json:"active,omitempty"`
	Waiting     *versionView `json:"waiting,omitempty"`
	Generations []string     `json:"generations"`
	Clients     int          `json:"clients"`
}

type notificationView struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

func viewOf(v swcache.Version, ok bool) *versionView {
	if !ok {
		return nil
	}
	out := &versionView{
		Version:     v.Version,
		State:       v.State.String(),
		Manifest:    v.Manifest,
		InstalledAt: v.InstalledAt,
	}
	if !v.ActivatedAt.IsZero() {
		at := v.ActivatedAt
		out.ActivatedAt = &at
	}
	return out
}

func notificationOf(n swcache.Notification) notificationView {
	return notificationView{ID: n.ID, Title: n.Title, Body: n.Body, URL: n.URL}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m, err := control.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.layer.Handle(r.Context(), m); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v, err := s.layer.Install(r.Context(), swcache.Build{Version: req.Version, Manifest: req.Manifest})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(v, true))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	gens, err := s.layer.Store().Generations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if gens == nil {
		gens = []string{}
	}
	writeJSON(w, http.StatusOK, stateView{
		Active:      viewOf(s.layer.Active()),
		Waiting:     viewOf(s.layer.Waiting()),
		Generations: gens,
		Clients:     s.layer.Hub().Len(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.layer.RequestSync(r.Context(), req.Tag); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	if err := s.layer.CancelSync(r.Context(), chi.URLParam(r, "tag")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.conn == nil {
		writeError(w, http.StatusNotImplemented, errors.New("scheduler has no connectivity trigger"))
		return
	}
	var req connectivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Online {
		s.conn.Online(r.Context())
	} else {
		s.conn.Offline()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.layer.Push(r.Context(), body)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, notificationOf(n))
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	n, err := s.layer.ClickNotification(r.Context(), chi.URLParam(r, "id"))
	if err != nil && n.ID == "" {
		writeError(w, statusOf(err), err)
		return
	}
	if err != nil {
		// closed, but no client took the NAVIGATE
		s.log.Warn("navigate not delivered", swcache.Fields{"id": n.ID, "err": err})
	}
	writeJSON(w, http.StatusOK, notificationOf(n))
}

// handleEvents streams layer notifications as server-sent events until the
// client goes away or the hub closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	c := s.layer.Attach()
	defer c.Detach()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, ": client %s\n\n", c.ID); err != nil {
		return
	}
	flusher.Flush()

	tick := time.NewTicker(s.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case m, ok := <-c.Messages():
			if !ok {
				return
			}
			b, err := json.Marshal(m)
			if err != nil {
				s.log.Error("encode event", swcache.Fields{"type": string(m.Type), "err": err})
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, b); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func statusOf(err error) int {
	var ie *swcache.InstallError
	switch {
	case errors.Is(err, control.ErrUnknownType),
		errors.Is(err, swcache.ErrInvalidPayload),
		errors.Is(err, swcache.ErrInvalidVersion):
		return http.StatusBadRequest
	case errors.Is(err, swcache.ErrUnknownNotification):
		return http.StatusNotFound
	case errors.Is(err, swcache.ErrNoActiveVersion),
		errors.Is(err, swcache.ErrNotWaiting):
		return http.StatusConflict
	case errors.Is(err, swcache.ErrNoClients):
		return http.StatusServiceUnavailable
	case errors.As(err, &ie):
		return http.StatusUnprocessableEntity
	case errors.Is(err, swcache.ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return b, nil
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, v any) error {
	b, err := readBody(r)
	if err != nil || len(b) == 0 {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
