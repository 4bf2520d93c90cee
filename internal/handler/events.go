package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexfleet/linkd/internal/config"
	"github.com/nexfleet/linkd/internal/middleware"
	"github.com/nexfleet/linkd/internal/notify"
	"github.com/nexfleet/linkd/internal/repository"
	"github.com/nexfleet/linkd/internal/util"
	"github.com/nexfleet/linkd/internal/wire"
)

// EventsHandler serves the persistent notification channel. The response is
// a stream of wire frames (marker, type byte, delimited payload), flushed
// per frame, multiplexing device-link results, installation progress, and
// command results over one connection.
//
// Two kinds of client connect:
//   - a primary user's session token binds the account's key, and
//   - a secondary client's poll token binds its device key so the
//     link result can be pushed before the next poll.
type EventsHandler struct {
	registry        *notify.Registry
	sessionRepo     repository.SessionRepository
	codeRepo        repository.DeviceCodeRepository
	tokenHashSecret string
}

func NewEventsHandler(
	registry *notify.Registry,
	sessionRepo repository.SessionRepository,
	codeRepo repository.DeviceCodeRepository,
	tokenHashSecret string,
) *EventsHandler {
	return &EventsHandler{
		registry:        registry,
		sessionRepo:     sessionRepo,
		codeRepo:        codeRepo,
		tokenHashSecret: tokenHashSecret,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := h.resolveKey(r)
	if key == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := h.registry.Bind(key)
	defer h.registry.Unbind(conn)

	log.Info().
		Str("key", key).
		Msg("notification connection established")

	ctx := r.Context()

	heartbeat := time.NewTicker(config.HeartbeatInterval)
	defer heartbeat.Stop()

	ping, _ := wire.Encode(wire.TypePing, nil)

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("key", key).
				Msg("notification connection closed by client")
			return

		case <-conn.Done:
			log.Info().
				Str("key", key).
				Msg("notification connection closed by registry")
			return

		case frame := <-conn.Frames:
			if _, err := w.Write(frame); err != nil {
				log.Error().Err(err).Str("key", key).Msg("failed to write frame")
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := w.Write(ping); err != nil {
				log.Debug().
					Str("key", key).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

// resolveKey authenticates the connection. A session token binds the
// account's key; a poll token for a live pairing attempt binds the device
// key. Anything else is refused.
func (h *EventsHandler) resolveKey(r *http.Request) string {
	token := middleware.ExtractToken(r)
	if token == "" {
		return ""
	}

	tokenHash := util.HashToken(h.tokenHashSecret, token)

	if util.IsValidPollToken(token) {
		dc, err := h.codeRepo.FindByTokenHash(r.Context(), tokenHash)
		if err != nil {
			log.Error().Err(err).Msg("events handler: database error")
			return ""
		}
		if dc != nil && !dc.Status.Terminal() && !dc.TimedOut(time.Now()) {
			return notify.DeviceKey(tokenHash)
		}
	}

	session, err := h.sessionRepo.FindByTokenHash(r.Context(), tokenHash)
	if err != nil {
		log.Error().Err(err).Msg("events handler: database error")
		return ""
	}
	if session != nil {
		return notify.AccountKey(session.AccountID)
	}

	return ""
}
