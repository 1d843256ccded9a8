package httpapi

import (
	"errors"
	"net/http"

	"timepulse/backend/internal/realtime"
	"timepulse/backend/internal/server/interceptors"
)

// websocket authenticates before upgrading: a rejected credential gets a plain 401 (or 503
// when the ledger is down) and no socket is ever opened.
func (a *API) websocket(w http.ResponseWriter, r *http.Request) {
	token := interceptors.ParseBearer(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "missing or invalid authorization")
		return
	}
	c, err := a.sockets.Connect(r.Context(), token, func() (realtime.Transport, error) {
		return realtime.Upgrade(w, r)
	})
	if err != nil {
		if errors.Is(err, realtime.ErrRejected) {
			writeServiceError(w, err)
		}
		// Upgrade failures have already been answered by the upgrader.
		return
	}
	a.sockets.Serve(r.Context(), c)
}
