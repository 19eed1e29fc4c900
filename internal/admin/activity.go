package admin

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/database"
)

// handleActivity returns the delivery log for one alias or one owner as JSON
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		entries []database.Activity
		err     error
	)
	switch {
	case q.Get("alias") != "":
		entries, err = s.activity.ActivityForAlias(r.Context(), q.Get("alias"), limit)
	case q.Get("owner") != "":
		owner, perr := strconv.ParseUint(q.Get("owner"), 10, 64)
		if perr != nil {
			http.Error(w, "Invalid owner", http.StatusBadRequest)
			return
		}
		entries, err = s.activity.ActivityForOwner(r.Context(), uint(owner), limit)
	default:
		http.Error(w, "alias or owner is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("Failed to read activity", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if entries == nil {
		entries = []database.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}
