package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/directory"
)

const unsubscribePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Unsubscribe</title></head>
<body>
{{if .Done}}
<h1>Unsubscribed</h1>
<p>Mail sent to <strong>{{.Alias.Address}}</strong> will no longer be forwarded.</p>
{{else if not .Alias.Enabled}}
<h1>Already unsubscribed</h1>
<p>Mail sent to <strong>{{.Alias.Address}}</strong> is not being forwarded.</p>
{{else}}
<h1>Unsubscribe</h1>
<p>Stop forwarding mail sent to <strong>{{.Alias.Address}}</strong>?</p>
<form method="post">
<input type="hidden" name="List-Unsubscribe" value="One-Click">
<button type="submit">Unsubscribe</button>
</form>
{{end}}
</body>
</html>
`

type unsubscribeView struct {
	Alias *directory.Alias
	Done  bool
}

// handleUnsubscribe serves the link in List-Unsubscribe when it is clicked.
// It only asks for confirmation; link scanners issue GETs.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := s.verifiedAliasID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	alias, err := s.aliases.AliasByID(r.Context(), id)
	if errors.Is(err, directory.ErrAliasNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("Failed to look up alias", zap.Uint("alias_id", id), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, unsubscribeView{Alias: alias})
}

// handleOneClickUnsubscribe implements the RFC 8058 one-click POST, which
// is also what the confirmation form sends
func (s *Server) handleOneClickUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := s.verifiedAliasID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("List-Unsubscribe") != "One-Click" {
		http.Error(w, "Expected List-Unsubscribe=One-Click", http.StatusBadRequest)
		return
	}

	alias, err := s.aliases.DisableAlias(r.Context(), id)
	if errors.Is(err, directory.ErrAliasNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("Failed to disable alias", zap.Uint("alias_id", id), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(r.Context(), alias.Address); err != nil {
			s.log.Warn("Failed to invalidate cached alias", zap.String("alias", alias.Address), zap.Error(err))
		}
	}
	s.log.Info("Alias unsubscribed", zap.String("alias", alias.Address))
	s.render(w, unsubscribeView{Alias: alias, Done: true})
}

// verifiedAliasID returns the alias ID in the URL when its token checks out
func (s *Server) verifiedAliasID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "aliasID"), 10, 32)
	if err != nil {
		return 0, false
	}
	if !s.links.Verify(uint(id), chi.URLParam(r, "token")) {
		s.log.Info("Unsubscribe link with bad token", zap.Uint64("alias_id", id))
		return 0, false
	}
	return uint(id), true
}

func (s *Server) render(w http.ResponseWriter, view unsubscribeView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, view); err != nil {
		s.log.Error("Failed to render unsubscribe page", zap.Error(err))
	}
}
