package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"tether/internal/engine"
	"tether/internal/pages"
	"tether/internal/registration"
	"tether/internal/reuse"
	"tether/internal/store"
	"tether/pkg/logging"
)

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func caller(r *http.Request) reuse.Caller {
	c, _ := CallerFrom(r.Context())
	return c
}

// ownedInstance loads the route's instance and checks it belongs to the
// caller's tenant. Foreign instances are reported as forbidden.
func (s *Server) ownedInstance(r *http.Request) (*store.ResourceInstance, error) {
	inst, err := s.deps.Instances.GetInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if inst.TenantID != caller(r).TenantID {
		return nil, errForbidden
	}
	return inst, nil
}

type createInstanceRequest struct {
	TemplateID string `json:"templateId"`
	Name       string `json:"name"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeBody(r, &req); err != nil || req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "templateId is required")
		return
	}
	tmpl, ok := s.deps.Templates(req.TemplateID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown template")
		return
	}
	name := req.Name
	if name == "" {
		name = tmpl.Name
	}

	inst := &store.ResourceInstance{
		ID:          uuid.NewString(),
		TenantID:    caller(r).TenantID,
		TemplateID:  tmpl.ID,
		Name:        name,
		ResourceURL: tmpl.ResourceURL,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.deps.Instances.SaveInstance(r.Context(), inst); err != nil {
		respondError(w, "create instance", err)
		return
	}
	logging.Info("Server", "Created instance %s of template %s for tenant %s", inst.ID, inst.TemplateID, inst.TenantID)
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ownedInstance(r)
	if err != nil {
		respondError(w, "delete instance", err)
		return
	}
	if err := s.deps.Instances.DeleteInstance(r.Context(), inst.ID); err != nil {
		respondError(w, "delete instance", err)
		return
	}
	if s.deps.OnInstanceDeleted != nil {
		s.deps.OnInstanceDeleted(caller(r).SubjectID, inst.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type authorizeRequest struct {
	PostLoginRedirect string `json:"postLoginRedirect,omitempty"`
	ClientID          string `json:"clientId,omitempty"`
	ClientSecret      string `json:"clientSecret,omitempty"`
}

type authorizeResponse struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.safeRedirect(req.PostLoginRedirect) {
		writeError(w, http.StatusBadRequest, "postLoginRedirect must stay on this site")
		return
	}
	if req.ClientSecret != "" && req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientSecret requires clientId")
		return
	}

	inst, err := s.ownedInstance(r)
	if err != nil {
		respondError(w, "authorize", err)
		return
	}
	tmpl, ok := s.deps.Templates(inst.TemplateID)
	if !ok {
		respondError(w, "authorize", fmt.Errorf("instance %s references unknown template %s: %w", inst.ID, inst.TemplateID, store.ErrNotFound))
		return
	}
	tmpl.ResourceURL = inst.ResourceURL

	var creds *registration.Credentials
	if req.ClientID != "" {
		creds = &registration.Credentials{ClientID: req.ClientID, ClientSecret: req.ClientSecret}
	}

	c := caller(r)
	res, err := s.deps.Engine.BeginAuthorization(r.Context(), engine.BeginRequest{
		SubjectID:          c.SubjectID,
		TenantID:           c.TenantID,
		ResourceInstanceID: inst.ID,
		Template:           tmpl,
		Credentials:        creds,
		PostLoginRedirect:  req.PostLoginRedirect,
	})
	if err != nil {
		respondError(w, "authorize", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     PendingCookie,
		Value:    res.Handle,
		Path:     s.cfg.CallbackPath,
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secure,
		// Lax so the cookie survives the top-level redirect back from the
		// provider.
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, authorizeResponse{
		AuthorizationURL: res.AuthorizationURL,
		ExpiresAt:        res.ExpiresAt,
	})
}

func (s *Server) clearPendingCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     PendingCookie,
		Value:    "",
		Path:     s.cfg.CallbackPath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	s.clearPendingCookie(w)

	cookie, err := r.Cookie(PendingCookie)
	if err != nil || cookie.Value == "" {
		pages.Error(w, http.StatusBadRequest, engine.PublicMessage(&engine.Error{Kind: engine.KindValidation}))
		return
	}

	// An absent identity still reaches the engine, which records the
	// subject mismatch.
	c, err := s.identity.fromRequest(r)
	if err != nil && !errors.Is(err, errNoIdentity) {
		logging.Debug("Server", "Callback with invalid caller token: %v", err)
	}

	query := r.URL.Query()
	result, err := s.deps.Engine.CompleteCallback(r.Context(), engine.CallbackParams{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}, cookie.Value, c.SubjectID)
	if err != nil {
		status, message := statusFor(err)
		if status >= http.StatusInternalServerError {
			logging.Error("Server", err, "Callback failed")
		} else {
			logging.Warn("Server", "Callback rejected: %v", err)
		}
		pages.Error(w, status, message)
		return
	}

	if result.PostLoginRedirect != "" && s.safeRedirect(result.PostLoginRedirect) {
		pages.SetSecurityHeaders(w)
		http.Redirect(w, r, result.PostLoginRedirect, http.StatusFound)
		return
	}
	pages.Success(w, pages.Data{})
}

type tokenSummary struct {
	ID                 string     `json:"id"`
	ResourceInstanceID string     `json:"resourceInstanceId"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	HasRefreshToken    bool       `json:"hasRefreshToken"`
	Purpose            string     `json:"purpose,omitempty"`
}

func summarize(rec *store.TokenRecord) tokenSummary {
	return tokenSummary{
		ID:                 rec.ID,
		ResourceInstanceID: rec.ResourceInstanceID,
		ExpiresAt:          rec.ExpiresAt,
		HasRefreshToken:    rec.HasRefreshToken(),
		Purpose:            rec.Purpose,
	}
}

type candidateResponse struct {
	Token            tokenSummary `json:"token"`
	RemainingSeconds int64        `json:"remainingSeconds,omitempty"`
	Unbounded        bool         `json:"unbounded"`
}

func (s *Server) handleReusable(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ownedInstance(r)
	if err != nil {
		respondError(w, "find reusable", err)
		return
	}
	candidates, err := s.deps.Reuse.FindReusable(r.Context(), caller(r), inst.TemplateID, inst.ID)
	if err != nil {
		respondError(w, "find reusable", err)
		return
	}
	out := make([]candidateResponse, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, candidateResponse{
			Token:            summarize(c.Token),
			RemainingSeconds: int64(c.Remaining / time.Second),
			Unbounded:        c.Unbounded,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type reuseRequest struct {
	SourceTokenID string `json:"sourceTokenId"`
}

func (s *Server) handleReuse(w http.ResponseWriter, r *http.Request) {
	var req reuseRequest
	if err := decodeBody(r, &req); err != nil || req.SourceTokenID == "" {
		writeError(w, http.StatusBadRequest, "sourceTokenId is required")
		return
	}
	rec, err := s.deps.Reuse.Reuse(r.Context(), caller(r), req.SourceTokenID, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, "reuse", err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(rec))
}

type accessTokenResponse struct {
	AccessToken string     `json:"accessToken"`
	TokenType   string     `json:"tokenType"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ownedInstance(r)
	if err != nil {
		respondError(w, "get token", err)
		return
	}
	rec, err := s.deps.Engine.AccessToken(r.Context(), caller(r).SubjectID, inst.ID)
	if err != nil {
		respondError(w, "get token", err)
		return
	}
	writeJSON(w, http.StatusOK, accessTokenResponse{
		AccessToken: rec.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   rec.ExpiresAt,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ownedInstance(r)
	if err != nil {
		respondError(w, "revoke token", err)
		return
	}
	if err := s.deps.Engine.Revoke(r.Context(), caller(r).SubjectID, inst.ID); err != nil {
		respondError(w, "revoke token", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
