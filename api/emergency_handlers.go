package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"medgate/admission"
	"medgate/audit"
	"medgate/authz"
	"medgate/core"
)

type grantResponse struct {
	GrantID    string    `json:"grant_id"`
	Resource   string    `json:"resource"`
	ReasonCode string    `json:"reason_code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// requestBreakGlass opens an emergency grant. The gate emits the
// BREAK_GLASS or BREAK_GLASS_DENIED record itself.
//
//	@Summary		Request emergency access
//	@Description	Opens a time-boxed grant on one resource outside the caller's scope. Every grant is flagged for review.
//	@Tags			emergency
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		authz.BreakGlassRequest	true	"Resource, reason code and justification"
//	@Success		201		{object}	grantResponse
//	@Failure		400		{object}	map[string]string
//	@Failure		403		{object}	map[string]string
//	@Failure		429		{object}	map[string]string
//	@Router			/api/v1/break-glass [post]
func (a *API) requestBreakGlass(w http.ResponseWriter, r *http.Request) {
	id := admission.IdentityFrom(r.Context())
	var req authz.BreakGlassRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, maxRequestBodyBytes); err != nil {
		return
	}

	grant, err := a.breakGlass.BreakGlass(r.Context(), id, req)
	switch {
	case errors.Is(err, authz.ErrInvalidBreakGlass):
		writeError(w, http.StatusBadRequest, "invalid break-glass request", nil, nil)
		return
	case errors.Is(err, authz.ErrReauthentication):
		admission.WriteRejection(w, core.NewRejection(core.StageAuthorize, core.KindAuthorizationDenied, "reauthentication_failed"), nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, core.MessageInternal, err, a.logger)
		return
	}

	writeJSON(w, http.StatusCreated, grantResponse{
		GrantID:    grant.ID,
		Resource:   SanitizeHTML(grant.Resource),
		ReasonCode: grant.ReasonCode,
		ExpiresAt:  grant.ExpiresAt.UTC(),
	})
}

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// queryAudit returns recent audit records, newest first. Detail values may
// carry user text such as justifications, so they are escaped.
//
//	@Summary		Query the audit trail
//	@Tags			audit
//	@Security		BearerAuth
//	@Produce		json
//	@Param			event_type	query		string	false	"Event type, e.g. BREAK_GLASS"
//	@Param			actor		query		string	false	"Actor"
//	@Param			review		query		bool	false	"Only records flagged for review"
//	@Param			since		query		string	false	"RFC 3339 lower bound"
//	@Param			limit		query		int		false	"Maximum records (default 100, max 1000)"
//	@Success		200			{object}	map[string]interface{}
//	@Failure		400			{object}	map[string]string
//	@Failure		403			{object}	map[string]string
//	@Failure		503			{object}	map[string]string
//	@Router			/api/v1/audit [get]
func (a *API) queryAudit(w http.ResponseWriter, r *http.Request) {
	if a.auditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store does not support queries", nil, nil)
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		EventType:  audit.EventType(q.Get("event_type")),
		Actor:      q.Get("actor"),
		ReviewOnly: q.Get("review") == "true",
		Limit:      defaultAuditLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit", nil, nil)
			return
		}
		f.Limit = min(n, maxAuditLimit)
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since", nil, nil)
			return
		}
		f.Since = since
	}

	records, err := a.auditLog.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, core.MessageInternal, err, a.logger)
		return
	}
	for i := range records {
		records[i] = escapeRecord(records[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func escapeRecord(rec audit.Record) audit.Record {
	rec.Actor = SanitizeHTML(rec.Actor)
	rec.Resource = SanitizeHTML(rec.Resource)
	rec.UserAgent = SanitizeHTML(rec.UserAgent)
	if len(rec.Detail) > 0 {
		detail := make(map[string]string, len(rec.Detail))
		for k, v := range rec.Detail {
			detail[SanitizeHTML(k)] = SanitizeHTML(v)
		}
		rec.Detail = detail
	}
	return rec
}
