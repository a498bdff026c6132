package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"medgate/admission"
	"medgate/audit"
	"medgate/auth"
	"medgate/core"
	"medgate/ratelimit"
	"medgate/storage"
	"medgate/util"
)

// TokenIssuer mints bearer tokens for authenticated users
type TokenIssuer interface {
	Issue(sub auth.Subject) (string, *auth.Claims, error)
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
	TOTPCode string `json:"totp_code,omitempty" validate:"omitempty,numeric,len=6"`
}

type loginResponse struct {
	Token           string    `json:"token"`
	TokenType       string    `json:"token_type"`
	ExpiresAt       time.Time `json:"expires_at"`
	PasswordExpired bool      `json:"password_expired,omitempty"`
}

// login authenticates a username and password (and TOTP code for MFA
// accounts). The lockout is consulted before the credentials so a locked
// account is refused even with the correct password.
//
//	@Summary		Log in
//	@Description	Exchanges a username and password (plus a TOTP code for MFA accounts) for a bearer token.
//	@Description	Repeated failures lock the account; a locked account answers 429 with Retry-After.
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			credentials	body		loginRequest	true	"Credentials"
//	@Success		200			{object}	loginResponse
//	@Failure		400			{object}	map[string]string
//	@Failure		401			{object}	map[string]string
//	@Failure		429			{object}	map[string]string
//	@Router			/api/v1/login [post]
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, maxRequestBodyBytes); err != nil {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil, nil)
		return
	}
	ctx := r.Context()
	account := util.SanitizeLogValue(strings.ToLower(strings.TrimSpace(req.Username)))

	status, err := a.lockout.Check(ctx, account)
	if err != nil {
		a.internalLoginError(w, ctx, account, err)
		return
	}
	if status.Locked {
		a.rejectLocked(w, ctx, account, status)
		return
	}

	user, err := a.users.ValidateCredentials(ctx, req.Username, req.Password)
	if errors.Is(err, storage.ErrInvalidCredentials) {
		a.loginFailed(w, ctx, account, "invalid_credentials")
		return
	}
	if err != nil {
		a.internalLoginError(w, ctx, account, err)
		return
	}

	if err := a.users.ValidateTOTP(user, req.TOTPCode); err != nil {
		if errors.Is(err, storage.ErrMFARequired) {
			// the password was right; asking for the second factor is not a failure
			w.Header().Set("WWW-Authenticate", `Bearer realm="medgate"`)
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"error":        core.MessageUnauthorized,
				"mfa_required": true,
			})
			return
		}
		a.loginFailed(w, ctx, account, "invalid_mfa_code")
		return
	}

	if err := a.lockout.RecordSuccess(ctx, account); err != nil {
		a.logger.Warnw("Failed to reset lockout counter", "account", account, "error", err)
	}
	token, claims, err := a.tokens.Issue(auth.Subject{
		ID:         user.Username,
		Roles:      user.Roles,
		TenantID:   user.TenantID,
		BranchID:   user.BranchID,
		SystemWide: user.SystemWide,
	})
	if err != nil {
		a.internalLoginError(w, ctx, account, err)
		return
	}

	expired := false
	if user.PasswordChangedAt != nil {
		expired = a.policy.IsPasswordExpired(*user.PasswordChangedAt, a.now())
	}

	a.logger.Infow("AUDIT: Login successful",
		"username", user.Username,
		"client_ip", admission.ClientIPFrom(ctx),
		"session_id", claims.SessionID)
	audit.EmitWithContext(ctx, a.emitter, audit.Record{
		EventType: audit.EventLoginSuccess,
		Actor:     user.Username,
		Outcome:   audit.OutcomeSuccess,
		Stage:     string(core.StageAuthenticate),
		SessionID: claims.SessionID,
		Detail:    map[string]string{"mfa": strconv.FormatBool(user.MFAEnabled)},
	})

	writeJSON(w, http.StatusOK, loginResponse{
		Token:           token,
		TokenType:       "Bearer",
		ExpiresAt:       claims.ExpiresAt.Time.UTC(),
		PasswordExpired: expired,
	})
}

// loginFailed counts the failure against the account and answers with the
// same generic 401 whatever went wrong
func (a *API) loginFailed(w http.ResponseWriter, ctx context.Context, account, reason string) {
	status, err := a.lockout.RecordFailure(ctx, account)
	if err != nil {
		a.internalLoginError(w, ctx, account, err)
		return
	}
	a.logger.Infow("AUDIT: Login failed",
		"username", account,
		"reason", reason,
		"failures", status.Failures,
		"client_ip", admission.ClientIPFrom(ctx))
	audit.EmitWithContext(ctx, a.emitter, audit.Record{
		EventType: audit.EventLoginFailed,
		Actor:     account,
		Outcome:   audit.OutcomeFailure,
		Stage:     string(core.StageAuthenticate),
		Reason:    reason,
		Detail:    map[string]string{"failures": strconv.Itoa(status.Failures)},
	})
	admission.WriteRejection(w, core.NewRejection(core.StageAuthenticate, core.KindAuth, reason), nil)
}

func (a *API) rejectLocked(w http.ResponseWriter, ctx context.Context, account string, status ratelimit.LockoutStatus) {
	rej := core.NewRejection(core.StageRateLimit, core.KindLockedOut, "account_locked")
	rej.RetryAfter = status.RetryAfter
	audit.EmitWithContext(ctx, a.emitter, audit.Record{
		EventType: audit.EventLockedOut,
		Actor:     account,
		Outcome:   audit.OutcomeBlocked,
		Stage:     string(rej.Stage),
		Reason:    rej.Reason,
		Detail: map[string]string{
			"failures":            strconv.Itoa(status.Failures),
			"retry_after_seconds": strconv.Itoa(rej.RetryAfterSeconds()),
		},
	})
	admission.WriteRejection(w, rej, nil)
}

// internalLoginError fails closed: no lockout decision means no login
func (a *API) internalLoginError(w http.ResponseWriter, ctx context.Context, account string, err error) {
	audit.EmitWithContext(ctx, a.emitter, audit.Record{
		EventType: audit.EventInternalError,
		Actor:     account,
		Outcome:   audit.OutcomeError,
		Stage:     string(core.StageAuthenticate),
		Reason:    "login_error",
	})
	writeError(w, http.StatusInternalServerError, core.MessageInternal, err, a.logger)
}

// logout revokes the presented token until it would have expired
//
//	@Summary		Log out
//	@Tags			auth
//	@Security		BearerAuth
//	@Success		204
//	@Failure		401	{object}	map[string]string
//	@Router			/api/v1/logout [post]
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	id := admission.IdentityFrom(r.Context())
	if a.revoker != nil && id.TokenID != "" {
		a.revoker.Revoke(id.TokenID, id.ExpiresAt)
	}
	a.logger.Infow("AUDIT: Logout", "username", id.SubjectID, "session_id", id.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

// me describes the caller's identity. With a resource it also reports the
// caller's open break-glass grant on that resource.
//
//	@Summary		Current identity
//	@Tags			auth
//	@Security		BearerAuth
//	@Produce		json
//	@Param			resource	query		string	false	"Resource to report an open break-glass grant for, e.g. patient:p-100"
//	@Success		200			{object}	map[string]interface{}
//	@Failure		401			{object}	map[string]string
//	@Router			/api/v1/me [get]
func (a *API) me(w http.ResponseWriter, r *http.Request) {
	id := admission.IdentityFrom(r.Context())
	resp := map[string]interface{}{
		"subject":     id.SubjectID,
		"roles":       id.Roles,
		"tenant_id":   id.TenantID,
		"branch_id":   id.BranchID,
		"system_wide": id.SystemWide,
		"expires_at":  id.ExpiresAt.UTC(),
	}
	if resource := r.URL.Query().Get("resource"); resource != "" {
		var open *grantResponse
		if g, ok := a.breakGlass.ActiveGrant(id.SubjectID, resource); ok {
			open = &grantResponse{
				GrantID:    g.ID,
				Resource:   SanitizeHTML(g.Resource),
				ReasonCode: g.ReasonCode,
				ExpiresAt:  g.ExpiresAt.UTC(),
			}
		}
		resp["break_glass"] = open
	}
	writeJSON(w, http.StatusOK, resp)
}

type passwordResetRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,max=128"`
}

// passwordReset changes the caller's own password. The current password
// is re-checked and a wrong one counts towards the account lockout.
//
//	@Summary		Change password
//	@Tags			auth
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		passwordResetRequest	true	"Current and new password"
//	@Success		204
//	@Failure		400		{object}	map[string]string
//	@Failure		401		{object}	map[string]string
//	@Failure		429		{object}	map[string]string
//	@Router			/api/v1/password-reset [post]
func (a *API) passwordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := admission.IdentityFrom(ctx)
	var req passwordResetRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, maxRequestBodyBytes); err != nil {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil, nil)
		return
	}

	status, err := a.lockout.Check(ctx, id.SubjectID)
	if err != nil {
		a.internalLoginError(w, ctx, id.SubjectID, err)
		return
	}
	if status.Locked {
		a.rejectLocked(w, ctx, id.SubjectID, status)
		return
	}
	if _, err := a.users.ValidateCredentials(ctx, id.SubjectID, req.CurrentPassword); err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			a.loginFailed(w, ctx, id.SubjectID, "invalid_current_password")
			return
		}
		a.internalLoginError(w, ctx, id.SubjectID, err)
		return
	}

	if err := a.policy.Validate(req.NewPassword, id.SubjectID); err != nil {
		// policy errors are fixed strings and safe to return
		writeError(w, http.StatusBadRequest, err.Error(), nil, nil)
		return
	}
	if err := a.users.SetPassword(ctx, id.SubjectID, req.NewPassword); err != nil {
		writeError(w, http.StatusInternalServerError, core.MessageInternal, err, a.logger)
		return
	}
	if a.revoker != nil && id.TokenID != "" {
		a.revoker.Revoke(id.TokenID, id.ExpiresAt)
	}
	w.WriteHeader(http.StatusNoContent)
}

// mfaSetup enrolls the caller in TOTP and returns the provisioning URL
//
//	@Summary		Enroll in TOTP
//	@Tags			auth
//	@Security		BearerAuth
//	@Produce		json
//	@Success		200	{object}	map[string]string
//	@Failure		401	{object}	map[string]string
//	@Router			/api/v1/mfa/setup [post]
func (a *API) mfaSetup(w http.ResponseWriter, r *http.Request) {
	id := admission.IdentityFrom(r.Context())
	url, err := a.users.EnrollMFA(r.Context(), id.SubjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, core.MessageInternal, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"otpauth_url": url})
}
