package api

import (
	"errors"
	"net/http"
	"strings"

	"medgate/admission"
	"medgate/core"
	"medgate/storage"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var validate = validator.New()

// maxSearchResults caps a patient listing
const maxSearchResults = 50

// patientView is the escaped rendering of a patient record
type patientView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BranchID string `json:"branch_id"`
	DOB      string `json:"dob,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

func renderPatient(p storage.Patient) patientView {
	return patientView{
		ID:       SanitizeHTML(p.ID),
		Name:     SanitizeHTML(p.Name),
		BranchID: SanitizeHTML(p.BranchID),
		DOB:      SanitizeHTML(p.DOB),
		Notes:    SanitizeHTML(p.Notes),
	}
}

type createPatientRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	DOB      string `json:"dob" validate:"omitempty,datetime=2006-01-02"`
	BranchID string `json:"branch_id" validate:"omitempty,max=64,printascii"`
	Notes    string `json:"notes" validate:"max=4000"`
}

// searchPatients lists patients in the caller's branch scope
//
//	@Summary		Search patients
//	@Tags			patients
//	@Security		BearerAuth
//	@Produce		json
//	@Param			name	query		string	false	"Case-insensitive name fragment"
//	@Success		200		{object}	map[string]interface{}
//	@Failure		401		{object}	map[string]string
//	@Failure		403		{object}	map[string]string
//	@Router			/api/v1/patients [get]
func (a *API) searchPatients(w http.ResponseWriter, r *http.Request) {
	id := admission.IdentityFrom(r.Context())
	branches, err := a.branchScope(r, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err, a.logger)
		return
	}

	found := a.patients.SearchPatients(r.Context(), r.URL.Query().Get("name"), branches)
	if len(found) > maxSearchResults {
		found = found[:maxSearchResults]
	}
	out := make([]patientView, 0, len(found))
	for _, p := range found {
		out = append(out, renderPatient(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"patients": out, "count": len(out)})
}

// getPatient returns one record. Branch scope was enforced on admission.
//
//	@Summary		Get a patient record
//	@Description	Protected health information. Requires patients:read in the record's branch or an active break-glass grant.
//	@Tags			patients
//	@Security		BearerAuth
//	@Produce		json
//	@Param			id	path		string	true	"Patient ID"
//	@Success		200	{object}	patientView
//	@Failure		401	{object}	map[string]string
//	@Failure		403	{object}	map[string]string
//	@Failure		404	{object}	map[string]string
//	@Router			/api/v1/patients/{id} [get]
func (a *API) getPatient(w http.ResponseWriter, r *http.Request) {
	p, err := a.patients.GetPatient(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrPatientNotFound) {
		writeError(w, http.StatusNotFound, "not found", nil, nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, renderPatient(*p))
}

// createPatient adds a record in the caller's home branch, or in any
// branch of their scope when one is named
//
//	@Summary		Create a patient record
//	@Tags			patients
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			patient	body		createPatientRequest	true	"Patient"
//	@Success		201		{object}	patientView
//	@Failure		400		{object}	map[string]string
//	@Failure		403		{object}	map[string]string
//	@Router			/api/v1/patients [post]
func (a *API) createPatient(w http.ResponseWriter, r *http.Request) {
	id := admission.IdentityFrom(r.Context())
	var req createPatientRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, maxRequestBodyBytes); err != nil {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patient record", nil, nil)
		return
	}
	if req.BranchID == "" {
		req.BranchID = id.BranchID
	}

	branches, err := a.branchScope(r, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err, a.logger)
		return
	}
	if branches != nil && !contains(branches, req.BranchID) {
		admission.WriteRejection(w, core.NewRejection(core.StageDispatch, core.KindAuthorizationDenied, "branch_scope"), nil)
		return
	}

	p, err := a.patients.CreatePatient(r.Context(), storage.Patient{
		Name:     req.Name,
		DOB:      req.DOB,
		BranchID: req.BranchID,
		Notes:    req.Notes,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid patient record", err, a.logger)
		return
	}
	a.logger.Infow("AUDIT: Patient record created",
		"subject", id.Actor(),
		"patient_id", p.ID,
		"branch_id", p.BranchID)
	writeJSON(w, http.StatusCreated, renderPatient(*p))
}

// branchScope returns the branches id may see, or nil for system-wide
// identities
func (a *API) branchScope(r *http.Request, id *core.Identity) ([]string, error) {
	if id == nil {
		return []string{}, nil
	}
	scope, err := a.users.Scope(r.Context(), id.SubjectID)
	if err != nil {
		return nil, err
	}
	if scope.SystemWide {
		return nil, nil
	}
	if scope.Branches == nil {
		return []string{}, nil
	}
	return scope.Branches, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
