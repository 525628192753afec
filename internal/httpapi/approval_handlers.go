package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"certledger.org/internal/anchor"
	"certledger.org/internal/approval"
	"certledger.org/internal/auth"
	"certledger.org/internal/chain"
	"certledger.org/internal/obs"
)

type approveRequest struct {
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
}

type rejectRequest struct {
	Reason    string `json:"reason"`
	Signature string `json:"signature"`
}

type approvalList struct {
	Items []approval.CertificateApproval `json:"items"`
	Total int                            `json:"total"`
}

type approveResponse struct {
	approval.ApprovalResult
	Anchor      *anchor.Receipt `json:"anchor,omitempty"`
	AnchorError string          `json:"anchor_error,omitempty"`
}

type messageResponse struct {
	ApprovalID string `json:"approval_id"`
	Message    string `json:"message"`
}

func (a *API) approvalRoutes(r chi.Router) {
	submitters := RequireRole(string(auth.RoleAdmin), string(auth.RoleStaff))

	r.Get("/", a.listApprovals)
	r.With(submitters).Post("/", a.submitApproval)
	r.Get("/pending", a.pendingApprovals)
	r.Get("/history", a.approvalHistory)
	r.Get("/mine", a.myApprovals)
	r.Get("/threshold", a.approvalThreshold)
	r.Get("/{id}", a.getApproval)
	r.Get("/{id}/message", a.approvalMessage)
	r.Get("/{id}/rejection-message", a.rejectionMessage)
	r.Post("/{id}/approve", a.approve)
	r.Post("/{id}/reject", a.reject)
	r.With(submitters).Post("/{id}/resubmit", a.resubmit)
	r.With(RequireRole(string(auth.RoleAdmin))).Post("/{id}/anchor", a.anchorApproval)
}

func (a *API) submitApproval(w http.ResponseWriter, r *http.Request) {
	var req approval.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.approvals.Submit(r.Context(), req, currentUser(r))
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	var status approval.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, err := approval.ParseStatus(strings.ToLower(raw))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "status must be pending, approved or rejected")
			return
		}
		status = st
	}
	recs, err := a.approvals.ListByStatus(r.Context(), status)
	writeApprovalList(w, r, recs, err)
}

func (a *API) pendingApprovals(w http.ResponseWriter, r *http.Request) {
	recs, err := a.approvals.ListPending(r.Context(), currentUser(r))
	writeApprovalList(w, r, recs, err)
}

func (a *API) approvalHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := a.approvals.History(r.Context(), currentUser(r))
	writeApprovalList(w, r, recs, err)
}

func (a *API) myApprovals(w http.ResponseWriter, r *http.Request) {
	recs, err := a.approvals.ListSubmittedBy(r.Context(), currentUser(r))
	writeApprovalList(w, r, recs, err)
}

func (a *API) approvalsForCertificate(w http.ResponseWriter, r *http.Request) {
	recs, err := a.approvals.ListByCertificate(r.Context(), chi.URLParam(r, "certificateID"))
	writeApprovalList(w, r, recs, err)
}

func (a *API) approvalThreshold(w http.ResponseWriter, r *http.Request) {
	th, err := a.approvals.Threshold(r.Context(), currentUser(r))
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (a *API) getApproval(w http.ResponseWriter, r *http.Request) {
	rec, err := a.approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) approvalMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := a.approvals.ApprovalMessage(r.Context(), id)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{ApprovalID: id, Message: msg})
}

func (a *API) rejectionMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := a.approvals.RejectionMessage(r.Context(), id, r.URL.Query().Get("reason"))
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{ApprovalID: id, Message: msg})
}

// approve records a signature. The caller that completes the threshold also
// drives anchoring; an anchoring failure is reported but does not fail the
// approval, which stays approved for the retrier.
func (a *API) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.approvals.Approve(r.Context(), chi.URLParam(r, "id"), currentUser(r), req.Wallet, req.Signature)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	out := approveResponse{ApprovalResult: res}
	if res.FullyApproved && a.anchor != nil {
		rcpt, err := a.anchor.Anchor(r.Context(), res.Approval.ID)
		if err != nil {
			obs.Warn("anchoring after approval failed", map[string]any{
				"approval_id": res.Approval.ID,
				"request_id":  RequestIDFromContext(r.Context()),
				"error":       err.Error(),
			})
			out.AnchorError = err.Error()
		} else {
			out.Anchor = &rcpt
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.approvals.Reject(r.Context(), chi.URLParam(r, "id"), currentUser(r), req.Reason, req.Signature)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) resubmit(w http.ResponseWriter, r *http.Request) {
	var upd approval.Updates
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.approvals.Resubmit(r.Context(), chi.URLParam(r, "id"), currentUser(r), upd)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) anchorApproval(w http.ResponseWriter, r *http.Request) {
	if a.anchor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "anchoring disabled")
		return
	}
	rcpt, err := a.anchor.Anchor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func writeApprovalList(w http.ResponseWriter, r *http.Request, recs []approval.CertificateApproval, err error) {
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	if recs == nil {
		recs = []approval.CertificateApproval{}
	}
	writeJSON(w, http.StatusOK, approvalList{Items: recs, Total: len(recs)})
}

func currentUser(r *http.Request) string {
	uid, _ := auth.UserIDFromContext(r.Context())
	return uid
}

func handleApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrInvalidPayload), errors.Is(err, approval.ErrBadSignature):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, approval.ErrNotEligible), errors.Is(err, approval.ErrSelfApproval),
		errors.Is(err, approval.ErrWalletMismatch), errors.Is(err, approval.ErrNotSubmitter):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, auth.ErrMemberNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrDuplicateApproval),
		errors.Is(err, approval.ErrAlreadySubmitted), errors.Is(err, approval.ErrNotRejected),
		errors.Is(err, approval.ErrAnchorAlreadyExists), errors.Is(err, anchor.ErrNotApproved),
		errors.Is(err, approval.ErrNotApproved):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, anchor.ErrExternalChainUnavailable), errors.Is(err, chain.ErrUnavailable):
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		obs.Error("approval request failed", err, map[string]any{
			"path":       r.URL.Path,
			"request_id": RequestIDFromContext(r.Context()),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
