package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"certledger.org/internal/audit"
	"certledger.org/internal/chain"
	"certledger.org/internal/obs"
	"certledger.org/internal/recovery"
)

type verifyHashRequest struct {
	TxID         string `json:"tx_id"`
	ExpectedHash string `json:"expected_hash"`
}

type recoverBatchRequest struct {
	TxIDs []string `json:"tx_ids"`
}

// publicRoutes read only from the external chain, so they keep answering
// when the database or local ledger is gone.
func (a *API) publicRoutes(r chi.Router) {
	r.Get("/recover/{txID}", a.recoverCertificate)
	r.Post("/verify", a.verifyOnChain)
	r.Post("/recover-batch", a.recoverBatch)
}

func (a *API) recoverCertificate(w http.ResponseWriter, r *http.Request) {
	if !a.recoveryEnabled(w, r) {
		return
	}
	cert, err := a.recovery.Recover(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		handleRecoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (a *API) verifyOnChain(w http.ResponseWriter, r *http.Request) {
	if !a.recoveryEnabled(w, r) {
		return
	}
	var req verifyHashRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.recovery.VerifyHash(r.Context(), req.TxID, req.ExpectedHash)
	if err != nil {
		handleRecoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) recoverBatch(w http.ResponseWriter, r *http.Request) {
	if !a.recoveryEnabled(w, r) {
		return
	}
	var req recoverBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.TxIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "tx_ids is required")
		return
	}
	res, err := a.recovery.RecoverBatch(r.Context(), req.TxIDs)
	if err != nil {
		handleRecoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) recoveryEnabled(w http.ResponseWriter, r *http.Request) bool {
	if a.recovery == nil {
		writeError(w, r, http.StatusServiceUnavailable, "recovery disabled")
		return false
	}
	return true
}

func (a *API) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt("limit", r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries := audit.Recent(limit, r.URL.Query().Get("prefix"))
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "total": len(entries)})
}

func handleRecoveryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, recovery.ErrInvalidTxID), errors.Is(err, recovery.ErrBatchTooLarge),
		errors.Is(err, recovery.ErrMissingExpected):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, chain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, chain.ErrPayloadDecode):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, chain.ErrUnavailable):
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		obs.Error("recovery request failed", err, map[string]any{"request_id": RequestIDFromContext(r.Context())})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
