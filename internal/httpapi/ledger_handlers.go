package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"certledger.org/internal/ledger"
	"certledger.org/internal/obs"
)

type verifyCertificateRequest struct {
	CertificateID string `json:"certificate_id"`
	ContentHash   string `json:"content_hash"`
}

func (a *API) ledgerRoutes(r chi.Router) {
	r.Get("/certificates", a.listCertificates)
	r.Get("/certificates/{certificateID}", a.getCertificate)
	r.Get("/blocks/{index}", a.getBlock)
	r.Get("/blocks/{index}/validity", a.blockValidity)
	r.Get("/validity", a.chainValidity)
	r.Get("/stats", a.ledgerStats)
	r.Post("/verify", a.verifyCertificate)
}

func (a *API) listCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePositiveInt("page", q.Get("page"), 1, 1, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parsePositiveInt("limit", q.Get("limit"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.ledger.Certificates(page, limit))
}

func (a *API) getCertificate(w http.ResponseWriter, r *http.Request) {
	b, ok := a.ledger.FindByCertificateID(chi.URLParam(r, "certificateID"))
	if !ok {
		handleLedgerError(w, r, ledger.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) getBlock(w http.ResponseWriter, r *http.Request) {
	idx, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	b, err := a.ledger.Block(idx)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) blockValidity(w http.ResponseWriter, r *http.Request) {
	idx, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.ledger.ValidateBlock(idx)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// chainValidity reports every failing block. A broken chain is still a 200:
// the report is the answer.
func (a *API) chainValidity(w http.ResponseWriter, r *http.Request) {
	rep := a.ledger.Verify()
	obs.ObserveLedger(rep.TotalBlocks, rep.Valid)
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) ledgerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ledger.Stats())
}

func (a *API) verifyCertificate(w http.ResponseWriter, r *http.Request) {
	var req verifyCertificateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.CertificateID) == "" || strings.TrimSpace(req.ContentHash) == "" {
		writeError(w, r, http.StatusBadRequest, "certificate_id and content_hash are required")
		return
	}
	writeJSON(w, http.StatusOK, a.ledger.VerifyCertificate(req.CertificateID, req.ContentHash))
}

func parseIndex(raw string) (int, error) {
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return 0, errors.New("index must be a non-negative integer")
	}
	return idx, nil
}

func parsePositiveInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrBlockIndexOutOfRange), errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrLedgerUninitialized):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ledger.ErrIntegrityViolation):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Error("ledger request failed", err, map[string]any{"request_id": RequestIDFromContext(r.Context())})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
