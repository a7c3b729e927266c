package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/punchamoorthee/storagecredits/internal/models"
	"github.com/punchamoorthee/storagecredits/internal/service"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// wallet reads the caller's wallet from the X-Wallet header, falling back to
// the wallet query parameter.
func wallet(r *http.Request) string {
	if w := r.Header.Get(walletHeader); w != "" {
		return w
	}
	return r.URL.Query().Get("wallet")
}

func queryInt(q url.Values, key string) (int64, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", service.ErrInvalidRequest, key)
	}
	return n, nil
}

func (h *Handler) AccountHandler(w http.ResponseWriter, r *http.Request) {
	acct, err := h.service.Account(r.Context(), wallet(r))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.AccountResponse{Wallet: acct.Address, Credits: acct.Credits})
}

func (h *Handler) PreflightHandler(w http.ResponseWriter, r *http.Request) {
	size, err := queryInt(r.URL.Query(), "size")
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	ttl, err := queryInt(r.URL.Query(), "ttl")
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	p, err := h.service.Preflight(r.Context(), wallet(r), size, ttl)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	size, err := queryInt(r.URL.Query(), "size")
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	ttl, err := queryInt(r.URL.Query(), "ttl")
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	required, retention, err := h.service.Quote(size, ttl)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.QuoteResponse{
		SizeBytes:        size,
		RetentionSeconds: retention,
		RequiredCredits:  required,
	})
}

func (h *Handler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, "file")
}

func (h *Handler) UploadDirectoryHandler(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, "files")
}

// upload admits the parts under field as one request: a single file for
// "file", a directory for "files".
func (h *Handler) upload(w http.ResponseWriter, r *http.Request, field string) {
	if h.maxBody > 0 {
		if r.ContentLength > h.maxBody {
			h.respondWithServiceError(w, r, &http.MaxBytesError{Limit: h.maxBody})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondWithServiceError(w, r, err)
			return
		}
		respondWithError(w, http.StatusBadRequest, "Malformed multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[field]
	if field == "file" && len(headers) > 1 {
		respondWithError(w, http.StatusBadRequest, "Exactly one file expected; use the directory endpoint")
		return
	}
	files, err := readParts(headers)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	ttl, err := queryInt(r.URL.Query(), "ttl")
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	res, err := h.service.Upload(r.Context(), domain.UploadRequest{
		Wallet:           wallet(r),
		DeclaredCID:      r.FormValue("cid"),
		Files:            files,
		RetentionSeconds: ttl,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/storage/objects/"+res.CID)
	respondWithJSON(w, http.StatusCreated, models.UploadResponse{
		CID:             res.CID,
		RequiredCredits: res.RequiredCredits,
		Objects:         res.Objects,
	})
}

func readParts(headers []*multipart.FileHeader) ([]domain.File, error) {
	files := make([]domain.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, domain.File{Name: fh.Filename, Data: data})
	}
	return files, nil
}

func (h *Handler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query(), "limit")
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	objs, err := h.service.History(r.Context(), wallet(r), int(limit))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	acct, _ := domain.NormalizeAddress(wallet(r))
	respondWithJSON(w, http.StatusOK, models.HistoryResponse{Wallet: acct, Objects: objs})
}

func (h *Handler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	obj, data, contentType, err := h.service.Download(r.Context(), wallet(r), mux.Vars(r)["cid"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if obj.Name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", obj.Name))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), wallet(r), mux.Vars(r)["cid"]); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Deposit(r.Context(), mux.Vars(r)["txHash"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *Handler) DepositTxHandler(w http.ResponseWriter, r *http.Request) {
	var req models.DepositTxRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	tx, err := h.service.DepositTx(req.Token, req.Amount, req.Credits, req.Memo)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}
