package models

import "github.com/punchamoorthee/storagecredits/internal/domain"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AccountResponse is returned by the account endpoint.
type AccountResponse struct {
	Wallet  string `json:"wallet"`
	Credits int64  `json:"credits"`
}

// QuoteResponse prices an upload without touching the balance.
type QuoteResponse struct {
	SizeBytes        int64 `json:"size_bytes"`
	RetentionSeconds int64 `json:"retention_seconds"`
	RequiredCredits  int64 `json:"required_credits"`
}

// UploadResponse is the canonical reply to an admitted upload.
type UploadResponse struct {
	CID             string                `json:"cid"`
	RequiredCredits int64                 `json:"required_credits"`
	Objects         []domain.StoredObject `json:"objects"`
}

// HistoryResponse lists a wallet's stored objects, newest first.
type HistoryResponse struct {
	Wallet  string                `json:"wallet"`
	Objects []domain.StoredObject `json:"objects"`
}

// DepositTxRequest asks for an unsigned deposit call. Amount and Credits are
// base-10 integers in the token's smallest unit.
type DepositTxRequest struct {
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	Credits string `json:"credits,omitempty"`
	Memo    string `json:"memo,omitempty"`
}
