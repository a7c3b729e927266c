package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid wallet address")

// NormalizeAddress case-folds a wallet address into its account key.
func NormalizeAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// NormalizeTxHash lower-cases a transaction hash so it can be used as an idempotency key.
func NormalizeTxHash(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Account holds the spendable credit balance of a wallet.
// Credits never drop below zero; every mutation is a conditional store write.
type Account struct {
	Address   string    `json:"address"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

type DepositStatus string

const (
	// DepositPending is written before the payer is credited.
	DepositPending DepositStatus = "pending"
	// DepositCredited marks a deposit whose credits were applied to the payer.
	DepositCredited DepositStatus = "credited"
	// DepositHeld marks a deposit that was worth nothing under the current pricing
	// and is kept for manual review instead of being credited.
	DepositHeld DepositStatus = "held"
)

// Deposit is the append-only audit record of one on-chain payment.
// TxHash is the idempotency key; only Status and CreditedAt ever change.
type Deposit struct {
	TxHash      string        `json:"tx_hash"`
	Payer       string        `json:"payer"`
	Token       string        `json:"token"`
	Amount      string        `json:"amount"`
	Credits     int64         `json:"credits"`
	USDValue    string        `json:"usd_value"`
	Memo        string        `json:"memo,omitempty"`
	BlockNumber uint64        `json:"block_number"`
	Status      DepositStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	CreditedAt  *time.Time    `json:"credited_at,omitempty"`
}

// StoredObject is one named blob admitted for storage.
// RootCID groups the blobs of a directory upload and equals CID for single files.
type StoredObject struct {
	CID       string    `json:"cid"`
	RootCID   string    `json:"root_cid"`
	ObjectID  string    `json:"object_id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// File is one named blob received from a client.
type File struct {
	Name string
	Data []byte
}

// UploadRequest is the input of the admission path for a file or a directory.
type UploadRequest struct {
	Wallet           string
	DeclaredCID      string
	Files            []File
	RetentionSeconds int64
}

// UploadResult is returned for an admitted upload.
type UploadResult struct {
	CID             string         `json:"cid"`
	RequiredCredits int64          `json:"required_credits"`
	Objects         []StoredObject `json:"objects"`
}

// Preflight answers whether a wallet can afford an upload right now.
type Preflight struct {
	CanUpload        bool  `json:"can_upload"`
	RequiredCredits  int64 `json:"required_credits"`
	AvailableCredits int64 `json:"available_credits"`
}

// DepositTx is an unsigned call to the payments contract.
type DepositTx struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}
