// Package ids generates the opaque identifiers attached to reports.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	ReportIDLength  = 9
	StorageIDPrefix = "Qm"
	storageIDBody   = 44
	ledgerRefBytes  = 20

	reportIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var (
	reportIDPattern  = regexp.MustCompile(`^[0-9a-z]{9}$`)
	storageIDPattern = regexp.MustCompile(`^Qm[0-9a-f]{44}$`)
	ledgerRefPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

// NewReportID returns a 9 character lowercase alphanumeric id.
func NewReportID() string {
	out := make([]byte, 0, ReportIDLength)
	buf := make([]byte, ReportIDLength*2)
	for len(out) < ReportIDLength {
		mustRead(buf)
		for _, b := range buf {
			// 252 is the largest multiple of 36 below 256.
			if b >= 252 {
				continue
			}
			out = append(out, reportIDAlphabet[int(b)%len(reportIDAlphabet)])
			if len(out) == ReportIDLength {
				break
			}
		}
	}
	return string(out)
}

// NewStorageID returns a random content-address shaped id: "Qm" + 44 hex chars.
func NewStorageID() string {
	b := make([]byte, storageIDBody/2)
	mustRead(b)
	return StorageIDPrefix + hex.EncodeToString(b)
}

// StorageIDFromContent derives a storage id of the same shape from the content digest.
func StorageIDFromContent(content []byte) string {
	sum := sha256.Sum256(content)
	return StorageIDPrefix + hex.EncodeToString(sum[:])[:storageIDBody]
}

// NewLedgerRef returns a random "0x" + 40 hex chars reference.
func NewLedgerRef() string {
	b := make([]byte, ledgerRefBytes)
	mustRead(b)
	return hexutil.Encode(b)
}

// LedgerRefFromHash shortens a transaction hash to the ledger reference shape.
func LedgerRefFromHash(h ethcommon.Hash) string {
	return hexutil.Encode(h[:ledgerRefBytes])
}

// IsReportID and the other Is functions check an identifier's shape only.
func IsReportID(s string) bool  { return reportIDPattern.MatchString(s) }
func IsStorageID(s string) bool { return storageIDPattern.MatchString(s) }
func IsLedgerRef(s string) bool { return ledgerRefPattern.MatchString(s) }

func mustRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("ids: crypto/rand failed: " + err.Error())
	}
}
