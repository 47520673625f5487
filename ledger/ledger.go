// Package ledger anchors a report commitment on a ledger and returns the
// reference of the transaction that carries it.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"civicreport/ids"
)

// Commitment is the payload anchored for each report.
type Commitment struct {
	StorageID        string `json:"cidHash"`
	VerificationHash string `json:"aiVerificationHash"`
	Timestamp        int64  `json:"timestamp"`
}

// NewCommitment stamps the commitment with at in Unix milliseconds.
func NewCommitment(storageID, verificationHash string, at time.Time) Commitment {
	return Commitment{
		StorageID:        storageID,
		VerificationHash: verificationHash,
		Timestamp:        at.UnixMilli(),
	}
}

func (c Commitment) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Receipt identifies a committed transaction. Ref always has the
// "0x" + 40 hex shape; TxHash is the full hash when a real ledger was used.
type Receipt struct {
	Ref    string
	TxHash string
}

// Committer writes a commitment to a ledger. Implementations return an error
// rather than a reference when nothing was committed.
type Committer interface {
	Commit(ctx context.Context, c Commitment) (Receipt, error)
	Name() string
}

// Simulated waits for a fixed delay and fabricates a reference.
type Simulated struct {
	delay time.Duration
}

// NewSimulated returns a committer that waits delay before every commit.
func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{delay: delay}
}

func (s *Simulated) Name() string { return "Simulated" }

func (s *Simulated) Commit(ctx context.Context, _ Commitment) (Receipt, error) {
	if err := sleep(ctx, s.delay); err != nil {
		return Receipt{}, err
	}
	return Receipt{Ref: ids.NewLedgerRef()}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
