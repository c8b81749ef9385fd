package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// #region hash
// hashed is the canonical form fed to SHA-256. Field order is fixed by the
// struct, so the encoding is stable.
type hashed struct {
	Seq         int64  `json:"seq"`
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	DecisionID  string `json:"decision_id"`
	ScenarioKey string `json:"scenario_key"`
	Strategy    string `json:"strategy"`
	Origin      string `json:"origin"`
	Safe        bool   `json:"safe"`
	Reason      string `json:"reason"`
	Detail      string `json:"detail"`
	PrevHash    string `json:"prev_hash"`
	CreatedAt   string `json:"created_at"`
}

func computeHash(e Entry) string {
	data, _ := json.Marshal(hashed{
		Seq:         e.Seq,
		ID:          e.ID,
		Kind:        e.Kind,
		DecisionID:  e.DecisionID,
		ScenarioKey: e.ScenarioKey,
		Strategy:    e.Strategy,
		Origin:      e.Origin,
		Safe:        e.Safe,
		Reason:      e.Reason,
		Detail:      string(e.Detail),
		PrevHash:    e.PrevHash,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// seal fills the chain fields of e as the entry following prev.
func seal(e Entry, prevSeq int64, prevHash string) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.Seq = prevSeq + 1
	e.PrevHash = prevHash
	e.Hash = computeHash(e)
	return e
}

// verifyChain checks entries in ascending Seq order.
func verifyChain(entries []Entry) error {
	prev := ""
	var prevSeq int64
	for _, e := range entries {
		if e.Seq != prevSeq+1 {
			return &ChainError{Seq: e.Seq, Reason: "sequence gap"}
		}
		if e.PrevHash != prev {
			return &ChainError{Seq: e.Seq, Reason: "previous hash mismatch"}
		}
		if computeHash(e) != e.Hash {
			return &ChainError{Seq: e.Seq, Reason: "content hash mismatch"}
		}
		prev, prevSeq = e.Hash, e.Seq
	}
	return nil
}

// #endregion hash
