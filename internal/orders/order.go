// Package orders holds the order and fleet model shared by intake, the queue
// stores and the apply worker.
package orders

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindMove     Kind = "move"
	KindResupply Kind = "resupply"
)

// WorkerKinds are the kinds the apply worker claims by default.
var WorkerKinds = []Kind{KindMove, KindResupply}

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected
}

// DefaultTargetTurn is the only turn orders are scheduled against until turn
// scheduling exists.
const DefaultTargetTurn = 1

type Order struct {
	ID         string          `json:"id"`
	EmpireID   string          `json:"empireId,omitempty"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	TargetTurn int             `json:"targetTurn"`
	IdemKey    string          `json:"idemKey,omitempty"`
	Status     Status          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type Stance string

const (
	StanceNeutral    Stance = "neutral"
	StanceAggressive Stance = "aggressive"
	StanceDefensive  Stance = "defensive"
)

func (s Stance) Valid() bool {
	switch s {
	case StanceNeutral, StanceAggressive, StanceDefensive:
		return true
	default:
		return false
	}
}

// Fleet is an owned military unit. Supply is never negative.
type Fleet struct {
	ID       string `json:"id"`
	EmpireID string `json:"empireId"`
	SystemID string `json:"systemId"`
	Stance   Stance `json:"stance"`
	Supply   int64  `json:"supply"`
}

// Normalize fills defaults for fields left empty by seeders.
func (f *Fleet) Normalize() {
	if f.Stance == "" {
		f.Stance = StanceNeutral
	}
}

type System struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
