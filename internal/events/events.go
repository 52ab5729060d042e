// Package events defines the domain events and publishes them on the bus.
package events

import "fleetcommand.gg/internal/sim"

const (
	TopicOrderReceipt    = "order.receipt"
	TopicOrderApplied    = "order.applied"
	TopicOrderRejected   = "order.rejected"
	TopicFleetMoved      = "fleet.moved"
	TopicFleetResupplied = "fleet.resupplied"
	TopicTurnTick        = "turn.tick"
)

// DispatchTopics are the topics forwarded to stream clients by default.
var DispatchTopics = []string{
	TopicOrderReceipt,
	TopicOrderApplied,
	TopicOrderRejected,
	TopicFleetMoved,
	TopicFleetResupplied,
}

type OrderReceipt struct {
	OrderID    string    `json:"orderId"`
	Status     string    `json:"status"`
	TargetTurn int       `json:"targetTurn"`
	Delta      sim.Delta `json:"delta"`
}

type OrderApplied struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type OrderRejected struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type FleetMoved struct {
	FleetID string `json:"fleetId"`
	From    string `json:"from"`
	To      string `json:"to"`
	OrderID string `json:"orderId"`
}

type FleetResupplied struct {
	FleetID   string `json:"fleetId"`
	Amount    int64  `json:"amount"`
	NewSupply int64  `json:"newSupply"`
	OrderID   string `json:"orderId"`
}

type TurnTick struct {
	TS int64 `json:"ts"`
}
