// Package notification publishes transaction lifecycle events so other
// services (portfolio views, alerting) can follow what the engine submitted.
package notification

import (
	"encoding/json"
	"strconv"
	"time"
)

// Event statuses
const (
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// TxEvent describes one submitted (or refused) transaction
type TxEvent struct {
	EventID     string    `json:"eventId"`
	ChainID     int64     `json:"chainId"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	TxHash      string    `json:"txHash,omitempty"`
	Owner       string    `json:"owner"`
	PairAddress string    `json:"pairAddress,omitempty"`
	TokenA      string    `json:"tokenA"`
	TokenB      string    `json:"tokenB"`
	AmountA     string    `json:"amountA,omitempty"`
	AmountB     string    `json:"amountB,omitempty"`
	Step        string    `json:"step,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ToJSON converts the event to JSON
func (e *TxEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Attributes returns the SNS message attributes used for subscription filters
func (e *TxEvent) Attributes() map[string]string {
	return map[string]string{
		"kind":    e.Kind,
		"status":  e.Status,
		"chainId": strconv.FormatInt(e.ChainID, 10),
	}
}
