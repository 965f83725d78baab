// Package api contains the wire types of the record store HTTP contract.
package api

import (
	"encoding/json"
	"time"
)

// RecordSnapshot представляет текущее серверное состояние сущности
type RecordSnapshot struct {
	UpdatedAt time.Time       `json:"updated_at"`
	Domain    string          `json:"domain"`
	EntityID  string          `json:"entity_id"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
}

// WriteRequest представляет условную запись одной мутации
type WriteRequest struct {
	MutationID      string          `json:"mutation_id"` // idempotency-ключ
	Operation       string          `json:"operation"`   // create | update | delete
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	Force           bool            `json:"force,omitempty"` // запись без проверки версии
}

// WriteResponse представляет результат условной записи.
// При applied=false snapshot несёт текущее серверное состояние;
// null snapshot означает, что сущность удалена на сервере.
type WriteResponse struct {
	Snapshot   *RecordSnapshot `json:"snapshot,omitempty"`
	NewVersion int64           `json:"new_version,omitempty"`
	Applied    bool            `json:"applied"`
}

// ErrorResponse представляет ошибку сервера
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
