// Package remote defines the contract of the server-side record store the
// sync engine drains into. The engine is transport-agnostic above this
// contract; httpapi provides the HTTP implementation.
package remote

import (
	"context"
	"encoding/json"

	"github.com/voltmep/fieldsync/internal/models"
)

//go:generate moq -out remote_mock.go . Store

// WriteRequest describes one conditional write against the remote store.
type WriteRequest struct {
	Domain          models.Domain    // Domain целевая коллекция
	EntityID        string           // EntityID идентификатор сущности
	MutationID      string           // MutationID idempotency-ключ (повтор с тем же ID не применяется дважды)
	Operation       models.Operation // Operation create/update/delete
	Payload         json.RawMessage  // Payload полный снимок или diff
	ExpectedVersion int64            // ExpectedVersion версия, против которой выполняется запись
	Force           bool             // Force игнорировать проверку версии (решение keep-local)
}

// WriteResult is the outcome of a conditional write.
// Applied=false означает отклонение по версии: Snapshot несёт текущее
// серверное состояние, nil Snapshot - сущность удалена на сервере.
type WriteResult struct {
	Snapshot   *models.Snapshot
	NewVersion int64
	Applied    bool
}

// Store is the remote record store contract consumed by the sync scheduler.
type Store interface {
	// ConditionalWrite applies the operation iff the server's current version
	// matches ExpectedVersion (or Force is set). A version mismatch is not an
	// error: it comes back as WriteResult{Applied: false}.
	ConditionalWrite(ctx context.Context, req WriteRequest) (*WriteResult, error)

	// Read fetches the current server snapshot of an entity.
	Read(ctx context.Context, domain models.Domain, entityID string) (*models.Snapshot, error)
}
