package models

import (
	"encoding/json"
	"time"
)

// Domain идентифицирует очередь сущностей, которой принадлежит мутация.
type Domain string

// Queue domains, one per entity type of the project workspace
const (
	DomainCableEntry       Domain = "cable_entry"
	DomainBudgetItem       Domain = "budget_item"
	DomainDrawing          Domain = "drawing"
	DomainSiteDiaryTask    Domain = "site_diary_task"
	DomainMessage          Domain = "message"
	DomainHandoverDocument Domain = "handover_document"
	DomainGeneric          Domain = "generic"
)

// AllDomains lists every queue domain in stable order.
// The scheduler drains queues in this order.
var AllDomains = []Domain{
	DomainCableEntry,
	DomainBudgetItem,
	DomainDrawing,
	DomainSiteDiaryTask,
	DomainMessage,
	DomainHandoverDocument,
	DomainGeneric,
}

// Valid reports whether d is a known queue domain.
func (d Domain) Valid() bool {
	for _, known := range AllDomains {
		if d == known {
			return true
		}
	}
	return false
}

// Operation - тип операции записи
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status - состояние мутации в очереди
type Status string

const (
	StatusPending  Status = "pending"   // ожидает отправки
	StatusInFlight Status = "in_flight" // запрос к серверу выполняется
	StatusConflict Status = "conflict"  // отклонена сервером, ждёт решения пользователя
	StatusFailed   Status = "failed"    // permanent ошибка, терминальное состояние
	StatusSynced   Status = "synced"    // применена сервером, терминальное состояние
)

// Mutation представляет одну отложенную операцию записи (create/update/delete),
// ожидающую передачи на сервер. Это единица работы очереди мутаций.
//
// ID служит idempotency-ключом для сервера: повторная отправка мутации
// с тем же ID после таймаута не приводит к двойному применению.
type Mutation struct {
	CreatedAt     time.Time       `json:"created_at"`      // CreatedAt время создания (определяет порядок применения per-entity)
	LastAttemptAt time.Time       `json:"last_attempt_at"` // LastAttemptAt время последней попытки отправки
	NextAttemptAt time.Time       `json:"next_attempt_at"` // NextAttemptAt момент, раньше которого scheduler не возьмёт мутацию (backoff)
	ID            string          `json:"id"`              // ID уникальный идентификатор мутации (UUID)
	Domain        Domain          `json:"domain"`          // Domain очередь, которой принадлежит мутация
	EntityID      string          `json:"entity_id"`       // EntityID идентификатор целевой сущности
	Operation     Operation       `json:"operation"`       // Operation тип операции
	Status        Status          `json:"status"`          // Status текущее состояние (см. state machine в queue)
	FailReason    string          `json:"fail_reason"`     // FailReason причина permanent ошибки (для показа пользователю)
	Payload       json.RawMessage `json:"payload"`         // Payload полный снимок (create) или частичный diff (update)
	ServerSnap    *Snapshot       `json:"server_snap"`     // ServerSnap снимок сервера при конфликте; nil = сущность удалена на сервере
	BaseVersion   int64           `json:"base_version"`    // BaseVersion версия сущности, против которой авторизовано изменение
	Attempts      int             `json:"attempts"`        // Attempts счётчик попыток отправки
	Force         bool            `json:"force"`           // Force принудительная перезапись (выставляется решением keep-local)
}

// Terminal reports whether the mutation reached a terminal status.
func (m *Mutation) Terminal() bool {
	return m.Status == StatusSynced || m.Status == StatusFailed
}

// Clone создает глубокую копию мутации
func (m *Mutation) Clone() *Mutation {
	clone := *m
	clone.Payload = append(json.RawMessage(nil), m.Payload...)
	if m.ServerSnap != nil {
		clone.ServerSnap = m.ServerSnap.Clone()
	}
	return &clone
}

// Snapshot хранит последнее подтверждённое сервером состояние сущности.
// Используется для отрисовки UI в офлайне и как baseline при конфликтах.
type Snapshot struct {
	UpdatedAt time.Time       `json:"updated_at"` // UpdatedAt время последнего подтверждения сервером
	Domain    Domain          `json:"domain"`     // Domain коллекция, которой принадлежит снимок
	EntityID  string          `json:"entity_id"`  // EntityID идентификатор сущности
	Data      json.RawMessage `json:"data"`       // Data полное состояние сущности (JSON)
	Version   int64           `json:"version"`    // Version текущая серверная версия
}

// Clone создает глубокую копию снимка
func (s *Snapshot) Clone() *Snapshot {
	clone := *s
	clone.Data = append(json.RawMessage(nil), s.Data...)
	return &clone
}

// Resolution - решение пользователя по конфликтной мутации
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"  // перезаписать серверную версию локальной
	ResolutionKeepServer Resolution = "keep_server" // отбросить локальное изменение
	ResolutionMerge      Resolution = "merge"       // применить слитый пользователем payload
)
