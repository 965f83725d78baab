package models

import (
	"encoding/json"
	"fmt"
)

// Типизированные payload'ы по доменам. Очередь и хранилище работают с
// json.RawMessage; типы ниже дают вызывающему коду (формы, merge-диалог)
// compile-time представление о том, какие поля есть у каждой сущности.

// CableEntryPayload represents a cable register entry.
type CableEntryPayload struct {
	Tag          string  `json:"tag,omitempty"`           // Tag обозначение кабеля (например, "C-101")
	FromLocation string  `json:"from_location,omitempty"` // FromLocation точка подключения "от"
	ToLocation   string  `json:"to_location,omitempty"`   // ToLocation точка подключения "до"
	CableType    string  `json:"cable_type,omitempty"`    // CableType марка кабеля
	CrossSection string  `json:"cross_section,omitempty"` // CrossSection сечение (например, "3x2.5")
	LengthM      float64 `json:"length_m,omitempty"`      // LengthM длина в метрах
	Cores        int     `json:"cores,omitempty"`         // Cores число жил
}

// BudgetItemPayload represents a budget line item.
type BudgetItemPayload struct {
	Code      string  `json:"code,omitempty"`       // Code позиция сметы
	Title     string  `json:"title,omitempty"`      // Title наименование работ/материалов
	Unit      string  `json:"unit,omitempty"`       // Unit единица измерения
	Quantity  float64 `json:"quantity,omitempty"`   // Quantity количество
	UnitPrice float64 `json:"unit_price,omitempty"` // UnitPrice цена за единицу
	Currency  string  `json:"currency,omitempty"`   // Currency валюта (ISO 4217)
}

// DrawingPayload represents a drawing register entry.
type DrawingPayload struct {
	Number   string `json:"number,omitempty"`   // Number номер чертежа
	Title    string `json:"title,omitempty"`    // Title название
	Revision string `json:"revision,omitempty"` // Revision ревизия (например, "B")
	Status   string `json:"status,omitempty"`   // Status статус выпуска
	FileRef  string `json:"file_ref,omitempty"` // FileRef ссылка на файл во внешнем хранилище
}

// SiteDiaryTaskPayload represents a site-diary task.
type SiteDiaryTaskPayload struct {
	Title      string `json:"title,omitempty"`       // Title краткое описание задачи
	AssignedTo string `json:"assigned_to,omitempty"` // AssignedTo исполнитель
	DueDate    string `json:"due_date,omitempty"`    // DueDate срок (YYYY-MM-DD)
	Done       bool   `json:"done,omitempty"`        // Done флаг выполнения
	Notes      string `json:"notes,omitempty"`       // Notes заметки
}

// MessagePayload represents a project message.
type MessagePayload struct {
	Author string `json:"author,omitempty"` // Author автор сообщения
	Body   string `json:"body,omitempty"`   // Body текст сообщения
	Thread string `json:"thread,omitempty"` // Thread идентификатор треда
}

// HandoverDocumentPayload represents a handover document entry.
type HandoverDocumentPayload struct {
	Title    string `json:"title,omitempty"`    // Title название документа
	Category string `json:"category,omitempty"` // Category раздел исполнительной документации
	FileRef  string `json:"file_ref,omitempty"` // FileRef ссылка на файл во внешнем хранилище
	Signed   bool   `json:"signed,omitempty"`   // Signed подписан ли документ
}

// GenericPayload is the escape hatch for entities without a dedicated domain.
type GenericPayload map[string]any

// DecodePayload разбирает raw payload в типизированную структуру домена.
// Для DomainGeneric возвращает GenericPayload.
func DecodePayload(domain Domain, raw json.RawMessage) (any, error) {
	var target any
	switch domain {
	case DomainCableEntry:
		target = &CableEntryPayload{}
	case DomainBudgetItem:
		target = &BudgetItemPayload{}
	case DomainDrawing:
		target = &DrawingPayload{}
	case DomainSiteDiaryTask:
		target = &SiteDiaryTaskPayload{}
	case DomainMessage:
		target = &MessagePayload{}
	case DomainHandoverDocument:
		target = &HandoverDocumentPayload{}
	case DomainGeneric:
		target = &GenericPayload{}
	default:
		return nil, fmt.Errorf("unknown domain %q", domain)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", domain, err)
	}
	return target, nil
}

// MergeFields накладывает поля overlay поверх base (shallow merge по верхнему
// уровню JSON-объекта). Используется при coalescing повторных правок и при
// слиянии create-снимка с последующим update-диффом.
func MergeFields(base, overlay json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}

	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("failed to parse base payload: %w", err)
		}
	}

	overlayFields := map[string]json.RawMessage{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayFields); err != nil {
			return nil, fmt.Errorf("failed to parse overlay payload: %w", err)
		}
	}

	// Поля overlay выигрывают у полей base
	for field, value := range overlayFields {
		merged[field] = value
	}

	result, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return result, nil
}
