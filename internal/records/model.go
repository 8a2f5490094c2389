package records

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/softdelete"
)

// jsonAttributes stores a record's attributes in a jsonb column.
type jsonAttributes map[string]any

func (a jsonAttributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(a))
}

func (a *jsonAttributes) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = jsonAttributes{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("records: cannot scan %T into attributes", src)
	}
	out := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*a = out
	return nil
}

type recordModel struct {
	ID         string         `gorm:"column:id;primaryKey"`
	TenantID   string         `gorm:"column:tenant_id"`
	OwnerID    string         `gorm:"column:owner_id"`
	Kind       string         `gorm:"column:kind"`
	Code       string         `gorm:"column:code"`
	Name       string         `gorm:"column:name"`
	Attributes jsonAttributes `gorm:"column:attributes;type:jsonb"`
	DeletedAt  *time.Time     `gorm:"column:deleted_at"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (recordModel) TableName() string {
	return "records"
}

func recordModelFromEntity(r Record) recordModel {
	return recordModel{
		ID:         r.ID,
		TenantID:   r.TenantID,
		OwnerID:    r.OwnerID,
		Kind:       r.Kind,
		Code:       r.Code,
		Name:       r.Name,
		Attributes: jsonAttributes(r.Attributes),
		DeletedAt:  r.State.Ptr(),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (m recordModel) toEntity() Record {
	attrs := map[string]any(m.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	return Record{
		ID:         m.ID,
		TenantID:   m.TenantID,
		OwnerID:    m.OwnerID,
		Kind:       m.Kind,
		Code:       m.Code,
		Name:       m.Name,
		Attributes: attrs,
		State:      softdelete.FromPtr(m.DeletedAt),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func toRecordEntities(rows []recordModel) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out
}

type auditModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	ActorID    string    `gorm:"column:actor_id"`
	Action     string    `gorm:"column:action"`
	EntityType string    `gorm:"column:entity_type"`
	EntityID   string    `gorm:"column:entity_id"`
	Outcome    string    `gorm:"column:outcome"`
	Reason     string    `gorm:"column:reason"`
	RequestID  string    `gorm:"column:request_id"`
	OccurredAt time.Time `gorm:"column:occurred_at"`
}

func (auditModel) TableName() string {
	return "audit_log"
}

func auditModelFromEntry(e audit.Entry) auditModel {
	return auditModel{
		ID:         e.ID,
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Outcome:    string(e.Outcome),
		Reason:     e.Reason,
		RequestID:  e.RequestID,
		OccurredAt: e.OccurredAt,
	}
}
