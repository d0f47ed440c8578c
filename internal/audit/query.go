package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/storage"
)

// ExportFormat selects the serialization of Export.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// csvHeader is the fixed export column order.
var csvHeader = []string{
	"id", "eventType", "timestamp", "actorId", "actorType",
	"targetId", "targetType", "result", "realmId", "sessionId", "metadata",
}

// Query returns matching rows ordered by descending timestamp.
func (p *Pipeline) Query(ctx context.Context, f storage.AuditFilter) ([]storage.AuditEvent, error) {
	f.Realm = p.realm
	return p.store.QueryAuditEvents(ctx, f)
}

// Count returns the number of rows the filter matches, ignoring limit and
// offset.
func (p *Pipeline) Count(ctx context.Context, f storage.AuditFilter) (int, error) {
	f.Realm = p.realm
	return p.store.CountAuditEvents(ctx, f)
}

type exportRow struct {
	ID         uuid.UUID      `json:"id"`
	EventType  string         `json:"eventType"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    string         `json:"actorId"`
	ActorType  string         `json:"actorType"`
	TargetID   string         `json:"targetId"`
	TargetType string         `json:"targetType"`
	Result     string         `json:"result"`
	RealmID    string         `json:"realmId"`
	SessionID  string         `json:"sessionId"`
	Metadata   map[string]any `json:"metadata"`
}

func toExportRow(e storage.AuditEvent) exportRow {
	return exportRow{
		ID:         e.ID,
		EventType:  e.EventType,
		Timestamp:  e.Timestamp,
		ActorID:    uuidOrEmpty(e.ActorID),
		ActorType:  string(e.ActorType),
		TargetID:   uuidOrEmpty(e.TargetID),
		TargetType: e.TargetType,
		Result:     string(e.Result),
		RealmID:    e.Realm,
		SessionID:  uuidOrEmpty(e.SessionID),
		Metadata:   e.Metadata,
	}
}

func uuidOrEmpty(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// Export serializes the matching rows. JSON is a pretty-printed array; CSV
// carries the fixed header with the metadata column JSON-encoded.
func (p *Pipeline) Export(ctx context.Context, f storage.AuditFilter, format ExportFormat) ([]byte, error) {
	events, err := p.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	rows := make([]exportRow, len(events))
	for i, e := range events {
		rows[i] = toExportRow(e)
	}

	switch format {
	case ExportJSON:
		return json.MarshalIndent(rows, "", "  ")
	case ExportCSV:
		return exportCSV(rows)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func exportCSV(rows []exportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range rows {
		metadata, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, err
		}
		record := []string{
			r.ID.String(), r.EventType, r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.ActorID, r.ActorType, r.TargetID, r.TargetType,
			r.Result, r.RealmID, r.SessionID, string(metadata),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// CleanupOlderThan removes rows with timestamp strictly before the cutoff. A
// row exactly at the cutoff is kept.
func (p *Pipeline) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return p.store.DeleteAuditEventsBefore(ctx, p.realm, cutoff)
}

// CleanupOldAuditLogs applies the realm's retention period.
func (p *Pipeline) CleanupOldAuditLogs(ctx context.Context) (int, error) {
	return p.CleanupOlderThan(ctx, p.clock.Now().Add(-p.cfg.RetentionPeriod))
}
