package sim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/natefinch/atomic"

	"github.com/tallyapp/tally/pkg/syncstore"
)

// Report is a point-in-time dump of the session's cache state, written for
// inspecting what the stores hold after a scripted run.
type Report struct {
	SessionID   string        `json:"session_id"`
	GeneratedAt string        `json:"generated_at"`
	Stores      []StoreReport `json:"stores"`
}

// StoreReport describes one registered store.
type StoreReport struct {
	Signature  string             `json:"signature"`
	EntityType string             `json:"entity_type"`
	TotalCount int                `json:"total_count"`
	Version    uint64             `json:"version"`
	HasMore    bool               `json:"has_more"`
	Items      []syncstore.Record `json:"items"`
}

// WriteReport dumps every registered store to path. The write is atomic so a
// crash mid-dump never leaves a torn report behind.
func (s *Session) WriteReport(path string) error {
	report := Report{
		SessionID:   s.ID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	for _, entityType := range EntityTypes {
		s.client.Registry().ForEachStore(entityType, func(h *syncstore.Handle) {
			snap := h.Store().Snapshot()

			report.Stores = append(report.Stores, StoreReport{
				Signature:  h.Signature().String(),
				EntityType: entityType,
				TotalCount: snap.TotalCount,
				Version:    snap.Version,
				HasMore:    snap.HasMore,
				Items:      snap.Items,
			})
		})
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	err = atomic.WriteFile(path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}

	return nil
}
