package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ShareMessage reports one pool verdict
type ShareMessage struct {
	Worker        string    `json:"worker"`
	Accepted      bool      `json:"accepted"`
	Reason        string    `json:"reason,omitempty"`
	AcceptedCount uint64    `json:"accepted_count"`
	RejectedCount uint64    `json:"rejected_count"`
	Hashrate      float64   `json:"hashrate"`
	DiffFactor    float64   `json:"diff_factor"`
	ReportedAt    time.Time `json:"reported_at"`
}

// HashrateMessage reports one finished scan segment
type HashrateMessage struct {
	Worker     string    `json:"worker"`
	Device     int       `json:"device"`
	Hashes     uint64    `json:"hashes"`
	Hashrate   float64   `json:"hashrate"`
	ElapsedMs  float64   `json:"elapsed_ms"`
	ReportedAt time.Time `json:"reported_at"`
}

// Struct converts the message to a protobuf Struct for the wire
func (m *ShareMessage) Struct() (*structpb.Struct, error) {
	fields := map[string]any{
		"worker":         m.Worker,
		"accepted":       m.Accepted,
		"accepted_count": float64(m.AcceptedCount),
		"rejected_count": float64(m.RejectedCount),
		"hashrate":       m.Hashrate,
		"diff_factor":    m.DiffFactor,
		"reported_at":    m.ReportedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.Reason != "" {
		fields["reason"] = m.Reason
	}
	return structpb.NewStruct(fields)
}

// Struct converts the message to a protobuf Struct for the wire
func (m *HashrateMessage) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"worker":      m.Worker,
		"device":      float64(m.Device),
		"hashes":      float64(m.Hashes),
		"hashrate":    m.Hashrate,
		"elapsed_ms":  m.ElapsedMs,
		"reported_at": m.ReportedAt.UTC().Format(time.RFC3339Nano),
	})
}
