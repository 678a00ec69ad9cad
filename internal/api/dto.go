package api

import (
	"time"

	"github.com/samcharles93/anvil/pkg/kernel"
)

// OperatorResource is the wire form of one cached operator record.
type OperatorResource struct {
	ID           string        `json:"id"`
	Object       string        `json:"object"`
	CreatedAt    time.Time     `json:"created_at"`
	Engine       string        `json:"engine"`
	Target       string        `json:"target"`
	Bits         int           `json:"bits"`
	SourceFormat string        `json:"source_format"`
	Config       kernel.Config `json:"config"`
}

func operatorResource(rec kernel.Record) OperatorResource {
	return OperatorResource{
		ID:           rec.ID,
		Object:       "operator",
		CreatedAt:    rec.CreatedAt,
		Engine:       rec.Engine,
		Target:       rec.Target,
		Bits:         rec.Bits,
		SourceFormat: rec.SourceFormat,
		Config:       rec.Config,
	}
}

// OperatorList is the envelope for the operator collection.
type OperatorList struct {
	Object string             `json:"object"`
	Data   []OperatorResource `json:"data"`
}

// TuneRequest asks the cache for an operator, building and tuning it on a
// miss. An empty target selects the server's own hardware target.
type TuneRequest struct {
	Config kernel.Config `json:"config"`
	Target string        `json:"target,omitempty"`
}

// TargetResponse reports the hardware target the server resolves against.
type TargetResponse struct {
	Target string `json:"target"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string `json:"status"`
}
