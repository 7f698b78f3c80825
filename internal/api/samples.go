package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/store"
)

// ErrInvalidSample is returned for malformed ingested samples.
var ErrInvalidSample = errors.New("invalid sample")

const maxSamplesPerRequest = 1000

// SampleInput is one ingested measurement.
type SampleInput struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	DataType  string          `json:"data_type"`
	Value     decimal.Decimal `json:"value"`
	Unit      string          `json:"unit"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	SourceApp string          `json:"source_app"`
}

// IngestRequest is the JSON body for POST /api/v1/samples.
type IngestRequest struct {
	Samples []SampleInput `json:"samples"`
}

func (in SampleInput) toModel() (model.Sample, error) {
	switch {
	case in.UserID == "":
		return model.Sample{}, fmt.Errorf("%w: user_id is required", ErrInvalidSample)
	case in.DataType == "":
		return model.Sample{}, fmt.Errorf("%w: data_type is required", ErrInvalidSample)
	case in.Value.IsNegative():
		return model.Sample{}, fmt.Errorf("%w: negative value %s", ErrInvalidSample, in.Value)
	case in.StartTime.IsZero() || in.EndTime.IsZero():
		return model.Sample{}, fmt.Errorf("%w: start_time and end_time are required", ErrInvalidSample)
	case in.EndTime.Before(in.StartTime):
		return model.Sample{}, fmt.Errorf("%w: end_time before start_time", ErrInvalidSample)
	}
	id := in.ID
	if id == "" {
		id = store.NewID()
	}
	return model.Sample{
		ID:        id,
		UserID:    in.UserID,
		DataType:  in.DataType,
		Value:     in.Value,
		Unit:      in.Unit,
		StartTime: in.StartTime.UTC(),
		EndTime:   in.EndTime.UTC(),
		SourceApp: in.SourceApp,
	}, nil
}

// IngestSamples handles POST /api/v1/samples
// The batch is rejected as a whole if any sample is malformed.
func (h *Handler) IngestSamples(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Samples) == 0 || len(req.Samples) > maxSamplesPerRequest {
		writeErr(w, r, fmt.Errorf("%w: batch must hold 1 to %d samples", ErrInvalidSample, maxSamplesPerRequest))
		return
	}

	samples := make([]model.Sample, 0, len(req.Samples))
	for i, in := range req.Samples {
		s, err := in.toModel()
		if err != nil {
			writeErr(w, r, fmt.Errorf("sample %d: %w", i, err))
			return
		}
		samples = append(samples, s)
	}
	if err := h.store.AppendSamples(r.Context(), samples); err != nil {
		writeErr(w, r, err)
		return
	}

	log.Ctx(r.Context()).Debug().Int("count", len(samples)).Msg("samples ingested")
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(samples)})
}
