package traces

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/shugo/internal/compress"
	"github.com/ashita-ai/shugo/internal/model"
)

// payload holds the large, sensitive fields of a trace. They are stored apart
// from the searchable metadata and encoded per the tenant's storage mode.
type payload struct {
	Input          string        `json:"input,omitempty"`
	Output         string        `json:"output,omitempty"`
	RedactedPrompt string        `json:"redacted_prompt,omitempty"`
	Steps          []stepPayload `json:"steps,omitempty"`
}

type stepPayload struct {
	Index  int    `json:"index"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

func (p payload) empty() bool {
	return p.Input == "" && p.Output == "" && p.RedactedPrompt == "" && len(p.Steps) == 0
}

// encodeRecord splits t into metadata and an encoded payload.
func encodeRecord(t model.Trace, mode model.StorageMode) (model.TraceRecord, error) {
	var p payload
	meta := t
	meta.Input, meta.Output, meta.RedactedPrompt = "", "", ""
	meta.Steps = slices.Clone(t.Steps)

	p.Input, p.Output, p.RedactedPrompt = t.Input, t.Output, t.RedactedPrompt
	for i, s := range meta.Steps {
		if s.Input != "" || s.Output != "" {
			p.Steps = append(p.Steps, stepPayload{Index: s.Index, Input: s.Input, Output: s.Output})
		}
		meta.Steps[i].Input, meta.Steps[i].Output = "", ""
	}

	rec := model.TraceRecord{Trace: meta, PayloadEncoding: model.PayloadNone}
	if p.empty() || mode == model.StorageMetadataOnly {
		return rec, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return model.TraceRecord{}, fmt.Errorf("traces: encode payload: %w", err)
	}
	switch mode {
	case model.StorageCompressed:
		rec.PayloadEncoding, rec.Payload = model.PayloadZstd, compress.Zstd(raw)
	default:
		rec.PayloadEncoding, rec.Payload = model.PayloadJSON, raw
	}
	return rec, nil
}

// decodeRecord reassembles a trace from its stored form.
func decodeRecord(rec model.TraceRecord) (model.Trace, error) {
	t := rec.Trace
	var raw []byte
	switch rec.PayloadEncoding {
	case "", model.PayloadNone:
		return t, nil
	case model.PayloadJSON:
		raw = rec.Payload
	case model.PayloadZstd:
		var err error
		if raw, err = compress.Unzstd(rec.Payload); err != nil {
			return model.Trace{}, fmt.Errorf("traces: decode payload of %s: %w", t.ID, err)
		}
	default:
		return model.Trace{}, fmt.Errorf("traces: unknown payload encoding %q on %s", rec.PayloadEncoding, t.ID)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Trace{}, fmt.Errorf("traces: decode payload of %s: %w", t.ID, err)
	}
	t.Input, t.Output, t.RedactedPrompt = p.Input, p.Output, p.RedactedPrompt
	if len(p.Steps) > 0 {
		t.Steps = slices.Clone(t.Steps)
		byIndex := make(map[int]stepPayload, len(p.Steps))
		for _, sp := range p.Steps {
			byIndex[sp.Index] = sp
		}
		for i := range t.Steps {
			if sp, ok := byIndex[t.Steps[i].Index]; ok {
				t.Steps[i].Input, t.Steps[i].Output = sp.Input, sp.Output
			}
		}
	}
	return t, nil
}

func decodeAll(recs []model.TraceRecord) ([]model.Trace, error) {
	out := make([]model.Trace, 0, len(recs))
	for _, rec := range recs {
		t, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// sampledIn reports whether id falls inside the kept fraction rate. The
// decision depends only on the id, so retries of the same trace agree.
func sampledIn(id uuid.UUID, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return float64(h.Sum64())/float64(math.MaxUint64) < rate
}

// keep applies a retention policy's sampling strategy to a finalized trace.
func keep(p model.RetentionPolicy, t model.Trace) (bool, string) {
	switch p.Sampling {
	case model.SamplingErrorsOnly:
		if t.Status != model.TraceError {
			return false, "sampling errors_only drops successful traces"
		}
	case model.SamplingSampled:
		if !sampledIn(t.ID, p.SampleRate) {
			return false, fmt.Sprintf("not selected by sampling at rate %.2f", p.SampleRate)
		}
	}
	return true, ""
}
