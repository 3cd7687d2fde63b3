package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// VisionExtractor is the last-resort tier: it sends the raw document image
// to the on-prem vision endpoint and asks it to return the same field set
// every other tier would, so the fabric can slot the response in uniformly.
// No document ever leaves the premises: the endpoint is always
// config.EndpointConfig.URL, never a cloud API.
type VisionExtractor struct {
	docClass model.DocClass
	endpoint config.EndpointConfig
	client   *http.Client
}

// NewVisionExtractor builds the vision_ocr tier for one doc_class.
func NewVisionExtractor(docClass model.DocClass, endpoint config.EndpointConfig) *VisionExtractor {
	return &VisionExtractor{docClass: docClass, endpoint: endpoint, client: &http.Client{}}
}

func (*VisionExtractor) Tier() model.SourceTier { return model.TierVisionOCR }

type visionRequest struct {
	Model    string `json:"model"`
	ImageB64 string `json:"image_base64"`
	DocClass string `json:"doc_class"`
}

type visionResponse struct {
	Fields map[string]struct {
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	} `json:"fields"`
	Currency string `json:"currency"`
}

func (v *VisionExtractor) Extract(ctx context.Context, in Input) (model.ExtractedDoc, error) {
	if v.endpoint.URL == "" {
		return model.ExtractedDoc{}, ErrNoMatch
	}

	reqBody, err := json.Marshal(visionRequest{
		Model:    v.endpoint.Model,
		ImageB64: base64.StdEncoding.EncodeToString(in.Bytes),
		DocClass: string(v.docClass),
	})
	if err != nil {
		return model.ExtractedDoc{}, eris.Wrap(err, "extract: marshal vision request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint.URL, bytes.NewReader(reqBody))
	if err != nil {
		return model.ExtractedDoc{}, eris.Wrap(err, "extract: build vision request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return model.ExtractedDoc{}, eris.Wrap(err, "extract: vision endpoint call")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ExtractedDoc{}, eris.Wrap(err, "extract: read vision response")
	}
	if resp.StatusCode != http.StatusOK {
		return model.ExtractedDoc{}, eris.Errorf("extract: vision endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var vr visionResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return model.ExtractedDoc{}, eris.Wrap(err, "extract: unmarshal vision response")
	}
	if len(vr.Fields) == 0 {
		return model.ExtractedDoc{}, ErrNoMatch
	}

	fields := make(map[string]model.FieldValue, len(vr.Fields))
	for name, f := range vr.Fields {
		fields[name] = model.FieldValueOf(f.Value, f.Confidence, model.TierVisionOCR, "vision."+v.endpoint.Model)
	}

	return model.ExtractedDoc{
		BlobID:     in.BlobID,
		DocClass:   v.docClass,
		SourceTier: model.TierVisionOCR,
		Currency:   orDefault(vr.Currency, "EUR"),
		Fields:     fields,
	}, nil
}
