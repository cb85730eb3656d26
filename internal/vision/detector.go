// Package vision owns the per-camera frame pipeline: MJPEG acquisition with
// reopen-on-failure, interleaved remote-dispatch vs local-inference
// scheduling, detection fan-in to the state store, and annotated-frame slots
// the API relays as MJPEG.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Box is one local-inference output in source-frame pixels. ClassID indexes
// the fixed hazard vocabulary.
type Box struct {
	ClassID    int
	Confidence float64
	X1, Y1     float64
	X2, Y2     float64
}

// Detector runs object detection on one JPEG frame. Implementations must be
// safe for concurrent use; each camera loop calls Detect independently.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte, minConfidence float64) ([]Box, error)
}

const detectTimeout = 2 * time.Second

// HTTPDetector calls an inference sidecar over HTTP: the JPEG goes up as the
// request body, boxes come back as JSON. The model itself stays a black box
// behind this contract.
type HTTPDetector struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDetector builds a client for the sidecar at endpoint, e.g.
// "http://127.0.0.1:5001".
func NewHTTPDetector(endpoint string) *HTTPDetector {
	return &HTTPDetector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: detectTimeout},
	}
}

// sidecarResponse mirrors the sidecar's detect reply.
type sidecarResponse struct {
	Boxes []struct {
		ClassID    int        `json:"class_id"`
		Confidence float64    `json:"confidence"`
		BBox       [4]float64 `json:"bbox"`
	} `json:"boxes"`
}

// Detect posts frame to the sidecar's /detect and returns the boxes at or
// above minConfidence.
func (d *HTTPDetector) Detect(ctx context.Context, frame []byte, minConfidence float64) ([]Box, error) {
	u := d.endpoint + "/detect?conf=" + url.QueryEscape(strconv.FormatFloat(minConfidence, 'f', -1, 64))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("vision: build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: detect call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vision: detect returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var out sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vision: decode detect response: %w", err)
	}

	boxes := make([]Box, 0, len(out.Boxes))
	for _, b := range out.Boxes {
		if b.Confidence < minConfidence {
			continue
		}
		boxes = append(boxes, Box{
			ClassID:    b.ClassID,
			Confidence: b.Confidence,
			X1:         b.BBox[0],
			Y1:         b.BBox[1],
			X2:         b.BBox[2],
			Y2:         b.BBox[3],
		})
	}
	return boxes, nil
}
