// Package detector is the HTTP client for the worker's inference sidecar.
// The sidecar owns the model; this package owns the contract: the JPEG goes
// up as the request body, boxes come back as JSON, and class indices are
// resolved against the hazard vocabulary before the results travel to the
// coordinator.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/evacnet/guardian-worker/internal/config"
	"github.com/evacnet/guardian-worker/internal/transport"
)

// classNames is the classifier vocabulary. Order matters: class indices in
// the sidecar's reply refer to positions in this list, and the coordinator
// keys its alert rules on these exact labels.
var classNames = []string{
	"Fire",
	"Smoke",
	"Flood",
	"Falling Debris",
	"Landslide",
	"Explosion",
	"Collapsed Structure",
	"Industrial Accident",
}

// Client calls an inference sidecar over HTTP. It implements
// [transport.Detector] and is safe for concurrent use.
type Client struct {
	endpoint   string
	confidence float64
	http       *http.Client
}

// New builds a sidecar client from the detector configuration. The
// configured timeout bounds each Detect call end to end.
func New(cfg config.DetectorConfig) *Client {
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		confidence: cfg.Confidence,
		http:       &http.Client{Timeout: cfg.Timeout},
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

// Detect posts frame to the sidecar's /detect and returns the labelled
// detections at or above the configured confidence floor.
func (c *Client) Detect(ctx context.Context, frame []byte) ([]transport.Detection, error) {
	u := c.endpoint + "/detect?conf=" + url.QueryEscape(strconv.FormatFloat(c.confidence, 'f', -1, 64))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("detector: build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector: detect call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detector: detect returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var out sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("detector: decode detect response: %w", err)
	}

	detections := make([]transport.Detection, 0, len(out.Boxes))
	for _, b := range out.Boxes {
		if b.Confidence < c.confidence {
			continue
		}
		detections = append(detections, transport.Detection{
			Class:      className(b.ClassID),
			Confidence: b.Confidence,
			BBox:       []float64{b.BBox[0], b.BBox[1], b.BBox[2], b.BBox[3]},
			ClassID:    b.ClassID,
		})
	}
	return detections, nil
}

// className resolves a class index to its vocabulary name.
func className(id int) string {
	if id >= 0 && id < len(classNames) {
		return classNames[id]
	}
	return "Hazard"
}
