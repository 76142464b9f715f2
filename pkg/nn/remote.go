package nn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/roadwatch/roadwatch/pkg/requests"
)

// RemoteDetector talks to an inference sidecar over HTTP.
// The sidecar owns the model weights and the device (CPU/accelerator), which
// are chosen when the sidecar process starts. One RemoteDetector is created
// per worker process and reused for every detection.
type RemoteDetector struct {
	baseUrl string
	client  *http.Client
	config  *ModelConfig
}

type remoteDetectResponse struct {
	Objects []ObjectDetection `json:"objects"`
}

// NewRemoteDetector connects to the inference service at baseUrl and fetches
// the model config. The config is fetched once and assumed constant thereafter.
func NewRemoteDetector(baseUrl string, timeout time.Duration) (*RemoteDetector, error) {
	config, err := requests.RequestJSON[ModelConfig]("GET", baseUrl+"/api/model", nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to fetch model config from %v: %w", baseUrl, err)
	}
	return &RemoteDetector{
		baseUrl: baseUrl,
		client:  &http.Client{Timeout: timeout},
		config:  config,
	}, nil
}

func (d *RemoteDetector) Close() {
	d.client.CloseIdleConnections()
}

func (d *RemoteDetector) Config() *ModelConfig {
	return d.config
}

func (d *RemoteDetector) DetectObjects(img *cimg.Image, params *DetectionParams) ([]ObjectDetection, error) {
	if params == nil {
		params = NewDetectionParams()
	}
	jpg, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, 90, 0))
	if err != nil {
		return nil, fmt.Errorf("Failed to encode image for inference: %w", err)
	}
	url := fmt.Sprintf("%v/api/detect?threshold=%.3f", d.baseUrl, params.ProbabilityThreshold)
	req, err := http.NewRequest("POST", url, bytes.NewReader(jpg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Inference service error %v: %v", resp.Status, string(msg))
	}
	result := remoteDetectResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("Failed to decode inference response: %w", err)
	}
	return result.Objects, nil
}
