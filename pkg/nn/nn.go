package nn

import (
	"github.com/bmharper/cimg/v2"
)

// Package nn is the neural network interface layer.
// Concrete detectors (the remote inference service, test fakes) implement
// ObjectDetector. Everything above this layer works with ObjectDetection
// records and never sees the model implementation.

// DefaultProbabilityThreshold is the floor we run raw inference at.
// It is deliberately looser than any per-class keep threshold, so that
// classification (not the inference call) decides what survives.
const DefaultProbabilityThreshold = 0.20

// Results of an NN object detection run
type DetectionResult struct {
	ImageWidth  int               `json:"imageWidth"`
	ImageHeight int               `json:"imageHeight"`
	Objects     []ObjectDetection `json:"objects"`
}

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
	}
}

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close closes the detector (you MUST call this when finished with it)
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// img is expected to be 24-bit RGB.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(img *cimg.Image, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig describes the loaded NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// ClassName returns the label for a class index, or "" if out of range
func (c *ModelConfig) ClassName(class int) string {
	if class < 0 || class >= len(c.Classes) {
		return ""
	}
	return c.Classes[class]
}
