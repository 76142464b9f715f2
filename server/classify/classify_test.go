package classify

import (
	"fmt"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/pkg/nn"
	"github.com/stretchr/testify/require"
)

var testLabels = []string{"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog"}

func classIndex(t *testing.T, label string) int {
	for i, l := range testLabels {
		if l == label {
			return i
		}
	}
	t.Fatalf("unknown label %v", label)
	return -1
}

func newTestClassifier(t *testing.T, crops CropStore) *Classifier {
	c, err := NewClassifier(logs.NewTestingLog(t), DefaultRules(), 0.5, crops)
	require.NoError(t, err)
	return c
}

func det(class int, conf float32) nn.ObjectDetection {
	return nn.ObjectDetection{
		Class:      class,
		Confidence: conf,
		Box:        nn.Rect{X: 10, Y: 10, Width: 20, Height: 20},
	}
}

func TestClassifyCarAboveSystemConfidence(t *testing.T) {
	c := newTestClassifier(t, nil)
	r := c.Classify(1, nil, []nn.ObjectDetection{det(classIndex(t, "car"), 0.85)}, testLabels)
	require.Equal(t, 1, r.Counts.CarAbove)
	require.Equal(t, 0, r.Counts.CarBelow)
	require.True(t, r.HasObjects)
	require.Equal(t, 1, r.RawCount)
	require.Equal(t, []CanonicalClass{ClassCar}, r.ClassesSeen)
}

func TestClassifyDogMapsToDeer(t *testing.T) {
	c := newTestClassifier(t, nil)
	r := c.Classify(1, nil, []nn.ObjectDetection{det(classIndex(t, "dog"), 0.30)}, testLabels)
	require.Len(t, r.Objects, 1)
	require.Equal(t, ClassDeer, r.Objects[0].Name)
	require.Equal(t, "dog", r.Objects[0].OriginalName)
	require.Equal(t, 1, r.Counts.DeerBelow)
	require.Equal(t, 0, r.Counts.DeerAbove)
	require.False(t, r.Objects[0].AboveSystemConfidence)
}

func TestClassifyDropsBelowKeepThreshold(t *testing.T) {
	c := newTestClassifier(t, nil)
	r := c.Classify(1, nil, []nn.ObjectDetection{det(classIndex(t, "cat"), 0.20)}, testLabels)
	require.Empty(t, r.Objects)
	require.False(t, r.HasObjects)
	require.Equal(t, 0, r.Counts.Total())
	require.Equal(t, 1, r.RawCount)
}

func TestClassifyDropsUnknownLabel(t *testing.T) {
	c := newTestClassifier(t, nil)
	r := c.Classify(1, nil, []nn.ObjectDetection{det(classIndex(t, "boat"), 0.99)}, testLabels)
	require.Empty(t, r.Objects)
	require.False(t, r.HasObjects)
}

func TestClassifyExactThresholdIsKept(t *testing.T) {
	c := newTestClassifier(t, nil)
	// 0.30 is exactly the keep threshold for "dog", and 0.5 is exactly the
	// system confidence. Both must be satisfied at equality.
	r := c.Classify(1, nil, []nn.ObjectDetection{
		det(classIndex(t, "dog"), 0.30),
		det(classIndex(t, "car"), 0.50),
	}, testLabels)
	require.Len(t, r.Objects, 2)
	require.Equal(t, 1, r.Counts.DeerBelow)
	require.Equal(t, 1, r.Counts.CarAbove)
	require.True(t, r.Objects[1].AboveSystemConfidence)
}

func TestClassifySharedCanonicalBucket(t *testing.T) {
	c := newTestClassifier(t, nil)
	// "bus" and "truck" are distinct raw classes sharing the "truck" bucket
	r := c.Classify(1, nil, []nn.ObjectDetection{
		det(classIndex(t, "bus"), 0.80),
		det(classIndex(t, "truck"), 0.90),
	}, testLabels)
	require.Equal(t, 2, r.Counts.TruckAbove)
	require.Equal(t, []CanonicalClass{ClassTruck}, r.ClassesSeen)
	require.Equal(t, "bus", r.Objects[0].OriginalName)
	require.Equal(t, "truck", r.Objects[1].OriginalName)
}

func TestRuleTableValidation(t *testing.T) {
	bad := RuleTable{"llama": {MapTo: "unicorn", MinConfidence: 0.5}}
	require.Error(t, bad.Validate())

	bad = RuleTable{"car": {MapTo: ClassCar, MinConfidence: 1.5}}
	require.Error(t, bad.Validate())

	require.NoError(t, DefaultRules().Validate())

	_, err := NewClassifier(nil, RuleTable{"x": {MapTo: "y"}}, 0.5, nil)
	require.Error(t, err)
}

type fakeCropStore struct {
	keys []string
	fail bool
}

func (f *fakeCropStore) SaveCrop(key string, jpg []byte) error {
	if f.fail {
		return fmt.Errorf("store unavailable")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestClassifyCropKeys(t *testing.T) {
	img := cimg.NewImage(64, 64, cimg.PixelFormatRGB)
	store := &fakeCropStore{}
	c := newTestClassifier(t, store)
	r := c.Classify(42, img, []nn.ObjectDetection{
		det(classIndex(t, "boat"), 0.99), // dropped, but still consumes a raw index
		det(classIndex(t, "car"), 0.85),
	}, testLabels)
	require.Len(t, r.Objects, 1)
	// The kept car is the 2nd raw detection, so its crop uses index 2
	require.Equal(t, "objects/car/42_2.jpg", r.Objects[0].CropKey)
	require.Equal(t, []string{"objects/car/42_2.jpg"}, store.keys)
}

// Camera frames are not always 3-channel (RGBA decodes, gray streams).
// Crop extraction must normalize the pixel format rather than copying
// mismatched strides.
func TestClassifyCropFromRGBASource(t *testing.T) {
	img := cimg.NewImage(64, 64, cimg.PixelFormatRGBA)
	store := &fakeCropStore{}
	c := newTestClassifier(t, store)
	r := c.Classify(7, img, []nn.ObjectDetection{det(classIndex(t, "car"), 0.85)}, testLabels)
	require.Len(t, r.Objects, 1)
	require.Equal(t, "objects/car/7_1.jpg", r.Objects[0].CropKey)
	require.Equal(t, []string{"objects/car/7_1.jpg"}, store.keys)
}

func TestClassifyCropFailureDegrades(t *testing.T) {
	img := cimg.NewImage(64, 64, cimg.PixelFormatRGB)
	store := &fakeCropStore{fail: true}
	c := newTestClassifier(t, store)
	r := c.Classify(42, img, []nn.ObjectDetection{det(classIndex(t, "car"), 0.85)}, testLabels)
	// Store failure must not fail the detection
	require.Len(t, r.Objects, 1)
	require.Equal(t, "", r.Objects[0].CropKey)
	require.Equal(t, 1, r.Counts.CarAbove)
}
