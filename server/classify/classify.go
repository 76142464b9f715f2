package classify

import (
	"fmt"
	"sort"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/pkg/nn"
)

// Classifier turns raw detector output into the canonical, confidence-bucketed
// object taxonomy. It has no I/O of its own, apart from crop persistence,
// which goes through the narrow CropStore interface and degrades to "no crop"
// on failure.
type Classifier struct {
	log              logs.Log
	rules            RuleTable
	systemConfidence float32
	crops            CropStore
}

// CropStore persists a JPEG crop of a detected object.
// The detection never fails because a crop failed to store.
type CropStore interface {
	SaveCrop(key string, jpg []byte) error
}

// Counts are the eight per-image counters.
// "Above"/"Below" is relative to the system confidence, not the per-class
// keep threshold.
type Counts struct {
	CarAbove    int `json:"carAbove"`
	CarBelow    int `json:"carBelow"`
	TruckAbove  int `json:"truckAbove"`
	TruckBelow  int `json:"truckBelow"`
	PersonAbove int `json:"personAbove"`
	PersonBelow int `json:"personBelow"`
	DeerAbove   int `json:"deerAbove"`
	DeerBelow   int `json:"deerBelow"`
}

func (c *Counts) Add(class CanonicalClass, above bool) {
	switch class {
	case ClassCar:
		if above {
			c.CarAbove++
		} else {
			c.CarBelow++
		}
	case ClassTruck:
		if above {
			c.TruckAbove++
		} else {
			c.TruckBelow++
		}
	case ClassPerson:
		if above {
			c.PersonAbove++
		} else {
			c.PersonBelow++
		}
	case ClassDeer:
		if above {
			c.DeerAbove++
		} else {
			c.DeerBelow++
		}
	}
}

func (c Counts) Total() int {
	return c.CarAbove + c.CarBelow + c.TruckAbove + c.TruckBelow +
		c.PersonAbove + c.PersonBelow + c.DeerAbove + c.DeerBelow
}

// Object is one kept detection after mapping and bucketing
type Object struct {
	Name                  CanonicalClass `json:"name"`         // Canonical class (car, truck, person, deer)
	OriginalName          string         `json:"originalName"` // Raw detector label (eg "dog", "bus")
	Confidence            float32        `json:"confidence"`
	Box                   nn.Rect        `json:"box"`
	CropKey               string         `json:"cropKey,omitempty"` // Object-store key of the crop, or "" if none
	AboveSystemConfidence bool           `json:"aboveSystemConfidence"`
}

// Result is the classifier's complete output for one image
type Result struct {
	Counts      Counts
	Objects     []Object
	HasObjects  bool
	RawCount    int
	ClassesSeen []CanonicalClass // Sorted, unique canonical classes among kept objects
}

// NewClassifier validates the rule table and returns a ready classifier.
// crops may be nil, in which case no crops are ever persisted.
func NewClassifier(logger logs.Log, rules RuleTable, systemConfidence float32, crops CropStore) (*Classifier, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if systemConfidence < 0 || systemConfidence > 1 {
		return nil, fmt.Errorf("Invalid system confidence %v", systemConfidence)
	}
	return &Classifier{
		log:              logger,
		rules:            rules,
		systemConfidence: systemConfidence,
		crops:            crops,
	}, nil
}

// Classify processes raw detections in detector-output order.
// labels maps a detection's class index to its raw label (from the model
// config). img is the original image, used only for crop extraction; it may
// be nil, which disables crops.
func (c *Classifier) Classify(imageID int64, img *cimg.Image, raw []nn.ObjectDetection, labels []string) Result {
	result := Result{
		RawCount: len(raw),
	}
	seen := map[CanonicalClass]bool{}

	for i, det := range raw {
		label := ""
		if det.Class >= 0 && det.Class < len(labels) {
			label = labels[det.Class]
		}
		rule, ok := c.rules[label]
		if !ok {
			continue
		}
		// Exactly-equal confidence satisfies the threshold
		if det.Confidence < rule.MinConfidence {
			continue
		}
		above := det.Confidence >= c.systemConfidence
		result.Counts.Add(rule.MapTo, above)
		seen[rule.MapTo] = true

		cropKey := ""
		if rule.SaveCrop && img != nil && c.crops != nil {
			// Crop filenames use the 1-based index within the raw detection
			// list, so they remain unique even when detections are dropped.
			key := fmt.Sprintf("objects/%v/%v_%v.jpg", rule.MapTo, imageID, i+1)
			if err := c.saveCrop(key, img, det.Box); err != nil {
				c.log.Warnf("Failed to save object crop %v: %v", key, err)
			} else {
				cropKey = key
			}
		}

		result.Objects = append(result.Objects, Object{
			Name:                  rule.MapTo,
			OriginalName:          label,
			Confidence:            det.Confidence,
			Box:                   det.Box,
			CropKey:               cropKey,
			AboveSystemConfidence: above,
		})
	}

	result.HasObjects = len(result.Objects) > 0
	for class := range seen {
		result.ClassesSeen = append(result.ClassesSeen, class)
	}
	sort.Slice(result.ClassesSeen, func(i, j int) bool { return result.ClassesSeen[i] < result.ClassesSeen[j] })
	return result
}

func (c *Classifier) saveCrop(key string, img *cimg.Image, box nn.Rect) error {
	// extractCrop assumes a 3-channel source; normalize RGBA/gray inputs
	src := img.ToRGB()
	crop := extractCrop(src, box.ClampTo(src.Width, src.Height))
	if crop == nil {
		return fmt.Errorf("Empty crop region")
	}
	jpg, err := cimg.Compress(crop, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
	if err != nil {
		return err
	}
	return c.crops.SaveCrop(key, jpg)
}

// extractCrop copies the boxed region out of src into a new image.
// Returns nil if the region is degenerate.
func extractCrop(src *cimg.Image, box nn.Rect) *cimg.Image {
	if box.Width <= 0 || box.Height <= 0 {
		return nil
	}
	dst := cimg.NewImage(box.Width, box.Height, cimg.PixelFormatRGB)
	nchan := src.NChan()
	for y := 0; y < box.Height; y++ {
		srcRow := src.Pixels[(box.Y+y)*src.Stride+box.X*nchan:]
		dstRow := dst.Pixels[y*dst.Stride:]
		copy(dstRow[:box.Width*nchan], srcRow[:box.Width*nchan])
	}
	return dst
}
