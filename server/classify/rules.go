package classify

import (
	"fmt"
)

// CanonicalClass is one of the fixed output object categories.
// Raw detector labels are mapped onto these before anything is counted
// or persisted.
type CanonicalClass string

const (
	ClassCar    CanonicalClass = "car"
	ClassTruck  CanonicalClass = "truck"
	ClassPerson CanonicalClass = "person"
	ClassDeer   CanonicalClass = "deer"
)

// CanonicalClasses lists every legal output class
var CanonicalClasses = []CanonicalClass{ClassCar, ClassTruck, ClassPerson, ClassDeer}

func IsCanonicalClass(c CanonicalClass) bool {
	for _, k := range CanonicalClasses {
		if k == c {
			return true
		}
	}
	return false
}

// Rule decides what happens to one raw detector label
type Rule struct {
	MapTo         CanonicalClass // Canonical class that the raw label becomes
	MinConfidence float32        // Detections below this are dropped
	SaveCrop      bool           // Persist a cropped image of the object
}

// RuleTable maps a raw detector class label to its rule.
// Raw labels with no rule are ignored entirely.
type RuleTable map[string]Rule

// Validate checks that every rule maps to a legal canonical class,
// and that thresholds are sane. Run this at load time, not per detection.
func (t RuleTable) Validate() error {
	for label, rule := range t {
		if !IsCanonicalClass(rule.MapTo) {
			return fmt.Errorf("Class rule '%v' maps to unknown canonical class '%v'", label, rule.MapTo)
		}
		if rule.MinConfidence < 0 || rule.MinConfidence > 1 {
			return fmt.Errorf("Class rule '%v' has invalid min confidence %v", label, rule.MinConfidence)
		}
	}
	return nil
}

// DefaultRules is the static production rule table.
// Several animal species collapse into "deer", and "bus" counts as "truck".
func DefaultRules() RuleTable {
	return RuleTable{
		// Vehicles
		"car":   {MapTo: ClassCar, MinConfidence: 0.25, SaveCrop: true},
		"truck": {MapTo: ClassTruck, MinConfidence: 0.25, SaveCrop: true},
		"bus":   {MapTo: ClassTruck, MinConfidence: 0.25, SaveCrop: true},

		// People
		"person": {MapTo: ClassPerson, MinConfidence: 0.25, SaveCrop: true},

		// Animals
		"dog":      {MapTo: ClassDeer, MinConfidence: 0.30, SaveCrop: true},
		"cat":      {MapTo: ClassDeer, MinConfidence: 0.35, SaveCrop: true},
		"horse":    {MapTo: ClassDeer, MinConfidence: 0.30, SaveCrop: true},
		"sheep":    {MapTo: ClassDeer, MinConfidence: 0.30, SaveCrop: true},
		"cow":      {MapTo: ClassDeer, MinConfidence: 0.30, SaveCrop: true},
		"elephant": {MapTo: ClassDeer, MinConfidence: 0.30, SaveCrop: true},
		"bear":     {MapTo: ClassDeer, MinConfidence: 0.35, SaveCrop: true},
		"zebra":    {MapTo: ClassDeer, MinConfidence: 0.30, SaveCrop: true},
		"giraffe":  {MapTo: ClassDeer, MinConfidence: 0.30, SaveCrop: true},
	}
}
