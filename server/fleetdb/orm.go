package fleetdb

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// State is the top of the administrative hierarchy.
// IsActive gates which cameras the capture scheduler will touch; it says
// nothing about camera connectivity.
type State struct {
	BaseModel
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	Abbreviation string `json:"abbreviation"`
	IsActive     bool   `json:"isActive"`
}

type City struct {
	BaseModel
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Timezone string `json:"timezone" gorm:"default:null"`
	StateID  int64  `json:"stateID"`
	State    *State `json:"-" gorm:"foreignKey:StateID"`
}

type Road struct {
	BaseModel
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	IsInterstate bool   `json:"isInterstate"`
}

// Camera is administered externally. The capture pipeline only ever mutates
// LastConnectionStatus, after every capture attempt.
type Camera struct {
	BaseModel
	Name                 string  `json:"name"`
	Slug                 string  `json:"slug"`
	URL                  string  `json:"url"` // Capture source locator (HLS playlist or still snapshot URL)
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	LastConnectionStatus bool    `json:"lastConnectionStatus"`
	CityID               int64   `json:"cityID"`
	RoadID               int64   `json:"roadID" gorm:"default:null"`
	City                 *City   `json:"-" gorm:"foreignKey:CityID"`
	Road                 *Road   `json:"-" gorm:"foreignKey:RoadID"`
}

// CapturedImage is created by a capture unit on successful capture, and then
// mutated exactly once by a detection unit (counters + DetectedAt + flag).
// State/City/Road are denormalized from the owning camera for query locality.
//
// Invariant: DetectedAt is zero (NULL) ⇔ all counters are zero and no
// DetectedObject rows exist for this image.
type CapturedImage struct {
	BaseModel
	CameraID           int64       `json:"cameraID"`
	StateID            int64       `json:"stateID"`
	CityID             int64       `json:"cityID"`
	RoadID             int64       `json:"roadID" gorm:"default:null"`
	StorageKey         string      `json:"storageKey"`
	URL                string      `json:"url" gorm:"default:null"`
	Timezone           string      `json:"timezone" gorm:"default:null"`
	CapturedAt         dbh.IntTime `json:"capturedAt"`
	DetectedAt         dbh.IntTime `json:"detectedAt,omitempty" gorm:"default:null"`
	CreatedAt          dbh.IntTime `json:"createdAt"`
	CarAbove           int         `json:"carAbove"`
	CarBelow           int         `json:"carBelow"`
	TruckAbove         int         `json:"truckAbove"`
	TruckBelow         int         `json:"truckBelow"`
	PersonAbove        int         `json:"personAbove"`
	PersonBelow        int         `json:"personBelow"`
	DeerAbove          int         `json:"deerAbove"`
	DeerBelow          int         `json:"deerBelow"`
	HasDetectedObjects bool        `json:"hasDetectedObjects"`
}

// DetectedObject rows are created in a batch by a detection unit, and are
// immutable thereafter.
type DetectedObject struct {
	BaseModel
	ImageID      int64       `json:"imageID"`
	Name         string      `json:"name"`         // Canonical class (one of classify.CanonicalClasses)
	OriginalName string      `json:"originalName"` // Raw detector label
	Confidence   float32     `json:"confidence"`
	X            int         `json:"x"`
	Y            int         `json:"y"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	CropKey      string      `json:"cropKey" gorm:"default:null"` // Object-store key of the crop, or NULL
	CreatedAt    dbh.IntTime `json:"createdAt"`
}
