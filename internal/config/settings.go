// SPDX-License-Identifier: MIT

// Package config provides camera settings and runtime configuration for picamctld.
package config

import (
	"fmt"

	"github.com/picamctl/picamctl/internal/validate"
)

// ExposureMode selects the encoder's exposure profile.
type ExposureMode string

const (
	ExposureNormal ExposureMode = "normal"
	ExposureSport  ExposureMode = "sport"
)

// WhiteBalance selects the automatic white balance profile.
type WhiteBalance string

const (
	WBAuto         WhiteBalance = "auto"
	WBDaylight     WhiteBalance = "daylight"
	WBCloudy       WhiteBalance = "cloudy"
	WBTungsten     WhiteBalance = "tungsten"
	WBFluorescent  WhiteBalance = "fluorescent"
	WBIncandescent WhiteBalance = "incandescent"
	WBIndoor       WhiteBalance = "indoor"
)

// Resolution is a supported sensor output size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// SupportedResolutions lists the sensor modes the pipeline accepts,
// ordered lowest to highest.
var SupportedResolutions = []Resolution{
	{320, 240},
	{640, 480},
	{1280, 720},
	{1920, 1080},
}

var exposureModes = []string{string(ExposureNormal), string(ExposureSport)}

var whiteBalanceModes = []string{
	string(WBAuto), string(WBDaylight), string(WBCloudy), string(WBTungsten),
	string(WBFluorescent), string(WBIncandescent), string(WBIndoor),
}

// CameraSettings is the validated pipeline configuration record.
// It is immutable once applied to a running pipeline; changing any field
// requires a full restart.
//
// JSON keys match the persisted on-disk record.
type CameraSettings struct {
	CameraName string  `json:"camera_name"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Framerate  int     `json:"framerate"`
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Sharpness  float64 `json:"sharpness"`

	Exposure     ExposureMode `json:"exposure"`
	WhiteBalance WhiteBalance `json:"awb"`

	HFlip    bool `json:"hflip"`
	VFlip    bool `json:"vflip"`
	Rotation int  `json:"rotation"`

	// EV compensation in steps, 0 = neutral.
	EV int `json:"ev"`

	// JPEG quality used for still captures.
	SnapshotQuality int `json:"snapshot_quality"`
}

// DefaultSettings returns the documented default set used when no persisted
// record exists: 720p at a framerate the encoder sustains on low-power boards.
func DefaultSettings() CameraSettings {
	return CameraSettings{
		CameraName:      "Camera",
		Width:           1280,
		Height:          720,
		Framerate:       15,
		Brightness:      0.0,
		Contrast:        1.0,
		Saturation:      1.0,
		Sharpness:       1.0,
		Exposure:        ExposureNormal,
		WhiteBalance:    WBAuto,
		Rotation:        0,
		SnapshotQuality: 100,
	}
}

// Resolution returns the settings' width/height pair.
func (s CameraSettings) Resolution() Resolution {
	return Resolution{Width: s.Width, Height: s.Height}
}

// Unstable reports whether the resolution/framerate combination is above the
// threshold the hardware encoder sustains reliably. Such combinations are
// accepted but flagged so operators can be warned.
func (s CameraSettings) Unstable() bool {
	switch {
	case s.Width >= 1920 && s.Framerate > 30:
		return true
	case s.Width >= 1280 && s.Framerate > 60:
		return true
	}
	return false
}

// Validate checks every field against its allowed range or enum. The returned
// error is a validate.ValidationError whose First() entry names the first
// offending field.
func (s CameraSettings) Validate() error {
	v := validate.New()

	resolutionOK := false
	for _, r := range SupportedResolutions {
		if r.Width == s.Width && r.Height == s.Height {
			resolutionOK = true
			break
		}
	}
	if !resolutionOK {
		v.AddError("resolution",
			fmt.Sprintf("unsupported resolution %dx%d", s.Width, s.Height),
			s.Resolution().String())
	}

	v.Range("framerate", s.Framerate, 3, 120)
	v.FloatRange("brightness", s.Brightness, -1.0, 1.0)
	v.FloatRange("contrast", s.Contrast, 0, 2.0)
	v.FloatRange("saturation", s.Saturation, 0, 2.0)
	v.FloatRange("sharpness", s.Sharpness, 0, 2.0)
	v.OneOf("exposure", string(s.Exposure), exposureModes)
	v.OneOf("awb", string(s.WhiteBalance), whiteBalanceModes)
	v.OneOfInt("rotation", s.Rotation, []int{0, 90, 180, 270})
	v.Range("ev", s.EV, -10, 10)
	v.Range("snapshot_quality", s.SnapshotQuality, 80, 100)

	return v.Err()
}
