package types

import (
	"fmt"
	"strings"
)

// CameraState is the capture state of the session's frame source
type CameraState int

const (
	CameraPaused CameraState = iota
	CameraActive
)

func (s CameraState) String() string {
	if s == CameraActive {
		return "active"
	}
	return "paused"
}

// ScanState is whether frames are handed to the recognizer
type ScanState int

const (
	ScanScanning ScanState = iota
	ScanPaused
)

func (s ScanState) String() string {
	if s == ScanPaused {
		return "paused"
	}
	return "scanning"
}

// Orientation is a device/interface orientation
type Orientation int

const (
	OrientationPortrait Orientation = iota
	OrientationPortraitUpsideDown
	OrientationLandscapeLeft
	OrientationLandscapeRight
)

var orientationNames = map[Orientation]string{
	OrientationPortrait:           "portrait",
	OrientationPortraitUpsideDown: "portrait_upside_down",
	OrientationLandscapeLeft:      "landscape_left",
	OrientationLandscapeRight:     "landscape_right",
}

func (o Orientation) String() string {
	if name, ok := orientationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("orientation(%d)", int(o))
}

// ParseOrientation parses the config name of an orientation
func ParseOrientation(name string) (Orientation, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for o, n := range orientationNames {
		if n == name {
			return o, nil
		}
	}
	return 0, fmt.Errorf("types: unknown orientation %q", name)
}

// OrientationMask is a set of orientations
type OrientationMask uint8

// MaskOf builds a mask from orientations
func MaskOf(orientations ...Orientation) OrientationMask {
	var m OrientationMask
	for _, o := range orientations {
		m |= 1 << uint(o)
	}
	return m
}

// MaskAll contains every orientation
var MaskAll = MaskOf(
	OrientationPortrait,
	OrientationPortraitUpsideDown,
	OrientationLandscapeLeft,
	OrientationLandscapeRight,
)

// Has reports whether o is in the mask
func (m OrientationMask) Has(o Orientation) bool {
	return m&(1<<uint(o)) != 0
}

// OrientationPolicy is the construction-time rotation policy of a session
type OrientationPolicy struct {
	Autorotate bool
	Supported  OrientationMask
}

// DefaultOrientationPolicy is portrait only, without autorotation
func DefaultOrientationPolicy() OrientationPolicy {
	return OrientationPolicy{Autorotate: false, Supported: MaskOf(OrientationPortrait)}
}
