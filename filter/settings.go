package filter

import (
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"facemask/face"
	"facemask/mask"
	"facemask/video/source"
)

// DefaultDetectWidth is the width frames are downscaled to before detection.
const DefaultDetectWidth = 640

// Settings are the host-editable properties of a filter instance.
type Settings struct {
	MaskFile string

	DemoMode     bool
	DemoFolder   string
	DemoInterval time.Duration
	DemoDelay    time.Duration

	DrawMask      bool
	DrawFaces     bool
	DrawMorphTris bool
	DrawFDRect    bool

	// PreviewMode draws the mask on a stand-in face in the middle of the
	// frame, so a mask can be checked with nobody in view.
	PreviewMode bool
	// GreenScreen replaces the video with pure green under the mask, for
	// chroma keying downstream.
	GreenScreen bool

	Disabled    bool
	DetectWidth int
}

func Defaults() Settings {
	return Settings{
		DemoInterval: mask.DefaultDemoInterval,
		DemoDelay:    mask.DefaultDemoDelay,
		DrawMask:     true,
		DetectWidth:  DefaultDetectWidth,
	}
}

func (s Settings) validate() error {
	if s.DetectWidth <= 0 {
		return fmt.Errorf("detect width must be positive, got %d", s.DetectWidth)
	}
	if s.DemoInterval <= 0 {
		return fmt.Errorf("demo interval must be positive, got %v", s.DemoInterval)
	}
	if s.DemoDelay < 0 {
		return fmt.Errorf("demo delay must not be negative, got %v", s.DemoDelay)
	}
	return nil
}

// demoFolder is the folder demo mode should have loaded, or "" for none.
func (s Settings) demoFolder() string {
	if !s.DemoMode {
		return ""
	}
	return s.DemoFolder
}

// Instance is the capability set the host drives once per frame.
type Instance interface {
	ID() string
	Update(s Settings)
	Settings() Settings
	Activate()
	Deactivate()
	Show()
	Hide()
	Tick(dt time.Duration)
	Render(in source.Image, out *gocv.Mat)
	Size() image.Point
	Status() Status
	Close()
}

// Descriptor describes a filter type to the host.
type Descriptor struct {
	ID       string
	Name     string
	Defaults func() Settings
	Create   func(s Settings, engine face.Engine, opts Options) (Instance, error)
}

// FaceMask is the face mask filter descriptor.
var FaceMask = Descriptor{
	ID:       "face_mask_filter",
	Name:     "Face Masks",
	Defaults: Defaults,
	Create: func(s Settings, engine face.Engine, opts Options) (Instance, error) {
		f, err := New(s, engine, opts)
		if err != nil {
			return nil, err
		}
		return f, nil
	},
}
