package config

import (
	"errors"
	"fmt"
	"time"

	"facemask/filter"
	"facemask/mask"
)

// Config is the JSON configuration file. Fields missing from the file keep
// the values from Default.
type Config struct {
	// URI is a camera index, video file or stream URL.
	URI string
	// FPS limits the capture rate. Zero reads as fast as the source allows.
	FPS float64

	// CascadeFile is the OpenCV face cascade used for detection.
	CascadeFile string
	DetectWidth int

	MaskFile   string
	WatchMasks bool

	DemoMode        bool
	DemoFolder      string
	DemoIntervalSec float64
	DemoDelaySec    float64

	DrawMask      bool
	DrawFaces     bool
	DrawMorphTris bool
	DrawFDRect    bool

	// PreviewMode shows the mask on a stand-in face in the middle of the frame.
	PreviewMode     bool
	AutoGreenScreen bool

	Disabled bool
}

func Default() Config {
	d := filter.Defaults()
	return Config{
		URI:             "0",
		DetectWidth:     d.DetectWidth,
		WatchMasks:      true,
		DemoIntervalSec: mask.DefaultDemoInterval.Seconds(),
		DemoDelaySec:    mask.DefaultDemoDelay.Seconds(),
		DrawMask:        d.DrawMask,
	}
}

func (c *Config) Validate() error {
	if c.URI == "" {
		return errors.New("URI is required")
	}
	if c.CascadeFile == "" {
		return errors.New("CascadeFile is required")
	}
	if c.FPS < 0 {
		return fmt.Errorf("FPS must not be negative, got %v", c.FPS)
	}
	if c.DetectWidth <= 0 {
		return fmt.Errorf("DetectWidth must be positive, got %d", c.DetectWidth)
	}
	if c.DemoIntervalSec <= 0 {
		return fmt.Errorf("DemoIntervalSec must be positive, got %v", c.DemoIntervalSec)
	}
	if c.DemoDelaySec < 0 {
		return fmt.Errorf("DemoDelaySec must not be negative, got %v", c.DemoDelaySec)
	}
	if c.DemoMode && c.DemoFolder == "" {
		return errors.New("DemoMode requires DemoFolder")
	}
	return nil
}

// Settings converts the filter related fields into instance settings.
func (c *Config) Settings() filter.Settings {
	return filter.Settings{
		MaskFile:      c.MaskFile,
		DemoMode:      c.DemoMode,
		DemoFolder:    c.DemoFolder,
		DemoInterval:  seconds(c.DemoIntervalSec),
		DemoDelay:     seconds(c.DemoDelaySec),
		DrawMask:      c.DrawMask,
		DrawFaces:     c.DrawFaces,
		DrawMorphTris: c.DrawMorphTris,
		DrawFDRect:    c.DrawFDRect,
		PreviewMode:   c.PreviewMode,
		GreenScreen:   c.AutoGreenScreen,
		Disabled:      c.Disabled,
		DetectWidth:   c.DetectWidth,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
