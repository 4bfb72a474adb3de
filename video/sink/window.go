package sink

import (
	"gocv.io/x/gocv"

	"facemask/video/source"
)

// Window is a local preview. It must be driven from the main goroutine.
type Window struct {
	window  *gocv.Window
	sizeSet bool
}

func NewWindow(name string) *Window {
	return &Window{
		window: gocv.NewWindow(name),
	}
}

func (w *Window) Put(input source.Image) {
	if input.Mat.Empty() {
		return
	}
	if !w.sizeSet {
		w.window.ResizeWindow(input.Mat.Cols(), input.Mat.Rows())
		w.sizeSet = true
	}
	w.window.IMShow(input.Mat)
	w.window.WaitKey(1)
}

func (w *Window) Close() {
	w.window.Close()
}
