package sink

import (
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camshm/video/pixel"
)

// Window shows frames in an OpenCV window with a timestamp overlay.
type Window struct {
	name    string
	window  *gocv.Window
	sizeSet bool
	b       matBuilder
}

func NewWindow(name string) *Window {
	return &Window{
		name:   name,
		window: gocv.NewWindow(name),
	}
}

func (w *Window) Put(frame pixel.Frame) {
	img, err := w.b.mat(frame)
	if err != nil {
		log.Errorf("Cannot display %v in window %s: %v", frame, w.name, err)
		return
	}
	defer img.Close()
	DrawTimestamp(w.name, frame.Time, &img)

	if !w.sizeSet {
		w.window.ResizeWindow(img.Cols(), img.Rows())
		w.sizeSet = true
	}
	w.window.IMShow(img)
	w.window.WaitKey(1)
}

func (w *Window) Close() {
	w.window.Close()
}
