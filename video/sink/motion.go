package sink

import (
	"image"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camshm/video/pixel"
)

var motionLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "camshm",
	Name:      "motion_ratio",
	Help:      "Fraction of the frame classified as moving foreground.",
}, []string{"channel"})

// Motion estimates how much of each frame is moving, using background
// subtraction, and exports the result as a gauge. If a debug stream is set
// the foreground mask is sent to it.
type Motion struct {
	name  string
	debug Sink
	b     matBuilder

	d gocv.BackgroundSubtractorMOG2

	m1, m2, m3, st3 gocv.Mat
}

func NewMotion(name string, debug Sink) *Motion {
	return &Motion{
		name:  name,
		debug: debug,

		d: gocv.NewBackgroundSubtractorMOG2(),

		m1: gocv.NewMat(),
		m2: gocv.NewMat(),
		m3: gocv.NewMat(),

		st3: gocv.GetStructuringElement(gocv.MorphCross, image.Point{X: 3, Y: 3}),
	}
}

func (m *Motion) Put(frame pixel.Frame) {
	input, err := m.b.mat(frame)
	if err != nil {
		log.Errorf("Motion on %s: %v", m.name, err)
		return
	}
	defer input.Close()

	gocv.Blur(input, &m.m1, image.Point{X: 10, Y: 10})
	m.d.Apply(m.m1, &m.m2)
	// Shadows are marked 127; keep only definite foreground.
	gocv.Threshold(m.m2, &m.m3, 128, 255, gocv.ThresholdBinary)
	gocv.Erode(m.m3, &m.m3, m.st3)

	total := m.m3.Rows() * m.m3.Cols()
	if total > 0 {
		motionLevel.WithLabelValues(m.name).Set(float64(gocv.CountNonZero(m.m3)) / float64(total))
	}

	if m.debug != nil {
		m.debug.Put(pixel.Frame{
			Width:  m.m3.Cols(),
			Height: m.m3.Rows(),
			Format: pixel.GRAY8,
			Data:   m.m3.ToBytes(),
			Time:   frame.Time,
		})
	}
}

func (m *Motion) Close() {
	if m.debug != nil {
		m.debug.Close()
	}
	m.d.Close()
	m.m1.Close()
	m.m2.Close()
	m.m3.Close()
	m.st3.Close()
}
