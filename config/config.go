package config

import (
	"errors"
	"flag"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"camshm/video/pixel"
)

// Output is an additional channel published alongside the primary one.
type Output struct {
	Name   string
	Format pixel.Format
}

// Duration reads and writes as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) Set(s string) error { return d.UnmarshalText([]byte(s)) }

type Config struct {
	Width  int
	Height int
	// BPP selects the primary output format: 8 for gray, 24 for RGB.
	BPP  int
	Freq float64

	// Name of the primary shared memory channel.
	Name string
	// Source is a V4L2 device, "opencv:<id>", "pattern:<format>" or a
	// stream address.
	Source  string
	Verbose bool

	// FormatHint is the format requested from the capture source.
	FormatHint pixel.Format `json:"Format"`
	Outputs    []Output
	// Swap publishes the primary RGB output in BGR order.
	Swap bool

	PoolSize    int
	WaitTimeout Duration
	// Timed paces the loop with a ticker at Freq instead of waiting on the
	// source.
	Timed bool

	// Port serves status, metrics and mirror streams over HTTP when non-zero.
	Port int
	// Motion exports a motion level for the primary channel and streams its
	// foreground mask as "<Name>.motion". Needs Port.
	Motion   bool
	LogLevel string
}

func Defaults() Config {
	return Config{
		Width:       640,
		Height:      480,
		BPP:         24,
		Freq:        30,
		Name:        "video0",
		Source:      "/dev/video0",
		FormatHint:  pixel.YUYV,
		PoolSize:    30,
		WaitTimeout: Duration(time.Second),
		LogLevel:    "info",
	}
}

// RegisterFlags binds command line flags to the fields of c. Flag
// defaults are the current values of c.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Width, "width", c.Width, "Frame width in pixels.")
	fs.IntVar(&c.Height, "height", c.Height, "Frame height in pixels.")
	fs.IntVar(&c.BPP, "bpp", c.BPP, "Bits per pixel of the primary output: 8 or 24.")
	fs.Float64Var(&c.Freq, "freq", c.Freq, "Capture frequency in Hz.")
	fs.StringVar(&c.Name, "name", c.Name, "Name of the shared memory channel.")
	fs.StringVar(&c.Source, "source", c.Source, "Capture source: /dev/videoN, N, opencv:<id>, pattern:<format> or a stream address.")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "Show captured frames in a window.")
	fs.TextVar(&c.FormatHint, "format", c.FormatHint, "Format requested from the source: yuyv422, mjpeg, rgb24, bgr24, i420.")
	fs.BoolVar(&c.Swap, "swap", c.Swap, "Swap red and blue in the primary output.")
	fs.IntVar(&c.PoolSize, "buffers", c.PoolSize, "Number of capture buffers.")
	fs.Var(&c.WaitTimeout, "timeout", "Longest wait for a frame; bounds shutdown latency.")
	fs.BoolVar(&c.Timed, "timed", c.Timed, "Run cycles from a ticker at -freq instead of on frame arrival.")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP port for status, metrics and mirror streams; 0 disables.")
	fs.BoolVar(&c.Motion, "motion", c.Motion, "Estimate motion on the primary channel; served with -port.")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level.")
}

// Timeout is the frame wait timeout.
func (c *Config) Timeout() time.Duration { return time.Duration(c.WaitTimeout) }

// PrimaryOutput is the channel named by Name in the format selected by
// BPP and Swap.
func (c *Config) PrimaryOutput() (Output, error) {
	f, err := pixel.FormatForBPP(c.BPP)
	if err != nil {
		return Output{}, err
	}
	if c.Swap && f == pixel.RGB24 {
		f = pixel.BGR24
	}
	return Output{Name: c.Name, Format: f}, nil
}

// AllOutputs lists the primary output followed by the extra Outputs.
func (c *Config) AllOutputs() ([]Output, error) {
	p, err := c.PrimaryOutput()
	if err != nil {
		return nil, err
	}
	return append([]Output{p}, c.Outputs...), nil
}

func validName(n string) bool {
	n = strings.TrimPrefix(n, "/")
	return n != "" && n != "." && n != ".." && !strings.Contains(n, "/")
}

func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Width <= 0 || c.Height <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("width and height must be positive; found %dx%d", c.Width, c.Height))
	}
	if _, err := pixel.FormatForBPP(c.BPP); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Freq <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("frequency must be larger than 0; found %v", c.Freq))
	}
	if c.FormatHint == pixel.FormatUnknown {
		errs = multierror.Append(errs, errors.New("source format must be set"))
	}
	if c.PoolSize < 2 {
		errs = multierror.Append(errs, fmt.Errorf("at least 2 capture buffers are needed; found %d", c.PoolSize))
	}
	if t := c.Timeout(); t <= 0 || t > time.Second {
		errs = multierror.Append(errs, fmt.Errorf("timeout must be in (0, 1s]; found %v", t))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Motion && c.Port == 0 {
		errs = multierror.Append(errs, fmt.Errorf("motion estimation is only served over HTTP; set a port"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}

	seen := map[string]bool{}
	outputs := append([]Output{{Name: c.Name, Format: pixel.RGB24}}, c.Outputs...)
	for _, o := range outputs {
		if !validName(o.Name) {
			errs = multierror.Append(errs, fmt.Errorf("invalid channel name %q", o.Name))
			continue
		}
		key := strings.TrimPrefix(o.Name, "/")
		if seen[key] {
			errs = multierror.Append(errs, fmt.Errorf("channel %q is configured twice", o.Name))
		}
		seen[key] = true
		switch {
		case o.Format == pixel.FormatUnknown || o.Format == pixel.MJPEG:
			errs = multierror.Append(errs, fmt.Errorf("channel %q: cannot publish %v", o.Name, o.Format))
		case o.Format.Subsampled420() && (c.Width%2 != 0 || c.Height%2 != 0):
			errs = multierror.Append(errs, fmt.Errorf("channel %q: %v needs even dimensions; found %dx%d", o.Name, o.Format, c.Width, c.Height))
		}
	}
	return errs.ErrorOrNil()
}

// RestartRequired names the fields that differ between old and new and only
// take effect on restart. LogLevel is applied live.
func RestartRequired(old, new *Config) []string {
	ov, nv := reflect.ValueOf(*old), reflect.ValueOf(*new)
	var changed []string
	for i := 0; i < ov.NumField(); i++ {
		name := ov.Type().Field(i).Name
		if name == "LogLevel" {
			continue
		}
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			changed = append(changed, name)
		}
	}
	return changed
}
