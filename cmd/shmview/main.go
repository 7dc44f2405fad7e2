// Command shmview attaches to a frame channel and follows its updates,
// optionally showing the frames in a window.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"camshm/util"
	"camshm/video/pixel"
	"camshm/video/shm"
	"camshm/video/sink"
)

var (
	name    = flag.String("name", "video0", "Channel to read.")
	width   = flag.Int("width", 640, "Frame width in pixels.")
	height  = flag.Int("height", 480, "Frame height in pixels.")
	bpp     = flag.Int("bpp", 24, "Bits per pixel of the channel, 8 or 24.")
	format  = flag.String("format", "", "Pixel format of the channel; overrides -bpp.")
	verbose = flag.Bool("verbose", false, "Show frames in a window.")
	timeout = flag.Duration("timeout", time.Second, "Wait for updates at most this long before checking for shutdown.")
)

// follow reads every update of c until cancelled or the segment goes away,
// passing each frame to fn. Updates published faster than they are read are
// skipped; the number skipped is logged.
func follow(cancel *util.Cancellation, c *shm.Channel, f pixel.Format, w, h int, fn func(pixel.Frame, shm.Header)) error {
	buf := make([]byte, c.Capacity())
	var last uint64
	for !cancel.Cancelled() {
		gen, err := c.WaitForUpdate(last, *timeout)
		if errors.Is(err, shm.ErrTimeout) {
			if _, err := os.Stat(c.Path()); errors.Is(err, os.ErrNotExist) {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		hdr, err := c.Read(buf)
		if err != nil {
			return err
		}
		if last > 0 && hdr.Generation > last+1 {
			log.Debugf("Skipped %d frames", hdr.Generation-last-1)
		}
		last = gen
		if hdr.Generation > last {
			last = hdr.Generation
		}
		fn(pixel.Frame{Width: w, Height: h, Format: f, Data: buf, Time: hdr.Timestamp.Time()}, hdr)
	}
	return nil
}

func main() {
	flag.Parse()

	f, err := pixel.FormatForBPP(*bpp)
	if err != nil {
		log.Fatalf("Invalid -bpp: %v", err)
	}
	if *format != "" {
		if f, err = pixel.ParseFormat(*format); err != nil {
			log.Fatalf("Invalid -format: %v", err)
		}
	}
	size := pixel.FrameSize(f, *width, *height)

	cancel := util.NewCancellation()
	stop := cancel.NotifyOnSignal(syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, done := context.WithCancel(context.Background())
	go func() {
		cancel.Wait()
		done()
	}()

	var window *sink.Window
	if *verbose {
		window = sink.NewWindow(*name)
		defer window.Close()
	}

	for !cancel.Cancelled() {
		c, err := shm.AttachWhenReady(ctx, *name)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Fatalf("Failed to attach: %v", err)
		}
		if c.Capacity() != size {
			c.Close()
			log.Fatalf("Channel %s holds %d bytes per frame; %dx%d %v needs %d", *name, c.Capacity(), *width, *height, f, size)
		}
		log.Infof("Attached to %s (%d readers)", c.Path(), c.Readers())

		err = follow(cancel, c, f, *width, *height, func(frame pixel.Frame, h shm.Header) {
			log.Infof("Frame %d at %v", h.Generation, h.Timestamp)
			if window != nil {
				window.Put(frame)
			}
		})
		if cerr := c.Close(); cerr != nil {
			log.Warnf("Detach: %v", cerr)
		}
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			log.Infof("Writer went away; waiting for %s to reappear", *name)
		default:
			log.Fatalf("Reading %s: %v", *name, err)
		}
	}
}
