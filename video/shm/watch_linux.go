package shm

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Attach attempts while a segment is being initialized are also retried on
// this period, in case a change event is missed.
const attachRetry = 250 * time.Millisecond

// AttachWhenReady attaches to the named segment, waiting for a writer to
// create and initialize it if necessary. It returns when attached, when the
// name is invalid, or when ctx is done.
func AttachWhenReady(ctx context.Context, name string) (*Channel, error) {
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	defer watcher.Close()
	if err := watcher.Add(Dir); err != nil {
		return nil, err
	}

	logged := false
	for {
		c, err := Attach(name)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrChannelCreation) {
			return nil, err
		}
		if !logged {
			log.Infof("Waiting for %s: %v", path, err)
			logged = true
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case err := <-watcher.Errors:
				log.Warnf("Watching %s: %v", Dir, err)
			case ev := <-watcher.Events:
				if ev.Name == path {
					break wait
				}
			case <-time.After(attachRetry):
				break wait
			}
		}
	}
}
