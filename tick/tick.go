// Package tick drives a module pool: discovery, then the reload sweep, then update dispatch,
// once per cycle.
package tick

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultInterval is about one frame at 60Hz.
const DefaultInterval = 16 * time.Millisecond

// Pool is what a Driver ticks. *pool.Pool implements it.
type Pool interface {
	Discover() int
	ReloadModified() int
	UpdateAll()
}

// Driver runs ticks on a Pool from a single goroutine.
type Driver struct {
	Pool          Pool
	Interval      time.Duration //time between ticks, DefaultInterval when zero
	MaxTicks      int           //stop after this many ticks, 0 runs until the context ends
	DiscoverEvery int           //discover on every n-th tick only, every tick when zero
	Input         bool          //dispatch input callbacks before updates, when the Pool can
	Watch         []string      //directories whose events trigger an immediate tick
	Logger        *slog.Logger

	ticks int
}

// Inputs is implemented by pools that dispatch input callbacks.
type Inputs interface {
	InputAll()
}

// Tick runs one cycle. The reload sweep completes for every module before any update.
func (d *Driver) Tick() {
	found := 0
	if d.DiscoverEvery <= 1 || d.ticks%d.DiscoverEvery == 0 {
		found = d.Pool.Discover()
	}
	reloaded := d.Pool.ReloadModified()
	if in, ok := d.Pool.(Inputs); ok && d.Input {
		in.InputAll()
	}
	d.Pool.UpdateAll()
	d.ticks++
	if found > 0 || reloaded > 0 {
		d.log().Debug("tick", "n", d.ticks, "discovered", found, "reloaded", reloaded)
	}
}

// Ticks is the number of completed ticks.
func (d *Driver) Ticks() int {
	return d.ticks
}

func (d *Driver) log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Run ticks until ctx ends or MaxTicks is reached. Cancellation is a clean stop.
func (d *Driver) Run(ctx context.Context) error {
	if d.Pool == nil {
		return errors.New("tick: no pool")
	}
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if len(d.Watch) > 0 {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			d.log().Warn("file events unavailable, polling only", "err", err)
		} else {
			defer func() { _ = w.Close() }()
			for _, dir := range d.Watch {
				if err = w.Add(dir); err != nil {
					d.log().Warn("watch directory for events", "dir", dir, "err", err)
				}
			}
			events, errs = w.Events, w.Errors
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !d.done() {
		if ctx.Err() != nil {
			return nil
		}
		d.Tick()
		if d.done() {
			break
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				break wait
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				d.log().Debug("file event", "name", ev.Name, "op", ev.Op.String())
				break wait
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				d.log().Warn("file event error", "err", err)
			}
		}
	}
	return nil
}

func (d *Driver) done() bool {
	return d.MaxTicks > 0 && d.ticks >= d.MaxTicks
}
