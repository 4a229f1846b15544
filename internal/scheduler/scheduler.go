// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tamzrod/renogy-bridge/internal/registry"
	"github.com/tamzrod/renogy-bridge/internal/session"
	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// ErrDrainTimeout is returned when in-flight polls did not finish within the
// drain window on shutdown.
var ErrDrainTimeout = errors.New("scheduler: drain timeout")

// Publisher receives every snapshot the scheduler stores, fresh or degraded.
type Publisher interface {
	Publish(id telemetry.DeviceIdentity, snap telemetry.Snapshot) error
}

// Device is one scheduled poll loop.
type Device struct {
	Session  *session.Session
	Interval time.Duration
}

// Config is the minimal runtime config the scheduler needs.
type Config struct {
	// Polls allowed to run at once across all devices. The BLE adapter
	// degrades badly past a handful of concurrent connections.
	MaxInFlight int64

	// How long Run waits for in-flight polls after cancellation.
	DrainTimeout time.Duration
}

// Scheduler drives one goroutine per device. No overlap per device; a
// shared semaphore bounds overlap across devices.
type Scheduler struct {
	cfg     Config
	devices []Device
	rt      *registry.Runtime
	pub     Publisher
	sem     *semaphore.Weighted
	log     zerolog.Logger
}

func New(cfg Config, devices []Device, rt *registry.Runtime, pub Publisher, log zerolog.Logger) (*Scheduler, error) {
	if cfg.MaxInFlight <= 0 {
		return nil, errors.New("scheduler: max in-flight must be > 0")
	}
	if len(devices) == 0 {
		return nil, errors.New("scheduler: at least one device required")
	}
	for _, d := range devices {
		if d.Session == nil {
			return nil, errors.New("scheduler: device without session")
		}
		if d.Interval <= 0 {
			return nil, errors.New("scheduler: interval must be > 0")
		}
	}

	return &Scheduler{
		cfg:     cfg,
		devices: devices,
		rt:      rt,
		pub:     pub,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		log:     log,
	}, nil
}

// Run blocks until ctx is cancelled, then drains in-flight polls. Returns
// ErrDrainTimeout if polls were still running when the drain window closed.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, d := range s.devices {
		wg.Add(1)
		go func(d Device) {
			defer wg.Done()
			s.runDevice(ctx, d)
		}(d)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		return ErrDrainTimeout
	}
}

// runDevice is the per-device loop: poll, store, publish, sleep. Failures
// stretch the sleep with exponential backoff; a success snaps it back to
// the configured interval.
func (s *Scheduler) runDevice(ctx context.Context, d Device) {
	id := d.Session.Identity()
	log := s.log.With().Str("device", id.String()).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.Interval
	bo.MaxInterval = 10 * d.Interval
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()

	wait := time.Duration(0) // first poll runs immediately

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		err := s.pollDevice(ctx, d)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			bo.Reset()
			wait = d.Interval
			continue
		}

		wait = bo.NextBackOff()
		log.Warn().
			Err(err).
			Int("consecutive_failures", d.Session.ConsecutiveFailures()).
			Dur("retry_in", wait).
			Msg("poll failed")
	}
}

func (s *Scheduler) pollDevice(ctx context.Context, d Device) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	id := d.Session.Identity()

	snap, err := d.Session.PollOnce(ctx)
	if err != nil {
		// Keep the registry current even on failure: the session degrades
		// the retained snapshot's health for us.
		if last, ok := d.Session.LastSnapshot(); ok {
			s.store(id, last)
		}
		return err
	}

	s.store(id, snap)
	return nil
}

func (s *Scheduler) store(id telemetry.DeviceIdentity, snap telemetry.Snapshot) {
	if err := s.rt.Store(id, snap); err != nil {
		s.log.Error().Err(err).Str("device", id.String()).Msg("registry store failed")
	}
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(id, snap); err != nil {
		s.log.Error().Err(err).Str("device", id.String()).Msg("publish failed")
	}
}
