package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Putter interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type ShipperOptions struct {
	// Prefix is joined with the file's base name to form the object key.
	Prefix   string
	Queue    int
	MaxTries uint
	// RemoveSent deletes the local file after a successful upload.
	RemoveSent bool
	Logger     *log.Logger
}

type Stats struct {
	Queued   int
	Shipped  uint64
	Failed   uint64
	Dropped  uint64
	LastShip int64
}

// Shipper uploads files handed to Enqueue on one background goroutine.
type Shipper struct {
	up   Putter
	opts ShipperOptions
	log  *log.Logger

	jobs   chan string
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	shipped  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	lastShip atomic.Int64
}

func NewShipper(up Putter, opts ShipperOptions) *Shipper {
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 4
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Shipper{
		up:     up,
		opts:   opts,
		log:    opts.Logger,
		jobs:   make(chan string, opts.Queue),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.loop(ctx)
	return s
}

// Enqueue never blocks; a full queue drops the path and counts it.
// Enqueue must not be called after Close.
func (s *Shipper) Enqueue(localPath string) {
	select {
	case s.jobs <- localPath:
	default:
		s.dropped.Add(1)
		s.log.Printf("archive: queue full, dropped %s", localPath)
	}
}

// Close stops accepting work and waits for queued uploads until ctx is done.
func (s *Shipper) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.jobs) })
	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

func (s *Shipper) Stats() Stats {
	return Stats{
		Queued:   len(s.jobs),
		Shipped:  s.shipped.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
		LastShip: s.lastShip.Load(),
	}
}

func (s *Shipper) loop(ctx context.Context) {
	defer close(s.done)
	for p := range s.jobs {
		if ctx.Err() != nil {
			s.failed.Add(1)
			continue
		}
		if err := s.ship(ctx, p); err != nil {
			s.failed.Add(1)
			s.log.Printf("archive: upload %s: %v", p, err)
			continue
		}
		s.shipped.Add(1)
		s.lastShip.Store(time.Now().UnixMilli())
	}
}

func (s *Shipper) ship(ctx context.Context, localPath string) error {
	key := path.Join(s.opts.Prefix, filepath.Base(localPath))
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.up.PutFile(ctx, key, localPath)
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.opts.MaxTries),
	)
	if err != nil {
		return err
	}
	if s.opts.RemoveSent {
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove after upload: %w", err)
		}
	}
	return nil
}
