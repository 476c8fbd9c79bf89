// Package identify samples the difference value under a clicked location.
package identify

import (
	"context"
	"errors"
	"log"
	"sync"

	"moisture-compare/internal/event"
	"moisture-compare/internal/raster"
)

// Service evaluates a rendering rule at a single location
type Service interface {
	Identify(ctx context.Context, req raster.IdentifyRequest) (float64, error)
}

// Status is the lifecycle of a sample
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusResolved
	StatusFailed
	// StatusNoData means the location is outside the imagery or masked
	StatusNoData
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusFailed:
		return "failed"
	case StatusNoData:
		return "nodata"
	default:
		return "idle"
	}
}

// Sample is the latest published identify result. Value keeps the last
// resolved number while a newer request is pending or has failed.
type Sample struct {
	Location raster.Point `json:"location"`
	Value    float64      `json:"value"`
	Status   Status       `json:"status"`
	Err      error        `json:"-"`
	Seq      uint64       `json:"seq"`
}

// Sampler re-evaluates the difference at the last picked location whenever
// the location or the difference changes. Only the newest request publishes.
type Sampler struct {
	service   Service
	pixelSize raster.PixelSize
	onError   func(error)

	mu       sync.Mutex
	seq      uint64
	cancel   context.CancelFunc
	location *raster.Point
	target   raster.Function
	sample   Sample

	deliver sync.Mutex
	changed event.Emitter[Sample]
	pending sync.WaitGroup
}

// NewSampler creates a sampler querying at the given native pixel size
func NewSampler(service Service, pixelSize raster.PixelSize, onError func(error)) *Sampler {
	if onError == nil {
		onError = func(err error) {
			log.Printf("[Identify] Sample failed: %v", err)
		}
	}
	return &Sampler{
		service:   service,
		pixelSize: pixelSize,
		onError:   onError,
	}
}

// OnSampleChanged subscribes to published samples
func (s *Sampler) OnSampleChanged(fn func(Sample)) (unsubscribe func()) {
	return s.changed.Subscribe(fn)
}

// Sample returns the last published sample
func (s *Sampler) Sample() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample
}

// Location returns the remembered location, if any
func (s *Sampler) Location() (raster.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.location == nil {
		return raster.Point{}, false
	}
	return *s.location, true
}

// SetPixelSize changes the resolution used by later requests
func (s *Sampler) SetPixelSize(pixelSize raster.PixelSize) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pixelSize = pixelSize
}

// Retarget points the sampler at a new difference output and re-samples the
// remembered location against it
func (s *Sampler) Retarget(target raster.Function) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()

	s.Resample(nil)
}

// Resample samples location, or the remembered location when nil. Without
// any location or before a target is known this only records the location.
func (s *Sampler) Resample(location *raster.Point) {
	s.mu.Lock()
	if location != nil {
		loc := *location
		s.location = &loc
	}
	if s.location == nil || s.target.IsZero() {
		s.mu.Unlock()
		return
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	seq := s.seq
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	req := raster.IdentifyRequest{
		Location:  *s.location,
		PixelSize: s.pixelSize,
		Function:  s.target,
	}
	pending := Sample{
		Location: req.Location,
		Value:    s.sample.Value,
		Status:   StatusPending,
		Seq:      seq,
	}
	s.pending.Add(1)
	s.mu.Unlock()

	s.publish(pending)

	go func() {
		defer s.pending.Done()
		defer cancel()

		value, err := s.service.Identify(ctx, req)
		s.complete(seq, req.Location, value, err)
	}()
}

func (s *Sampler) complete(seq uint64, location raster.Point, value float64, err error) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return
	}
	result := Sample{Location: location, Value: value, Status: StatusResolved, Seq: seq}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.mu.Unlock()
		return
	case errors.Is(err, raster.ErrNoData):
		result = Sample{Location: location, Status: StatusNoData, Seq: seq}
		err = nil
	default:
		result = Sample{Location: location, Value: s.sample.Value, Status: StatusFailed, Err: err, Seq: seq}
	}
	s.mu.Unlock()

	if err != nil {
		s.onError(err)
	}
	s.publish(result)
}

// publish stores and emits a sample unless a newer one was already published
func (s *Sampler) publish(sample Sample) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if sample.Seq != s.seq || sample.Seq < s.sample.Seq {
		s.mu.Unlock()
		return
	}
	s.sample = sample
	s.mu.Unlock()

	s.changed.Emit(sample)
}

// Wait blocks until every request issued so far has finished
func (s *Sampler) Wait() {
	s.pending.Wait()
}

// Close cancels the request in flight
func (s *Sampler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
}
