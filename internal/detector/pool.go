package detector

import (
	"context"
	"errors"
	"io"
)

// Pool hands each Detect call an instance of its own.
type Pool struct {
	instances []Detector
	free      chan Detector
}

// NewPool builds a pool over independent detector instances.
func NewPool(instances ...Detector) (*Pool, error) {
	if len(instances) == 0 {
		return nil, errors.New("detector pool needs at least one instance")
	}
	free := make(chan Detector, len(instances))
	for _, d := range instances {
		if d == nil {
			return nil, errors.New("detector pool: nil instance")
		}
		free <- d
	}
	return &Pool{instances: instances, free: free}, nil
}

// Size returns the number of instances.
func (p *Pool) Size() int {
	return len(p.instances)
}

// Detect waits for a free instance, or for ctx to end.
func (p *Pool) Detect(ctx context.Context, in Input) (*Prediction, error) {
	var d Detector
	select {
	case d = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.free <- d }()
	return d.Detect(ctx, in)
}

// Close closes every instance that implements io.Closer.
func (p *Pool) Close() error {
	var errs []error
	for _, d := range p.instances {
		if c, ok := d.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
