package augment

import (
	"context"
	"errors"
)

var ErrAlreadyStarted = errors.New("augment already started")

// Augment is a side behaviour that runs for the lifetime of one download.
// Start must not be called twice without an End in between.
type Augment interface {
	Start(ctx context.Context) error
	End() error
}

// Hooks run around the download, after Start and before End respectively.
type Hooks struct {
	BeforeDL func(ctx context.Context) error
	AfterDL  func() error
}

func (h Hooks) before(ctx context.Context) error {
	if h.BeforeDL == nil {
		return nil
	}
	return h.BeforeDL(ctx)
}

func (h Hooks) after() error {
	if h.AfterDL == nil {
		return nil
	}
	return h.AfterDL()
}
