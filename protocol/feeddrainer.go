package protocol

import (
	"context"
	"io"
)

// Feeder yields batches of records from a source. The EoF convention
// follows io.Reader: either `recs, EoF` or `recs, nil` followed by
// `nil, EoF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

// Drainer accepts batches of records into a destination.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

// FeedDrainCloser is a bidirectional record endpoint; a transport pumps
// its Feed side onto the wire and the wire into its Drain side.
type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Relay moves one batch from feeder to drainer. A batch returned together
// with an error is still delivered.
func Relay(feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(context.Background())
	if err != nil {
		if len(recs) > 0 {
			_ = drainer.Drain(context.Background(), recs)
		}
		return err
	}
	return drainer.Drain(context.Background(), recs)
}

// Pump relays until either side fails (typically EoF).
func Pump(feeder Feeder, drainer Drainer) (err error) {
	for err == nil {
		err = Relay(feeder, drainer)
	}
	return
}

// PumpThenClose pumps until either side fails, then closes both ends, so
// one side closing tears the whole pipe down. The feed error takes
// precedence in the return.
func PumpThenClose(feed FeedCloser, drain DrainCloser) error {
	var ferr, derr error
	for ferr == nil && derr == nil {
		var recs Records
		recs, ferr = feed.Feed(context.Background())
		if len(recs) > 0 {
			derr = drain.Drain(context.Background(), recs)
		}
	}
	_ = feed.Close()
	_ = drain.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}
