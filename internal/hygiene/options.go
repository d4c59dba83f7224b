package hygiene

import (
	"golang.org/x/time/rate"

	"cryptomaint/logger"
	"cryptomaint/models"
)

// DefaultDeleteChunkSize keeps a $in id list well under the 16MB command limit.
const DefaultDeleteChunkSize = 10000

type options struct {
	dryRun           bool
	database         string
	extraIndexes     []models.IndexSpec
	chunkSize        int
	deletesPerSecond float64
	limiter          *rate.Limiter
	log              *logger.Log
}

// Option tunes a single routine call.
type Option func(*options)

// WithDryRun groups and picks survivors but deletes nothing and creates no index.
func WithDryRun() Option {
	return func(o *options) { o.dryRun = true }
}

// WithDatabase labels the result and metrics with the database name.
func WithDatabase(name string) Option {
	return func(o *options) { o.database = name }
}

// WithExtraIndexes creates further indexes once the constraint is in place.
func WithExtraIndexes(specs ...models.IndexSpec) Option {
	return func(o *options) { o.extraIndexes = append(o.extraIndexes, specs...) }
}

// WithDeleteChunkSize splits deletions into requests of at most n ids.
func WithDeleteChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithDeleteRate throttles deletions to perSecond documents. Zero disables it.
func WithDeleteRate(perSecond float64) Option {
	return func(o *options) { o.deletesPerSecond = perSecond }
}

func WithLogger(log *logger.Log) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{chunkSize: DefaultDeleteChunkSize, log: logger.GetLogger()}
	for _, opt := range opts {
		opt(o)
	}
	if o.deletesPerSecond > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(o.deletesPerSecond), o.chunkSize)
	}
	return o
}
