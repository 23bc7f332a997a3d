package processor

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/micsi-dev/mercure/go/ops"
	log "github.com/sirupsen/logrus"
)

const (
	// modulePullInterval throttles registry pulls of module images.
	modulePullInterval = time.Hour
	// helperPullInterval throttles pulls of the chown helper image, which
	// changes far less often.
	helperPullInterval = 24 * time.Hour

	pullCacheSize = 256
)

// PullResult describes one (possibly skipped) image pull.
type PullResult struct {
	Digest   string
	Duration time.Duration
	Skipped  bool
}

// ThrottledPuller limits how often a given image tag is pulled from its
// registry. It is mutated only by the processor loop but safe for concurrent
// use regardless.
type ThrottledPuller struct {
	interval time.Duration
	lastPull *lru.Cache[string, time.Time]
	now      func() time.Time
}

// NewThrottledPuller builds a puller which pulls each tag at most once per
// |interval|.
func NewThrottledPuller(interval time.Duration) *ThrottledPuller {
	var cache, err = lru.New[string, time.Time](pullCacheSize)
	if err != nil {
		panic(err) // Only fails for a non-positive size.
	}
	return &ThrottledPuller{interval: interval, lastPull: cache, now: time.Now}
}

// NewThrottledPullerAt is NewThrottledPuller with an injected clock.
func NewThrottledPullerAt(interval time.Duration, now func() time.Time) *ThrottledPuller {
	var p = NewThrottledPuller(interval)
	p.now = now
	return p
}

// Pull fetches |tag| through |runtime| unless it was pulled recently, and
// logs a structured download event with the digest and duration.
func (p *ThrottledPuller) Pull(ctx context.Context, runtime Runtime, tag string, logger ops.Logger) (PullResult, error) {
	if last, ok := p.lastPull.Get(tag); ok && p.now().Sub(last) < p.interval {
		return PullResult{Skipped: true}, nil
	}

	var began = p.now()
	digest, err := runtime.Pull(ctx, tag)
	if err != nil {
		return PullResult{}, err
	}
	var result = PullResult{Digest: digest, Duration: p.now().Sub(began)}
	p.lastPull.Add(tag, p.now())

	logger.Log(log.InfoLevel, log.Fields{
		"image":    tag,
		"digest":   result.Digest,
		"duration": result.Duration.String(),
	}, "module image downloaded")
	return result, nil
}
