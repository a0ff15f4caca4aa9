package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// queuePollInterval is how often a waiting consumer re-checks for results.
const queuePollInterval = time.Second

// Item is one preprocessing delivery: the image and everything attempted
// for it so far.
type Item struct {
	Path     string
	Attempts []AttemptResult
}

// Pool runs background preprocessing workers. Workers process their chunk
// breadth-first: attempt 1 for every image, then attempt 2 for the images
// that still have no faces, and so on, so the consumer sees cheap first
// results for all images before any expensive tier runs. Deliveries go
// through a bounded queue; the consumer folds them into a pending map and
// serves lookups from there.
type Pool struct {
	queue chan Item
	done  chan struct{}
	cache *Cache
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string][]AttemptResult
}

// StartPool launches workers over the given images. Each worker gets its
// own Preprocessor (and with it, its own database snapshot) from the
// factory. The done channel always closes when every worker has finished,
// crashed or been cancelled; the consumer relies on that to know when to
// fall back to in-process preprocessing.
func StartPool(ctx context.Context, workers, queueDepth, maxAttempts int, images []string, factory func() *Preprocessor, cache *Cache, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}

	p := &Pool{
		queue:   make(chan Item, queueDepth),
		done:    make(chan struct{}),
		cache:   cache,
		log:     log,
		pending: make(map[string][]AttemptResult),
	}

	chunkSize := (len(images) + workers - 1) / workers
	if chunkSize < 1 {
		chunkSize = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		start := i * chunkSize
		if start >= len(images) {
			break
		}
		end := start + chunkSize
		if end > len(images) {
			end = len(images)
		}
		chunk := images[start:end]
		worker := i

		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Int("worker", worker).Interface("panic", r).
						Msg("preprocessing worker crashed, consumer will fall back to in-process preprocessing")
				}
			}()
			p.runWorker(gctx, worker, chunk, factory(), maxAttempts)
			return nil
		})
	}

	go func() {
		g.Wait() //nolint:errcheck
		close(p.done)
	}()
	return p
}

// runWorker processes a chunk breadth-first. An image leaves the active set
// once an attempt finds faces, the tiers are exhausted, or the file is gone.
func (p *Pool) runWorker(ctx context.Context, worker int, chunk []string, pre *Preprocessor, maxAttempts int) {
	if maxAttempts > pre.MaxAttempts() {
		maxAttempts = pre.MaxAttempts()
	}

	attemptsByPath := make(map[string][]AttemptResult, len(chunk))
	active := append([]string(nil), chunk...)

	for attempt := 1; attempt <= maxAttempts && len(active) > 0; attempt++ {
		remaining := active[:0]
		for _, path := range active {
			if ctx.Err() != nil {
				return
			}
			if !fileExists(path) {
				p.log.Warn().Int("worker", worker).Str("image", path).Msg("image disappeared, dropping from worker queue")
				delete(attemptsByPath, path)
				continue
			}

			soFar := attemptsByPath[path]
			results, err := pre.Preprocess(ctx, path, soFar, attempt)
			if err != nil {
				p.log.Error().Err(err).Int("worker", worker).Str("image", path).Msg("preprocessing failed")
				delete(attemptsByPath, path)
				continue
			}
			if len(results) == len(soFar) {
				continue
			}

			if p.cache != nil {
				if cached, err := p.cache.Save(path, results); err == nil {
					results = cached
				} else {
					p.log.Warn().Err(err).Str("image", path).Msg("failed to cache preprocessing results")
				}
			}
			attemptsByPath[path] = results

			select {
			case p.queue <- Item{Path: path, Attempts: results}:
			case <-ctx.Done():
				return
			}

			if results[len(results)-1].FaceCount > 0 {
				continue // found faces, image leaves the active set
			}
			remaining = append(remaining, path)
		}
		active = remaining
	}
}

// Seed preloads results recovered from the cache, so resumed runs serve
// them without waiting for workers.
func (p *Pool) Seed(recovered map[string][]AttemptResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, attempts := range recovered {
		if len(attempts) > len(p.pending[path]) {
			p.pending[path] = attempts
		}
	}
}

// Done reports whether all workers have finished.
func (p *Pool) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pool) store(item Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(item.Attempts) > len(p.pending[item.Path]) {
		p.pending[item.Path] = item.Attempts
	}
}

func (p *Pool) get(path string) []AttemptResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[path]
}

// Forget drops the pool's copy of an image's attempts once the consumer is
// finished with it.
func (p *Pool) Forget(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, path)
}

// Fetch waits until at least minAttempts results exist for an image, or
// until the timeout passes, or until the workers are done and drained.
// The second return is false when the caller must produce the attempt
// itself; whatever partial results exist are still returned so the caller
// resumes from them instead of starting over.
func (p *Pool) Fetch(ctx context.Context, path string, minAttempts int, timeout time.Duration) ([]AttemptResult, bool) {
	deadline := time.Now().Add(timeout)

	for {
		if attempts := p.get(path); len(attempts) >= minAttempts {
			return attempts, true
		}

		select {
		case item := <-p.queue:
			p.store(item)
		case <-p.done:
			p.drain()
			attempts := p.get(path)
			return attempts, len(attempts) >= minAttempts
		case <-ctx.Done():
			return p.get(path), false
		case <-time.After(queuePollInterval):
			if time.Now().After(deadline) {
				p.log.Debug().Str("image", path).Int("want", minAttempts).
					Msg("timed out waiting for worker results")
				return p.get(path), false
			}
		}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case item := <-p.queue:
			p.store(item)
		default:
			return
		}
	}
}
