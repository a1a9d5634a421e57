// Package memo implements the fingerprint replay cache: when the current
// screen matches one previously solved and verified, the recorded action
// sequence is replayed instead of paying for a live model call. The cache is
// strictly an accelerator; a miss or a failed verification silently falls
// through to the live path.
package memo

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	"github.com/corona10/goimagehash"
	"go.uber.org/zap"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
)

// InvalidatePolicy controls what a failed verification does to the entry.
type InvalidatePolicy string

const (
	// PolicyEvict removes the slot entirely.
	PolicyEvict InvalidatePolicy = "evict"
	// PolicyReset keeps the slot but zeroes its hit count.
	PolicyReset InvalidatePolicy = "reset"
)

// Options tune the cache. Threshold is the maximum Hamming distance at which
// two digests still count as the same screen; MaxReuse caps how many times a
// single entry may be replayed before it is retired.
type Options struct {
	Threshold int
	MaxReuse  int
	Policy    InvalidatePolicy
}

// DefaultOptions match the tuning the control loop ships with.
func DefaultOptions() Options {
	return Options{Threshold: 5, MaxReuse: 50, Policy: PolicyEvict}
}

// Digest is a perceptual summary of a screen image. The zero Digest matches
// nothing.
type Digest struct {
	h *goimagehash.ImageHash
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool { return d.h == nil }

// String renders the digest in goimagehash's hex form.
func (d Digest) String() string {
	if d.h == nil {
		return ""
	}
	return d.h.ToString()
}

// distance returns the Hamming distance, or -1 when either side is unset or
// the hashes are incomparable.
func (d Digest) distance(o Digest) int {
	if d.h == nil || o.h == nil {
		return -1
	}
	n, err := d.h.Distance(o.h)
	if err != nil {
		return -1
	}
	return n
}

// Entry is one cached screen->actions slot.
type Entry struct {
	Fingerprint Digest
	Post        Digest
	Actions     []action.Action
	HitCount    int
	CreatedStep int
	LastStep    int
}

// Cache maps screen digests to verified, replayable action sequences. All
// methods are safe for concurrent use, though in practice only the loop
// thread drives it.
type Cache struct {
	mu             sync.Mutex
	opts           Options
	logger         *zap.Logger
	slots          []*Entry
	lastReplayStep int
}

// New returns an empty cache.
func New(opts Options, logger *zap.Logger) *Cache {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultOptions().Threshold
	}
	if opts.MaxReuse <= 0 {
		opts.MaxReuse = DefaultOptions().MaxReuse
	}
	if opts.Policy == "" {
		opts.Policy = PolicyEvict
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{opts: opts, logger: logger.Named("memo"), lastReplayStep: -1}
}

// Fingerprint computes the perceptual digest of a captured screen image
// (JPEG or PNG bytes). The difference hash tolerates compression noise;
// matching is by Hamming distance, not equality.
func (c *Cache) Fingerprint(imageBytes []byte) (Digest, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return Digest{}, fmt.Errorf("decode capture: %w", err)
	}
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return Digest{}, fmt.Errorf("fingerprint capture: %w", err)
	}
	return Digest{h: h}, nil
}

// Lookup returns the nearest entry within the distance threshold, or nil.
// Read-only: hit counts move only in VerifyAndCommit.
func (c *Cache) Lookup(d Digest, step int) *Entry {
	if d.IsZero() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Entry
	bestDist := c.opts.Threshold + 1
	for _, e := range c.slots {
		if dist := d.distance(e.Fingerprint); dist >= 0 && dist < bestDist {
			best, bestDist = e, dist
		}
	}
	if best != nil {
		c.logger.Debug("cache hit candidate",
			zap.Int("step", step),
			zap.Int("distance", bestDist),
			zap.Int("hit_count", best.HitCount))
	}
	return best
}

// VerifyAndCommit settles a replay. The entry is invalidated when execution
// failed, when the post-action digest diverges from the recorded expectation,
// or when the entry's reuse budget is exhausted; otherwise the hit count is
// incremented and the replay counts as verified. Exec failures and reuse
// exhaustion always evict; digest divergence follows the configured policy.
func (c *Cache) VerifyAndCommit(e *Entry, post Digest, step int, execOK bool) bool {
	if e == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !execOK {
		c.evictLocked(e, "exec_failed", step)
		return false
	}
	if e.HitCount >= c.opts.MaxReuse {
		c.evictLocked(e, "reuse_exhausted", step)
		return false
	}
	if dist := post.distance(e.Post); dist < 0 || dist > c.opts.Threshold {
		if c.opts.Policy == PolicyReset {
			e.HitCount = 0
			c.logger.Debug("cache entry reset", zap.Int("step", step), zap.Int("distance", dist))
		} else {
			c.evictLocked(e, "verify_failed", step)
		}
		return false
	}

	e.HitCount++
	e.LastStep = step
	c.lastReplayStep = step
	return true
}

// ShouldCache gates recording: sequences consisting solely of terminal or
// human-judgment actions carry no replayable work and are ineligible.
func (c *Cache) ShouldCache(acts []action.Action) bool {
	if len(acts) == 0 {
		return false
	}
	for _, a := range acts {
		if !action.IsTerminal(a.Type) {
			return true
		}
	}
	return false
}

// Record stores (or overwrites) the slot for preDigest after a live execution
// was confirmed successful. Steps that were satisfied by a verified replay
// never re-record: replayed actions must not feed back into the cache.
func (c *Cache) Record(pre Digest, acts []action.Action, post Digest, step int) {
	if pre.IsZero() || post.IsZero() || len(acts) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if step == c.lastReplayStep {
		return
	}

	stored := make([]action.Action, len(acts))
	copy(stored, acts)

	for _, e := range c.slots {
		if dist := pre.distance(e.Fingerprint); dist >= 0 && dist <= c.opts.Threshold {
			e.Fingerprint = pre
			e.Post = post
			e.Actions = stored
			e.HitCount = 0
			e.CreatedStep = step
			e.LastStep = step
			return
		}
	}
	c.slots = append(c.slots, &Entry{
		Fingerprint: pre,
		Post:        post,
		Actions:     stored,
		CreatedStep: step,
		LastStep:    step,
	})
}

// Len reports the number of live slots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

func (c *Cache) evictLocked(target *Entry, reason string, step int) {
	for i, e := range c.slots {
		if e == target {
			c.slots = append(c.slots[:i], c.slots[i+1:]...)
			c.logger.Debug("cache entry evicted",
				zap.String("reason", reason),
				zap.Int("step", step),
				zap.Int("hit_count", target.HitCount))
			return
		}
	}
}
