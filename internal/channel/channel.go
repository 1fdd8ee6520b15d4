// Package channel implements the named, append-only log on top of
// segment files: archive + active segment, append/fetch/commit, and
// segment rotation when the active segment approaches its size cap.
package channel

import (
	"regexp"
	"sync"

	"go.uber.org/zap"

	"chanbroker/internal/brokererr"
	"chanbroker/internal/metrics"
	"chanbroker/internal/segcache"
	"chanbroker/internal/segment"
)

// validIDPattern is the channel id grammar from the data model: non-empty,
// and restricted to characters that are also safe as a filename prefix.
var validIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidID reports whether id is a legal channel identifier.
func ValidID(id string) bool {
	return id != "" && validIDPattern.MatchString(id)
}

// Segment is an archived (closed) segment's offset range, as tracked in
// the channel's archive list.
type Segment struct {
	OffsetBegin uint64
	OffsetHead  uint64
}

// Message is a single (offset, payload) pair returned by Fetch.
type Message = segment.Message

// Channel is a named log: an ordered archive of closed segments plus
// exactly one active, writable segment. All operations serialize through
// mu; Fetch takes the read side and performs its own file I/O without
// holding the lock once it has a consistent snapshot.
type Channel struct {
	mu sync.RWMutex

	id   string
	path string

	archive    []Segment
	active     *segment.Handle
	needCommit bool

	quarantined map[uint64]bool

	maxSegmentSize int64

	cache   *segcache.Cache
	log     *zap.Logger
	metrics *metrics.Metrics
}

// resolveMaxSegmentSize substitutes the package default for a zero or
// negative override, so callers that don't care about the cap can pass 0.
func resolveMaxSegmentSize(maxSegmentSize int64) int64 {
	if maxSegmentSize <= 0 {
		return segment.DefaultMaxSegmentSize
	}
	return maxSegmentSize
}

// Create makes a brand-new channel: one empty segment file with
// offset_begin = 0. maxSegmentSize caps the active segment's physical
// size before it rotates; 0 selects segment.DefaultMaxSegmentSize.
func Create(path, id string, maxSegmentSize int64, cache *segcache.Cache, log *zap.Logger, m *metrics.Metrics) (*Channel, error) {
	active, err := segment.Create(path, 0)
	if err != nil {
		return nil, err
	}

	return &Channel{
		id:             id,
		path:           path,
		active:         active,
		maxSegmentSize: resolveMaxSegmentSize(maxSegmentSize),
		cache:          cache,
		log:            log,
		metrics:        m,
	}, nil
}

// Open reconstructs a channel from a set of recovered segment
// descriptors: the highest-offset one becomes active (opened read-write),
// the rest become archive entries.
func Open(path, id string, descriptors []segment.Descriptor, maxSegmentSize int64, cache *segcache.Cache, log *zap.Logger, m *metrics.Metrics) (*Channel, error) {
	if len(descriptors) == 0 {
		return Create(path, id, maxSegmentSize, cache, log, m)
	}

	last := descriptors[len(descriptors)-1]
	active, err := segment.Open(path, last)
	if err != nil {
		return nil, err
	}

	archive := make([]Segment, 0, len(descriptors)-1)
	for _, d := range descriptors[:len(descriptors)-1] {
		archive = append(archive, Segment{OffsetBegin: d.OffsetBegin, OffsetHead: d.OffsetHead})
	}

	return &Channel{
		id:             id,
		path:           path,
		archive:        archive,
		active:         active,
		maxSegmentSize: resolveMaxSegmentSize(maxSegmentSize),
		cache:          cache,
		log:            log,
		metrics:        m,
	}, nil
}

// Append assigns the message the active segment's current offset_head,
// appends it, and rotates the segment if it has now reached the size
// cap. Empty or oversized messages fail EARG.
func (c *Channel) Append(message []byte) (uint64, error) {
	if len(message) == 0 {
		return 0, brokererr.New(brokererr.EARG, "channel %s: message must not be empty", c.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if int64(len(message)) > segment.MaxMessageSize(c.maxSegmentSize) {
		return 0, brokererr.New(brokererr.EARG, "channel %s: message exceeds max_message_size", c.id)
	}

	needed := int64(4+len(message)) + c.active.Size()
	if needed > c.maxSegmentSize {
		if err := c.rotate(); err != nil {
			return 0, err
		}
	}

	offset, err := c.active.Append(message)
	if err != nil {
		return 0, err
	}
	c.needCommit = true
	if c.metrics != nil {
		c.metrics.ObserveAppend(c.id, len(message))
	}

	if c.active.Size() >= c.maxSegmentSize {
		if err := c.rotate(); err != nil {
			return offset, err
		}
	}

	return offset, nil
}

// rotate closes out the active segment (committing it first) and opens a
// fresh one starting where the old one left off. Caller holds mu.
func (c *Channel) rotate() error {
	if err := c.active.Commit(); err != nil {
		return err
	}
	c.needCommit = false

	nextOffset := c.active.OffsetHead()
	c.archive = append(c.archive, Segment{
		OffsetBegin: c.active.OffsetBegin(),
		OffsetHead:  nextOffset,
	})

	old := c.active
	newActive, err := segment.Create(c.path, nextOffset)
	if err != nil {
		return err
	}
	_ = old.Close()
	c.active = newActive

	if c.log != nil {
		c.log.Info("rotated segment",
			zap.String("channel", c.id),
			zap.Uint64("new_base_offset", nextOffset))
	}
	if c.metrics != nil {
		c.metrics.ObserveRotation(c.id)
	}
	return nil
}

// Commit is the sole durability barrier exposed to callers: it fsyncs
// the active segment's record region and transaction block if there are
// uncommitted appends. Idempotent.
func (c *Channel) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.needCommit {
		return nil
	}
	if err := c.active.Commit(); err != nil {
		return err
	}
	c.needCommit = false
	if c.metrics != nil {
		c.metrics.ObserveCommit(c.id)
	}
	return nil
}

// snapshot is what Fetch reads under the lock before dropping it to do
// file I/O: archived segment metadata plus everything needed to read the
// active segment, none of which can mutate underneath a read-only caller
// (segment files past the active one are immutable once archived, and
// the active file's committed region only grows).
type snapshot struct {
	archive []Segment
	active  *segment.Handle
}

func (c *Channel) snapshot() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	archive := make([]Segment, len(c.archive))
	copy(archive, c.archive)
	return snapshot{archive: archive, active: c.active}
}

// Fetch returns up to batchSize (offset, message) pairs starting at or
// after startOffset. A startOffset below the earliest archived segment
// is rounded up to it; a startOffset past the last committed message
// returns an empty list.
func (c *Channel) Fetch(startOffset uint64, batchSize int) (out []Message, err error) {
	if c.metrics != nil {
		defer func() { c.metrics.ObserveFetch(c.id, len(out)) }()
	}

	snap := c.snapshot()

	if len(snap.archive) > 0 && startOffset < snap.archive[0].OffsetBegin {
		startOffset = snap.archive[0].OffsetBegin
	}

	committedHead := snap.active.CommittedOffsetHead()
	if startOffset >= committedHead {
		return nil, nil
	}

	for _, seg := range snap.archive {
		if len(out) >= batchSize {
			return out, nil
		}
		if startOffset >= seg.OffsetHead {
			continue
		}

		if c.isQuarantined(seg.OffsetBegin) {
			startOffset = seg.OffsetHead
			continue
		}

		handle, err := c.openArchived(seg)
		if err != nil {
			if brokererr.Is(err, brokererr.ECORRUPT) {
				c.quarantineWithLog(seg.OffsetBegin, err)
				return out, nil
			}
			return out, err
		}

		msgs, err := handle.Read(startOffset, batchSize-len(out))
		if err != nil {
			if brokererr.Is(err, brokererr.ECORRUPT) {
				c.quarantineWithLog(seg.OffsetBegin, err)
				return append(out, msgs...), nil
			}
			return out, err
		}

		out = append(out, msgs...)
		startOffset = seg.OffsetHead
	}

	if len(out) >= batchSize {
		return out, nil
	}

	if c.isQuarantined(snap.active.OffsetBegin()) {
		return out, nil
	}

	msgs, err := snap.active.Read(startOffset, batchSize-len(out))
	if err != nil {
		if brokererr.Is(err, brokererr.ECORRUPT) {
			c.quarantineWithLog(snap.active.OffsetBegin(), err)
			return append(out, msgs...), nil
		}
		return out, err
	}
	out = append(out, msgs...)
	return out, nil
}

// isQuarantined reports whether the segment starting at offsetBegin was
// previously flagged as corrupt by Fetch.
func (c *Channel) isQuarantined(offsetBegin uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quarantined[offsetBegin]
}

// quarantine marks the segment starting at offsetBegin as corrupt so
// later Fetch calls skip it instead of re-reading it.
func (c *Channel) quarantine(offsetBegin uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quarantined == nil {
		c.quarantined = make(map[uint64]bool)
	}
	c.quarantined[offsetBegin] = true
}

// quarantineWithLog quarantines the segment at offsetBegin and logs the
// corruption that triggered it, if a logger was configured.
func (c *Channel) quarantineWithLog(offsetBegin uint64, cause error) {
	c.quarantine(offsetBegin)
	if c.log != nil {
		c.log.Warn("quarantining corrupt segment",
			zap.String("channel", c.id),
			zap.Uint64("base_offset", offsetBegin),
			zap.Error(cause))
	}
}

func (c *Channel) openArchived(seg Segment) (*segment.Handle, error) {
	key := c.path + "~" + itoa(seg.OffsetBegin)
	return c.cache.GetOrLoad(key, func() (*segment.Handle, error) {
		return segment.Open(c.path, toDescriptor(seg))
	})
}

func toDescriptor(s Segment) segment.Descriptor {
	return segment.Descriptor{OffsetBegin: s.OffsetBegin, OffsetHead: s.OffsetHead}
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Close releases the active segment's file descriptor. Archived segment
// descriptors are owned by the shared cache, not by the channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Close()
}

// ID returns the channel's identifier.
func (c *Channel) ID() string { return c.id }

// Stat reports the channel's current archive length and active segment
// range, for diagnostics/metrics.
func (c *Channel) Stat() (archivedSegments int, activeBaseOffset, committedOffsetHead uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.archive), c.active.OffsetBegin(), c.active.CommittedOffsetHead()
}
