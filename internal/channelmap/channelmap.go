// Package channelmap is the process-wide registry mapping channel name
// to Channel. It owns the data directory's advisory lock and the
// server's persistent identity, and drives recovery at startup.
package channelmap

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chanbroker/internal/brokererr"
	"chanbroker/internal/channel"
	"chanbroker/internal/dirlock"
	"chanbroker/internal/metrics"
	"chanbroker/internal/segcache"
)

const (
	lockFileName     = "~lock"
	serverIDFileName = "~serverid"
)

// ChannelMap is a single instance per data directory: one process may
// hold it at a time, enforced by the directory lock.
type ChannelMap struct {
	dataDir string
	lock    *dirlock.Lock
	uid     string

	mu       sync.Mutex
	channels map[string]*channel.Channel
	creating singleflight.Group

	maxSegmentSize int64
	cache          *segcache.Cache
	log            *zap.Logger
	metrics        *metrics.Metrics
}

// OpenDirectory verifies dataDir exists, takes the exclusive directory
// lock, loads or creates the server identity, recovers any existing
// channels found on disk, and returns the ready-to-use map. maxSegmentSize
// caps every channel's active segment size before it rotates; 0 selects
// segment.DefaultMaxSegmentSize.
func OpenDirectory(dataDir string, cacheCapacity int, maxSegmentSize int64, log *zap.Logger, m *metrics.Metrics) (*ChannelMap, error) {
	info, err := os.Stat(dataDir)
	if err != nil || !info.IsDir() {
		return nil, brokererr.New(brokererr.EARG, "not a directory: %s", dataDir)
	}

	lock, err := dirlock.Acquire(filepath.Join(dataDir, lockFileName))
	if err != nil {
		return nil, err
	}

	uid, err := loadOrCreateServerID(dataDir)
	if err != nil {
		lock.Release()
		return nil, err
	}

	cm := &ChannelMap{
		dataDir:        dataDir,
		lock:           lock,
		uid:            uid,
		channels:       make(map[string]*channel.Channel),
		maxSegmentSize: maxSegmentSize,
		cache:          segcache.New(cacheCapacity),
		log:            log,
		metrics:        m,
	}

	if err := cm.recover(); err != nil {
		lock.Release()
		return nil, err
	}

	if log != nil {
		log.Info("opened data directory",
			zap.String("data_dir", dataDir),
			zap.String("server_id", uid),
			zap.Int("recovered_channels", len(cm.channels)))
	}

	return cm, nil
}

func loadOrCreateServerID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, serverIDFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", brokererr.Wrap(brokererr.EIO, err, "read server id")
	}

	id := uuid.New()
	hex := id.String()
	hex = hex[0:8] + hex[9:13] + hex[14:18] + hex[19:23] + hex[24:]

	tmp := path + "~"
	if err := os.WriteFile(tmp, []byte(hex), 0644); err != nil {
		return "", brokererr.Wrap(brokererr.EIO, err, "write server id temp file")
	}
	f, err := os.Open(tmp)
	if err == nil {
		_ = f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", brokererr.Wrap(brokererr.EIO, err, "rename server id temp file")
	}

	return hex, nil
}

// ErrChannelNotFound is wrapped (as EARG) when FindChannel(id, false)
// misses; the HTTP layer uses errors.Is against this sentinel to choose
// 404 over a generic 400.
var ErrChannelNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "channel not found" }

// FindChannel looks up id in the in-memory table; on miss, if create is
// set, it creates (and races down to exactly one winner via
// singleflight) a fresh channel and inserts it.
func (m *ChannelMap) FindChannel(id string, create bool) (*channel.Channel, error) {
	if !channel.ValidID(id) {
		return nil, brokererr.New(brokererr.EARG, "invalid channel id: %q", id)
	}

	if ch := m.lookup(id); ch != nil {
		return ch, nil
	}

	if !create {
		return nil, brokererr.Wrap(brokererr.EARG, ErrChannelNotFound, id)
	}

	v, err, _ := m.creating.Do(id, func() (interface{}, error) {
		if ch := m.lookup(id); ch != nil {
			return ch, nil
		}

		path := filepath.Join(m.dataDir, id)
		ch, err := channel.Create(path, id, m.maxSegmentSize, m.cache, m.log, m.metrics)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.channels[id] = ch
		m.mu.Unlock()

		if m.log != nil {
			m.log.Info("created channel", zap.String("channel", id))
		}
		if m.metrics != nil {
			m.metrics.ObserveChannelCreated()
		}
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*channel.Channel), nil
}

func (m *ChannelMap) lookup(id string) *channel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

// GetUID returns the server's stable, persisted identity.
func (m *ChannelMap) GetUID() string { return m.uid }

// Close releases the directory lock and every channel's active file
// descriptor. Channels themselves are never destroyed before this.
func (m *ChannelMap) Close() error {
	m.mu.Lock()
	channels := make([]*channel.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	_ = m.cache.Close()
	return m.lock.Release()
}
