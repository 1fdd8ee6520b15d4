package channelmap

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"chanbroker/internal/channel"
	"chanbroker/internal/segment"
)

var segmentFilePattern = regexp.MustCompile(`^([A-Za-z0-9._-]+)~([0-9]+)$`)

// recover enumerates the data directory, groups segment files by channel
// name, reads each segment's header, and reconstructs every channel in a
// consistent state: the highest-offset segment becomes active, the rest
// become archive entries. Files that don't match the segment pattern
// (and aren't ~lock/~serverid/temp files) are left untouched.
func (m *ChannelMap) recover() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return err
	}

	offsetsByChannel := make(map[string]map[uint64]struct{})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := segmentFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		name := match[1]
		offset, err := strconv.ParseUint(match[2], 10, 64)
		if err != nil {
			continue
		}
		if offsetsByChannel[name] == nil {
			offsetsByChannel[name] = make(map[uint64]struct{})
		}
		offsetsByChannel[name][offset] = struct{}{}
	}

	for name, offsetSet := range offsetsByChannel {
		offsets := make([]uint64, 0, len(offsetSet))
		for o := range offsetSet {
			offsets = append(offsets, o)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

		channelPath := filepath.Join(m.dataDir, name)

		descriptors := make([]segment.Descriptor, 0, len(offsets))
		for _, off := range offsets {
			desc, err := segment.ReadHeader(channelPath, off)
			if err != nil {
				return err
			}
			descriptors = append(descriptors, desc)
		}

		// Invariant 1 says consecutive segments must satisfy
		// a.offset_head == b.offset_begin; a crash mid-rotation can leave
		// the earlier segment's head short of the next one's begin. The
		// later segment's offset_begin (fsync'd before the earlier
		// segment's own commit finished) is authoritative; we don't
		// rewrite the earlier header, we just trust the higher-offset
		// segment as active per spec.
		for i := 0; i+1 < len(descriptors); i++ {
			if descriptors[i].OffsetHead != descriptors[i+1].OffsetBegin {
				if m.log != nil {
					m.log.Warn("inconsistent segment boundary during recovery, trusting higher offset",
						zap.String("channel", name),
						zap.Uint64("prev_offset_head", descriptors[i].OffsetHead),
						zap.Uint64("next_offset_begin", descriptors[i+1].OffsetBegin))
				}
			}
		}

		ch, err := channel.Open(channelPath, name, descriptors, m.maxSegmentSize, m.cache, m.log, m.metrics)
		if err != nil {
			return err
		}

		m.channels[name] = ch
	}

	return nil
}
