package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chanbroker/internal/segcache"
	"chanbroker/internal/segment"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	return newTestChannelWithCap(t, 0)
}

func newTestChannelWithCap(t *testing.T, maxSegmentSize int64) *Channel {
	t.Helper()
	dir := t.TempDir()
	ch, err := Create(filepath.Join(dir, "channels"), "orders", maxSegmentSize, segcache.New(4), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestValidID(t *testing.T) {
	require.True(t, ValidID("orders"))
	require.True(t, ValidID("orders-v2.retry_1"))
	require.False(t, ValidID(""))
	require.False(t, ValidID("has/slash"))
	require.False(t, ValidID("has space"))
}

func TestAppendAssignsMonotonicOffsets(t *testing.T) {
	ch := newTestChannel(t)

	off0, err := ch.Append([]byte("a"))
	require.NoError(t, err)
	off1, err := ch.Append([]byte("b"))
	require.NoError(t, err)

	require.Equal(t, uint64(0), off0)
	require.Equal(t, uint64(1), off1)
}

func TestAppendRejectsEmptyMessage(t *testing.T) {
	ch := newTestChannel(t)

	_, err := ch.Append(nil)
	require.Error(t, err)
}

func TestAppendNotVisibleUntilCommit(t *testing.T) {
	ch := newTestChannel(t)

	_, err := ch.Append([]byte("a"))
	require.NoError(t, err)

	msgs, err := ch.Fetch(0, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.NoError(t, ch.Commit())

	msgs, err = ch.Fetch(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "a", string(msgs[0].Data))
}

func TestCommitIsIdempotent(t *testing.T) {
	ch := newTestChannel(t)

	_, err := ch.Append([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, ch.Commit())
	require.NoError(t, ch.Commit())

	msgs, err := ch.Fetch(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestFetchFromArchiveStartSpansArchiveAndActive(t *testing.T) {
	ch := newTestChannel(t)

	for i := 0; i < 3; i++ {
		_, err := ch.Append([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, ch.Commit())

	require.NoError(t, ch.rotate())

	_, err := ch.Append([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, ch.Commit())

	// The archive starts at offset 0, so fetching from 0 returns every
	// message: the archived segment's, then the active one's.
	msgs, err := ch.Fetch(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, uint64(0), msgs[0].Offset)
	require.Equal(t, uint64(3), msgs[3].Offset)
}

func TestFetchPastCommittedHeadReturnsEmpty(t *testing.T) {
	ch := newTestChannel(t)

	_, err := ch.Append([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, ch.Commit())

	msgs, err := ch.Fetch(50, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestFetchHonorsBatchSizeAcrossArchiveAndActive(t *testing.T) {
	ch := newTestChannel(t)

	for i := 0; i < 3; i++ {
		_, err := ch.Append([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, ch.Commit())
	require.NoError(t, ch.rotate())

	for i := 0; i < 3; i++ {
		_, err := ch.Append([]byte("y"))
		require.NoError(t, err)
	}
	require.NoError(t, ch.Commit())

	msgs, err := ch.Fetch(0, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, uint64(0), msgs[0].Offset)
	require.Equal(t, uint64(1), msgs[1].Offset)
}

func TestRotationIsTransparentToOffsets(t *testing.T) {
	ch := newTestChannel(t)

	_, err := ch.Append([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, ch.Commit())
	require.NoError(t, ch.rotate())

	off, err := ch.Append([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), off)
	require.NoError(t, ch.Commit())

	msgs, err := ch.Fetch(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "a", string(msgs[0].Data))
	require.Equal(t, "b", string(msgs[1].Data))
}

// TestAppendRotatesOnReducedSizeCap drives the size-triggered rotation
// path inside Append itself (channel.go's pre- and post-append checks
// against c.maxSegmentSize), not the private rotate() helper: with the
// cap reduced to hold about three 1 KiB messages, appending ten messages
// must produce four segment files on disk, matching the scenario where
// max_segment_size is lowered for testing.
func TestAppendRotatesOnReducedSizeCap(t *testing.T) {
	const messageSize = 1024
	const recordSize = 4 + messageSize
	const perSegment = 3
	segmentCap := int64(segment.HeaderSize) + perSegment*int64(recordSize)

	dir := t.TempDir()
	channelPath := filepath.Join(dir, "channels")
	ch, err := Create(channelPath, "orders", segmentCap, segcache.New(4), nil, nil)
	require.NoError(t, err)
	defer ch.Close()

	message := make([]byte, messageSize)

	const total = 10
	for i := 0; i < total; i++ {
		offset, err := ch.Append(message)
		require.NoError(t, err)
		require.Equal(t, uint64(i), offset)
	}
	require.NoError(t, ch.Commit())

	archived, activeBase, committedHead := ch.Stat()
	require.Equal(t, 3, archived, "10 messages at 3 per segment must close 3 segments before the active one")
	require.Equal(t, uint64(9), activeBase)
	require.Equal(t, uint64(10), committedHead)

	for _, base := range []uint64{0, 3, 6, 9} {
		_, err := os.Stat(fmt.Sprintf("%s~%d", channelPath, base))
		require.NoErrorf(t, err, "expected segment file for base offset %d", base)
	}

	msgs, err := ch.Fetch(0, total)
	require.NoError(t, err)
	require.Len(t, msgs, total)
	for i, m := range msgs {
		require.Equal(t, uint64(i), m.Offset)
	}
}

func TestFetchQuarantinesCorruptArchivedSegmentOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	channelPath := filepath.Join(dir, "channels")

	ch, err := Create(channelPath, "orders", 0, segcache.New(4), nil, nil)
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Append([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, ch.Commit())
	require.NoError(t, ch.rotate())

	_, err = ch.Append([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, ch.Commit())

	// Corrupt the archived segment's header so any read off of it fails
	// ECORRUPT.
	f, err := os.OpenFile(fmt.Sprintf("%s~0", channelPath), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x00, 0x00, 0x00, 0x00}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msgs, err := ch.Fetch(0, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.True(t, ch.isQuarantined(0))

	// A second Fetch must not re-attempt opening the quarantined segment;
	// it should skip straight to the still-healthy active segment.
	msgs, err = ch.Fetch(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "b", string(msgs[0].Data))
}

func TestOpenReconstructsArchiveAndActiveFromDescriptors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels")

	first, err := segment.Create(path, 0)
	require.NoError(t, err)
	_, err = first.Append([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, first.Commit())
	require.NoError(t, first.Close())

	second, err := segment.Create(path, 1)
	require.NoError(t, err)
	_, err = second.Append([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, second.Commit())
	require.NoError(t, second.Close())

	descriptors := []segment.Descriptor{
		{OffsetBegin: 0, OffsetHead: 1},
		{OffsetBegin: 1, OffsetHead: 2},
	}

	ch, err := Open(path, "orders", descriptors, 0, segcache.New(4), nil, nil)
	require.NoError(t, err)
	defer ch.Close()

	archived, activeBase, committedHead := ch.Stat()
	require.Equal(t, 1, archived)
	require.Equal(t, uint64(1), activeBase)
	require.Equal(t, uint64(2), committedHead)

	msgs, err := ch.Fetch(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "a", string(msgs[0].Data))
	require.Equal(t, "b", string(msgs[1].Data))
}
