package identity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kindPlayer Kind = 1
	kindGuild  Kind = 2
	kindWorld  Kind = 200
)

// frozenClock returns a clock that only moves when advanced.
func frozenClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestEntityIDRoundTrip(t *testing.T) {
	alloc, err := NewAllocator(9000)
	require.NoError(t, err)

	tests := []struct {
		kind     Kind
		serverID int
	}{
		{kindPlayer, 9000},
		{kindGuild, MinServerID},
		{MaxKindBits, MaxServerID},
		{kindWorld, 9000},
		{kindWorld, MinServerID},
		{maxGlobalKind, MaxServerID},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("kind=%d,server=%d", tt.kind, tt.serverID), func(t *testing.T) {
			id, err := alloc.NewEntityID(tt.kind, tt.serverID)
			require.NoError(t, err)

			kind, err := DecodeKind(id)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)

			serverID, err := DecodeServerID(id)
			require.NoError(t, err)
			assert.Equal(t, tt.serverID, serverID)

			assert.Equal(t, IsGlobalKind(tt.kind), id.IsGlobal())
		})
	}
}

func TestEntityIDDefaultServer(t *testing.T) {
	alloc, err := NewAllocator(1234)
	require.NoError(t, err)

	id, err := alloc.NewEntityID(kindPlayer, 0)
	require.NoError(t, err)

	serverID, err := DecodeServerID(id)
	require.NoError(t, err)
	assert.Equal(t, 1234, serverID)
}

func TestGlobalIDLayout(t *testing.T) {
	id, err := GlobalID(kindWorld, 9000)
	require.NoError(t, err)
	assert.Equal(t, ID(9000*1000+200), id)
}

func TestSequenceMonotonic(t *testing.T) {
	now, _ := frozenClock(DefaultEpoch.Add(time.Hour))
	alloc, err := NewAllocator(9000, WithClock(now))
	require.NoError(t, err)

	var prev ID
	for i := 0; i < 1000; i++ {
		id, err := alloc.NewEntityID(kindPlayer, 0)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestSequenceExhaustionAdvancesSecond(t *testing.T) {
	now, _ := frozenClock(DefaultEpoch.Add(time.Hour))
	alloc, err := NewAllocator(9000, WithClock(now))
	require.NoError(t, err)

	seen := make(map[ID]struct{}, MaxSequence+10)
	var prev ID
	for i := 0; i < MaxSequence+10; i++ {
		id, err := alloc.NewEntityID(kindPlayer, 0)
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d at %d", id, i)
		seen[id] = struct{}{}
		require.Greater(t, id, prev)
		prev = id
	}

	second := (int64(prev) >> SequenceBits) & MaxSecond
	assert.Equal(t, int64(3600+1), second)
}

func TestSequenceNeverGoesBackwards(t *testing.T) {
	start := DefaultEpoch.Add(time.Hour)
	now, advance := frozenClock(start)
	alloc, err := NewAllocator(9000, WithClock(now))
	require.NoError(t, err)

	first, err := alloc.NewEntityID(kindPlayer, 0)
	require.NoError(t, err)

	advance(-10 * time.Second)
	second, err := alloc.NewEntityID(kindPlayer, 0)
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestSequenceResetsEachSecond(t *testing.T) {
	now, advance := frozenClock(DefaultEpoch.Add(time.Hour))
	alloc, err := NewAllocator(9000, WithClock(now))
	require.NoError(t, err)

	_, _ = alloc.NewEntityID(kindPlayer, 0)
	_, _ = alloc.NewEntityID(kindPlayer, 0)
	advance(time.Second)

	id, err := alloc.NewEntityID(kindPlayer, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), int64(id)&MaxSequence)
}

func TestUniqueID(t *testing.T) {
	now, _ := frozenClock(DefaultEpoch.Add(time.Minute))
	alloc, err := NewAllocator(9000, WithClock(now))
	require.NoError(t, err)

	a, err := alloc.NewUniqueID(MaxModule)
	require.NoError(t, err)
	b, err := alloc.NewUniqueID(MaxModule)
	require.NoError(t, err)

	assert.Greater(t, b, a)
	assert.Equal(t, MaxModule, DecodeModule(a))

	_, err = alloc.NewUniqueID(MaxModule + 1)
	assert.ErrorIs(t, err, ErrInvalidModule)
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		id   ID
	}{
		{"zero", 0},
		{"negative", -5},
		{"below min server", ID(999*1000 + 200)},
		{"singleton with multi kind", ID(9000*1000 + 1)},
		{"multi layout with kind zero", ID(int64(9000) << serverShift)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeKind(tt.id)
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}

	_, err := DecodeServerID(ID(12))
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestNewEntityIDRejectsBadInput(t *testing.T) {
	alloc, err := NewAllocator(9000)
	require.NoError(t, err)

	_, err = alloc.NewEntityID(KindNone, 0)
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = alloc.NewEntityID(KindSeparator, 0)
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = alloc.NewEntityID(kindPlayer, 12)
	assert.ErrorIs(t, err, ErrInvalidServerID)

	_, err = NewAllocator(MaxServerID + 1)
	assert.ErrorIs(t, err, ErrInvalidServerID)
}

func TestKindString(t *testing.T) {
	RegisterKindName(kindPlayer, "player")
	assert.Equal(t, "player", kindPlayer.String())
	assert.Equal(t, "kind(77)", Kind(77).String())
}
