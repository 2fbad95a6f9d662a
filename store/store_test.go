package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	s, err := OpenSQLite(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusUnknown, StatusOpened))
	assert.True(t, CanTransition(StatusUnknown, StatusFilled))
	assert.True(t, CanTransition(StatusUnknown, StatusRefunded))
	assert.True(t, CanTransition(StatusOpened, StatusSettled))
	assert.True(t, CanTransition(StatusOpened, StatusRefunded))

	assert.False(t, CanTransition(StatusOpened, StatusOpened))
	assert.False(t, CanTransition(StatusOpened, StatusFilled))
	assert.False(t, CanTransition(StatusFilled, StatusFilled))
	assert.False(t, CanTransition(StatusFilled, StatusUnknown))
	assert.False(t, CanTransition(StatusSettled, StatusRefunded))
	assert.False(t, CanTransition(StatusRefunded, StatusOpened))
	assert.False(t, CanTransition(StatusUnknown, StatusSettled))
}

func TestGetMissingIsUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		rec, err := s.Get(context.Background(), order.ID{0x01})
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, rec.Status)
		assert.Equal(t, order.ID{0x01}, rec.ID)
		assert.Equal(t, SchemaVersion, rec.SchemaVersion)
		assert.Nil(t, rec.ResolvedOrder)
	})
}

func TestPutFollowsLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := order.ID{0x0a}

		require.NoError(t, s.Put(ctx, Record{ID: id, Status: StatusOpened, ResolvedOrder: []byte{0x01, 0x02}}))
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusOpened, rec.Status)
		assert.Equal(t, []byte{0x01, 0x02}, rec.ResolvedOrder)
		assert.Equal(t, SchemaVersion, rec.SchemaVersion)
		assert.False(t, rec.UpdatedAt.IsZero())

		err = s.Put(ctx, Record{ID: id, Status: StatusOpened})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		err = s.Put(ctx, Record{ID: id, Status: StatusFilled})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		rec.Status = StatusSettled
		require.NoError(t, s.Put(ctx, rec))
		err = s.Put(ctx, Record{ID: id, Status: StatusRefunded})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		rec, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusSettled, rec.Status)
		assert.Equal(t, []byte{0x01, 0x02}, rec.ResolvedOrder)

		history, err := s.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, StatusUnknown, history[0].From)
		assert.Equal(t, StatusOpened, history[0].To)
		assert.Equal(t, StatusOpened, history[1].From)
		assert.Equal(t, StatusSettled, history[1].To)
	})
}

func TestFilledRecordKeepsFillData(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := order.ID{0x0b}
		require.NoError(t, s.Put(ctx, Record{
			ID:         id,
			Status:     StatusFilled,
			OriginData: []byte{0xaa},
			FillerData: []byte{0xbb, 0xcc},
		}))
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, rec.Status)
		assert.Equal(t, []byte{0xaa}, rec.OriginData)
		assert.Equal(t, []byte{0xbb, 0xcc}, rec.FillerData)

		assert.ErrorIs(t, s.Put(ctx, Record{ID: id, Status: StatusFilled}), ErrInvalidTransition)
	})
}

func TestCountByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, Record{ID: order.ID{0x01}, Status: StatusOpened}))
		require.NoError(t, s.Put(ctx, Record{ID: order.ID{0x02}, Status: StatusOpened}))
		require.NoError(t, s.Put(ctx, Record{ID: order.ID{0x03}, Status: StatusFilled}))
		require.NoError(t, s.Put(ctx, Record{ID: order.ID{0x02}, Status: StatusRefunded}))

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[Status]int64{
			StatusOpened:   1,
			StatusFilled:   1,
			StatusRefunded: 1,
		}, counts)
	})
}

func TestSQLiteBacksNonceRegistry(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	reg := nonce.NewRegistry(s, &logger)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	require.NoError(t, reg.Claim(ctx, owner, uint256.NewInt(5)))
	require.NoError(t, reg.Claim(ctx, owner, uint256.NewInt(300)))
	assert.ErrorIs(t, reg.Claim(ctx, owner, uint256.NewInt(5)), nonce.ErrInvalidNonce)

	word, err := s.Word(ctx, owner, uint256.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<5), word.Uint64())
	word, err = s.Word(ctx, owner, uint256.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<44), word.Uint64())

	word, err = s.Word(ctx, owner, uint256.NewInt(7))
	require.NoError(t, err)
	assert.True(t, word.IsZero())
}

func TestAtomicCommitsAllWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := order.ID{0x0a}, order.ID{0x0b}
		require.NoError(t, s.Put(ctx, Record{ID: a, Status: StatusOpened}))

		err := s.Atomic(ctx, func(tx Store) error {
			if err := tx.Put(ctx, Record{ID: a, Status: StatusSettled}); err != nil {
				return err
			}
			rec, err := tx.Get(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, StatusSettled, rec.Status)
			// a second write in the same view sees the first
			assert.ErrorIs(t, tx.Put(ctx, Record{ID: a, Status: StatusRefunded}), ErrInvalidTransition)
			counts, err := tx.CountByStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts[StatusSettled])
			return tx.Put(ctx, Record{ID: b, Status: StatusRefunded})
		})
		require.NoError(t, err)

		rec, err := s.Get(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, StatusSettled, rec.Status)
		rec, err = s.Get(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, rec.Status)
		history, err := s.History(ctx, a)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}

func TestAtomicDropsWritesOnError(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := order.ID{0x0a}, order.ID{0x0b}
		require.NoError(t, s.Put(ctx, Record{ID: a, Status: StatusOpened}))

		fault := errors.New("send failed")
		err := s.Atomic(ctx, func(tx Store) error {
			require.NoError(t, tx.Put(ctx, Record{ID: a, Status: StatusSettled}))
			require.NoError(t, tx.Put(ctx, Record{ID: b, Status: StatusRefunded}))
			return fault
		})
		assert.ErrorIs(t, err, fault)

		rec, err := s.Get(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, StatusOpened, rec.Status)
		rec, err = s.Get(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, rec.Status)
		history, err := s.History(ctx, b)
		require.NoError(t, err)
		assert.Empty(t, history)

		// dropped writes can be retried
		require.NoError(t, s.Put(ctx, Record{ID: b, Status: StatusRefunded}))
	})
}
