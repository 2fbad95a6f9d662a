package settler

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msalopek/intent_settler/custody"
	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/store"
	"github.com/msalopek/intent_settler/transport"
)

const (
	originDomain = 1
	destDomain   = 10
	fillDeadline = 2_000_000_000
	openDeadline = 4_000_000_000
	routerGas    = 200_000
)

var (
	originAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	destAddr   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	permit2    = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	fillerAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tokenIn    = order.IdentityFromAddress(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	tokenOut   = order.IdentityFromAddress(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	testNow    = time.Unix(1_700_000_000, 0)

	// 200_000 gas at 1 gwei and exchange rate parity
	testQuote = big.NewInt(200_000_000_000_000)
)

type testEnv struct {
	hub          *transport.Hub
	origin       *Settler
	dest         *Settler
	originLedger *custody.Ledger
	destLedger   *custody.Ledger
	originGas    *gas.Paymaster
	destGas      *gas.Paymaster
	events       []Event
}

func testLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return &logger
}

func testOracle() gas.Oracle {
	return gas.Oracle{GasPrice: big.NewInt(1_000_000_000), TokenExchangeRate: big.NewInt(1e10)}
}

// newTestEnv wires a settler on originDomain and one on destDomain through an
// in-process mailbox.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	env := &testEnv{hub: transport.NewHub(logger)}
	sink := EventSinkFunc(func(e Event) { env.events = append(env.events, e) })

	env.originLedger = custody.NewLedger(originDomain, permit2, logger)
	env.destLedger = custody.NewLedger(destDomain, permit2, logger)
	env.originGas = gas.NewPaymaster(logger)
	env.originGas.SetOracle(destDomain, testOracle())
	env.destGas = gas.NewPaymaster(logger)
	env.destGas.SetOracle(originDomain, testOracle())

	newSettler := func(domain uint32, addr common.Address, ledger *custody.Ledger, pm *gas.Paymaster) *Settler {
		s, err := New(Options{
			LocalDomain: domain,
			Address:     addr,
			Store:       store.NewMemory(),
			Nonces:      nonce.NewRegistry(nonce.NewMemoryStore(), logger),
			Custody:     ledger,
			Transport:   env.hub.Endpoint(domain, order.IdentityFromAddress(addr)),
			Paymaster:   pm,
			Events:      sink,
			Logger:      logger,
		})
		require.NoError(t, err)
		s.nowFn = func() time.Time { return testNow }
		env.hub.Register(domain, s.Identity(), s)
		return s
	}
	env.origin = newSettler(originDomain, originAddr, env.originLedger, env.originGas)
	env.dest = newSettler(destDomain, destAddr, env.destLedger, env.destGas)
	env.origin.EnrollRemoteRouter(destDomain, env.dest.Identity(), routerGas)
	env.dest.EnrollRemoteRouter(originDomain, env.origin.Identity(), routerGas)
	return env
}

func (e *testEnv) kinds() []EventKind {
	kinds := make([]EventKind, 0, len(e.events))
	for _, ev := range e.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (e *testEnv) eventsOf(kind EventKind) []Event {
	var out []Event
	for _, ev := range e.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testOrderData(user common.Address, n uint64) order.OrderData {
	return order.OrderData{
		Sender:             order.IdentityFromAddress(user),
		Recipient:          order.IdentityFromAddress(user),
		InputToken:         tokenIn,
		OutputToken:        tokenOut,
		AmountIn:           big.NewInt(100),
		AmountOut:          big.NewInt(99),
		SenderNonce:        uint256.NewInt(n),
		OriginDomain:       originDomain,
		DestinationDomain:  destDomain,
		DestinationSettler: order.IdentityFromAddress(destAddr),
		FillDeadline:       fillDeadline,
		Data:               []byte{},
	}
}

func gaslessOrder(t *testing.T, user common.Address, n uint64, mutate func(*order.OrderData)) (order.GaslessOrder, order.Resolution) {
	t.Helper()
	d := testOrderData(user, n)
	if mutate != nil {
		mutate(&d)
	}
	encoded, err := order.EncodeOrderData(d)
	require.NoError(t, err)
	o := order.GaslessOrder{
		OriginSettler: originAddr,
		User:          user,
		Nonce:         uint256.NewInt(n),
		OriginChainID: uint64(d.OriginDomain),
		OpenDeadline:  openDeadline,
		FillDeadline:  d.FillDeadline,
		OrderDataType: order.BasicOrderDataType,
		OrderData:     encoded,
	}
	res, err := order.BasicResolver{LocalDomain: d.OriginDomain}.ResolveGasless(o)
	require.NoError(t, err)
	return o, res
}

func signOrder(t *testing.T, l *custody.Ledger, key *ecdsa.PrivateKey, o order.GaslessOrder, res order.Resolution) []byte {
	t.Helper()
	permitted, err := custody.PermissionsFor(res.Order.MinReceived)
	require.NoError(t, err)
	digest, err := l.PermitDigest(custody.WitnessTransfer{
		Permitted:         permitted,
		Owner:             o.User,
		Spender:           o.OriginSettler,
		Nonce:             res.Nonce,
		Deadline:          uint64(o.OpenDeadline),
		Witness:           order.WitnessHash(res.Order),
		WitnessTypeString: order.WitnessTypeString,
	})
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}

func newUser(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// openGasless funds user and opens a gasless order with nonce n.
func (e *testEnv) openGasless(t *testing.T, key *ecdsa.PrivateKey, n uint64) order.Resolution {
	t.Helper()
	user := crypto.PubkeyToAddress(key.PublicKey)
	e.originLedger.Mint(tokenIn, order.IdentityFromAddress(user), big.NewInt(100))
	o, res := gaslessOrder(t, user, n, nil)
	id, err := e.origin.OpenFor(context.Background(), o, signOrder(t, e.originLedger, key, o, res))
	require.NoError(t, err)
	require.Equal(t, res.ID, id)
	return res
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{LocalDomain: originDomain})
	assert.Error(t, err)
}

func TestGaslessOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key, user := newUser(t)
	userID := order.IdentityFromAddress(user)
	fillerID := order.IdentityFromAddress(fillerAddr)

	env.originLedger.Mint(tokenIn, userID, big.NewInt(100))
	o, res := gaslessOrder(t, user, 5, nil)
	sig := signOrder(t, env.originLedger, key, o, res)

	id, err := env.origin.OpenFor(ctx, o, sig)
	require.NoError(t, err)
	assert.Equal(t, res.ID, id)

	rec, err := env.origin.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpened, rec.Status)
	stored, err := order.DecodeResolvedOrder(rec.ResolvedOrder)
	require.NoError(t, err)
	assert.Equal(t, res.Order, stored)

	word, err := env.origin.nonces.Bitmap(ctx, user, uint256.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(1<<5), word)
	assert.Equal(t, int64(0), env.originLedger.BalanceOf(tokenIn, userID).Int64())
	assert.Equal(t, int64(100), env.originLedger.BalanceOf(tokenIn, env.origin.Identity()).Int64())

	_, err = env.origin.OpenFor(ctx, o, sig)
	assert.ErrorIs(t, err, nonce.ErrInvalidNonce)

	// fill on the destination
	env.destLedger.Mint(tokenOut, fillerID, big.NewInt(99))
	originData := res.Order.FillInstructions[0].OriginData
	require.NoError(t, env.dest.Fill(ctx, fillerAddr, id, originData, fillerID[:]))
	rec, err = env.dest.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFilled, rec.Status)
	assert.Equal(t, int64(99), env.destLedger.BalanceOf(tokenOut, userID).Int64())
	assert.Equal(t, int64(0), env.destLedger.BalanceOf(tokenOut, fillerID).Int64())

	// settle back to the origin
	msgID, err := env.dest.Settle(ctx, fillerAddr, []order.ID{id}, testQuote)
	require.NoError(t, err)
	assert.False(t, env.hub.Delivered(msgID))
	assert.Equal(t, 1, env.hub.Deliver(ctx))
	assert.True(t, env.hub.Delivered(msgID))

	rec, err = env.origin.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSettled, rec.Status)
	assert.Equal(t, fillerID[:], rec.FillerData)
	assert.Equal(t, int64(100), env.originLedger.BalanceOf(tokenIn, fillerID).Int64())
	assert.Equal(t, int64(0), env.originLedger.BalanceOf(tokenIn, env.origin.Identity()).Int64())

	// the destination record stays FILLED
	rec, err = env.dest.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFilled, rec.Status)

	history, err := env.origin.OrderHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.StatusOpened, history[0].To)
	assert.Equal(t, store.StatusSettled, history[1].To)

	assert.Equal(t, []EventKind{EventOpen, EventFilled, EventGasPayment, EventSettle, EventSettled}, env.kinds())
	assert.Equal(t, testQuote, env.destGas.Collected())
}

func TestOpenOnchain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, user := newUser(t)
	userID := order.IdentityFromAddress(user)
	env.originLedger.Mint(tokenIn, userID, big.NewInt(150))

	encoded, err := order.EncodeOrderData(testOrderData(user, 7))
	require.NoError(t, err)
	onchain := order.OnchainOrder{
		FillDeadline:  fillDeadline,
		OrderDataType: order.BasicOrderDataType,
		OrderData:     encoded,
	}

	id, err := env.origin.Open(ctx, user, onchain)
	require.NoError(t, err)
	rec, err := env.origin.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpened, rec.Status)
	assert.Equal(t, int64(50), env.originLedger.BalanceOf(tokenIn, userID).Int64())
	assert.Equal(t, int64(100), env.originLedger.BalanceOf(tokenIn, env.origin.Identity()).Int64())

	used, err := env.origin.IsNonceUsed(ctx, user, uint256.NewInt(7))
	require.NoError(t, err)
	assert.True(t, used)

	_, err = env.origin.Open(ctx, user, onchain)
	assert.ErrorIs(t, err, nonce.ErrInvalidNonce)

	// opened by someone other than the order data sender
	_, err = env.origin.Open(ctx, fillerAddr, onchain)
	assert.ErrorIs(t, err, order.ErrInvalidOrderSender)

	// not enough balance left: nothing moves and the nonce stays free
	encoded, err = order.EncodeOrderData(testOrderData(user, 8))
	require.NoError(t, err)
	_, err = env.origin.Open(ctx, user, order.OnchainOrder{
		FillDeadline:  fillDeadline,
		OrderDataType: order.BasicOrderDataType,
		OrderData:     encoded,
	})
	assert.ErrorIs(t, err, custody.ErrInsufficientBalance)
	used, err = env.origin.IsNonceUsed(ctx, user, uint256.NewInt(8))
	require.NoError(t, err)
	assert.False(t, used)
	assert.Equal(t, int64(50), env.originLedger.BalanceOf(tokenIn, userID).Int64())
	assert.Len(t, env.eventsOf(EventOpen), 1)
}

func TestOpenForValidation(t *testing.T) {
	ctx := context.Background()
	otherKey, _ := newUser(t)

	tests := []struct {
		name        string
		mutateData  func(*order.OrderData)
		mutateOrder func(*order.GaslessOrder)
		wrongSigner bool
		wantErr     error
	}{
		{
			name:        "open deadline passed",
			mutateOrder: func(o *order.GaslessOrder) { o.OpenDeadline = 1_600_000_000 },
			wantErr:     ErrOrderOpenExpired,
		},
		{
			name:        "other settler",
			mutateOrder: func(o *order.GaslessOrder) { o.OriginSettler = destAddr },
			wantErr:     ErrInvalidGaslessOrderSettler,
		},
		{
			name:        "other origin chain",
			mutateOrder: func(o *order.GaslessOrder) { o.OriginChainID = 5 },
			wantErr:     ErrInvalidGaslessOrderOrigin,
		},
		{
			name:       "fill deadline passed",
			mutateData: func(d *order.OrderData) { d.FillDeadline = 1_600_000_000 },
			wantErr:    ErrOrderFillExpired,
		},
		{
			name:       "destination without router",
			mutateData: func(d *order.OrderData) { d.DestinationDomain = 99 },
			wantErr:    ErrInvalidDestination,
		},
		{
			name:        "signed by someone else",
			wrongSigner: true,
			wantErr:     custody.ErrInvalidSigner,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			key, user := newUser(t)
			userID := order.IdentityFromAddress(user)
			env.originLedger.Mint(tokenIn, userID, big.NewInt(100))

			o, res := gaslessOrder(t, user, 3, tt.mutateData)
			signer := key
			if tt.wrongSigner {
				signer = otherKey
			}
			sig := signOrder(t, env.originLedger, signer, o, res)
			if tt.mutateOrder != nil {
				tt.mutateOrder(&o)
			}

			_, err := env.origin.OpenFor(ctx, o, sig)
			assert.ErrorIs(t, err, tt.wantErr)

			used, err := env.origin.IsNonceUsed(ctx, user, uint256.NewInt(3))
			require.NoError(t, err)
			assert.False(t, used)
			assert.Equal(t, int64(100), env.originLedger.BalanceOf(tokenIn, userID).Int64())
			rec, err := env.origin.Order(ctx, res.ID)
			require.NoError(t, err)
			assert.Equal(t, store.StatusUnknown, rec.Status)
			assert.Empty(t, env.events)
		})
	}
}

func TestInvalidateNonces(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key, user := newUser(t)

	require.NoError(t, env.origin.InvalidateNonces(ctx, user, uint256.NewInt(9)))
	invalidations := env.eventsOf(EventNonceInvalidation)
	require.Len(t, invalidations, 1)
	assert.Equal(t, user, invalidations[0].Owner)
	assert.Equal(t, uint256.NewInt(9), invalidations[0].Nonce)

	err := env.origin.InvalidateNonces(ctx, user, uint256.NewInt(9))
	assert.ErrorIs(t, err, nonce.ErrInvalidNonce)

	env.originLedger.Mint(tokenIn, order.IdentityFromAddress(user), big.NewInt(100))
	o, res := gaslessOrder(t, user, 9, nil)
	_, err = env.origin.OpenFor(ctx, o, signOrder(t, env.originLedger, key, o, res))
	assert.ErrorIs(t, err, nonce.ErrInvalidNonce)

	// opening consumes a nonce without an invalidation event
	env.openGasless(t, key, 10)
	assert.Len(t, env.eventsOf(EventNonceInvalidation), 1)
}

func TestFillStatusChecks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, user := newUser(t)
	fillerID := order.IdentityFromAddress(fillerAddr)
	env.destLedger.Mint(tokenOut, fillerID, big.NewInt(1_000))

	_, res := gaslessOrder(t, user, 1, nil)
	originData := res.Order.FillInstructions[0].OriginData

	err := env.dest.Fill(ctx, fillerAddr, order.ID{0x01}, originData, nil)
	assert.ErrorIs(t, err, ErrInvalidOrderID)

	// only the destination named in the order can fill it
	err = env.origin.Fill(ctx, fillerAddr, res.ID, originData, nil)
	assert.ErrorIs(t, err, ErrInvalidOrderDomain)

	env.dest.nowFn = func() time.Time { return time.Unix(fillDeadline+1, 0) }
	err = env.dest.Fill(ctx, fillerAddr, res.ID, originData, nil)
	assert.ErrorIs(t, err, ErrOrderFillExpired)
	env.dest.nowFn = func() time.Time { return testNow }

	require.NoError(t, env.dest.Fill(ctx, fillerAddr, res.ID, originData, fillerID[:]))
	err = env.dest.Fill(ctx, fillerAddr, res.ID, originData, fillerID[:])
	assert.ErrorIs(t, err, ErrInvalidOrderStatus)
	assert.Equal(t, int64(99), env.destLedger.BalanceOf(tokenOut, order.IdentityFromAddress(user)).Int64())

	// a filler that cannot pay leaves no record behind
	_, res = gaslessOrder(t, user, 2, func(d *order.OrderData) { d.AmountOut = big.NewInt(5_000) })
	originData = res.Order.FillInstructions[0].OriginData
	err = env.dest.Fill(ctx, fillerAddr, res.ID, originData, nil)
	assert.ErrorIs(t, err, custody.ErrInsufficientBalance)
	rec, err := env.dest.Order(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnknown, rec.Status)
	assert.Len(t, env.eventsOf(EventFilled), 1)
}

func TestSettleChecks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, user := newUser(t)
	fillerID := order.IdentityFromAddress(fillerAddr)
	env.destLedger.Mint(tokenOut, fillerID, big.NewInt(1_000))

	_, err := env.dest.Settle(ctx, fillerAddr, nil, testQuote)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, unfilled := gaslessOrder(t, user, 1, nil)
	_, err = env.dest.Settle(ctx, fillerAddr, []order.ID{unfilled.ID}, testQuote)
	assert.ErrorIs(t, err, ErrInvalidOrderStatus)

	_, first := gaslessOrder(t, user, 2, nil)
	require.NoError(t, env.dest.Fill(ctx, fillerAddr, first.ID, first.Order.FillInstructions[0].OriginData, fillerID[:]))

	// an order from another origin domain, built without going through a resolver
	other := testOrderData(user, 3)
	other.OriginDomain = 2
	otherID, otherData, err := order.OrderID(other)
	require.NoError(t, err)
	require.NoError(t, env.dest.Fill(ctx, fillerAddr, otherID, otherData, fillerID[:]))

	_, err = env.dest.Settle(ctx, fillerAddr, []order.ID{first.ID, otherID}, testQuote)
	assert.ErrorIs(t, err, ErrMixedOriginDomains)

	_, err = env.dest.Settle(ctx, fillerAddr, []order.ID{otherID}, testQuote)
	assert.ErrorIs(t, err, ErrRouterNotEnrolled)

	_, err = env.dest.Settle(ctx, fillerAddr, []order.ID{first.ID}, big.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientGasPayment)
	assert.Empty(t, env.hub.Pending())
}

func TestRefundFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key, user := newUser(t)
	userID := order.IdentityFromAddress(user)

	res := env.openGasless(t, key, 4)
	originData := res.Order.FillInstructions[0].OriginData

	_, err := env.dest.Refund(ctx, fillerAddr, [][]byte{originData}, testQuote)
	assert.ErrorIs(t, err, ErrOrderFillNotExpired)

	env.dest.nowFn = func() time.Time { return time.Unix(fillDeadline+1, 0) }

	_, err = env.dest.Refund(ctx, fillerAddr, [][]byte{originData}, big.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientGasPayment)
	rec, err := env.dest.Order(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnknown, rec.Status)

	_, err = env.dest.Refund(ctx, fillerAddr, [][]byte{originData, originData}, testQuote)
	assert.ErrorIs(t, err, ErrInvalidOrderStatus)

	msgID, err := env.dest.Refund(ctx, fillerAddr, [][]byte{originData}, testQuote)
	require.NoError(t, err)
	rec, err = env.dest.Order(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRefunded, rec.Status)

	// a refunded order can no longer be filled
	err = env.dest.Fill(ctx, fillerAddr, res.ID, originData, nil)
	assert.ErrorIs(t, err, ErrInvalidOrderStatus)

	assert.Equal(t, 1, env.hub.Deliver(ctx))
	assert.True(t, env.hub.Delivered(msgID))
	rec, err = env.origin.Order(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRefunded, rec.Status)
	assert.Equal(t, int64(100), env.originLedger.BalanceOf(tokenIn, userID).Int64())
	assert.Equal(t, int64(0), env.originLedger.BalanceOf(tokenIn, env.origin.Identity()).Int64())

	refunded := env.eventsOf(EventRefunded)
	require.Len(t, refunded, 1)
	assert.Equal(t, userID, refunded[0].Receiver)
}

func TestHandleBatchOrderAndIdempotency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key, _ := newUser(t)

	var ids []order.ID
	for n := uint64(1); n <= 3; n++ {
		ids = append(ids, env.openGasless(t, key, n).ID)
	}
	receivers := []order.Identity{{0x0a}, {0x0b}, {0x0c}}
	batch := []order.ID{ids[2], {0xee}, ids[0], ids[1]}
	fillerData := [][]byte{receivers[2][:], receivers[0][:], receivers[0][:], receivers[1][:]}
	payload, err := order.EncodeSettle(batch, fillerData)
	require.NoError(t, err)

	env.events = nil
	require.NoError(t, env.origin.Handle(ctx, destDomain, env.dest.Identity(), payload))

	settled := env.eventsOf(EventSettled)
	require.Len(t, settled, 3)
	assert.Equal(t, ids[2], settled[0].OrderID)
	assert.Equal(t, ids[0], settled[1].OrderID)
	assert.Equal(t, ids[1], settled[2].OrderID)
	assert.Equal(t, receivers[2], settled[0].Receiver)
	for i, r := range receivers {
		assert.Equal(t, int64(100), env.originLedger.BalanceOf(tokenIn, r).Int64(), "receiver %d", i)
	}

	// a redelivered batch changes nothing
	require.NoError(t, env.origin.Handle(ctx, destDomain, env.dest.Identity(), payload))
	assert.Len(t, env.eventsOf(EventSettled), 3)
	for _, r := range receivers {
		assert.Equal(t, int64(100), env.originLedger.BalanceOf(tokenIn, r).Int64())
	}

	refund := order.EncodeRefund(ids)
	require.NoError(t, env.origin.Handle(ctx, destDomain, env.dest.Identity(), refund))
	assert.Empty(t, env.eventsOf(EventRefunded))
}

func TestHandleRejectsUnknownSenders(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key, _ := newUser(t)
	res := env.openGasless(t, key, 1)
	payload := order.EncodeRefund([]order.ID{res.ID})

	err := env.origin.Handle(ctx, destDomain, order.Identity{0x66}, payload)
	assert.ErrorIs(t, err, ErrUnauthorizedSender)

	err = env.origin.Handle(ctx, 77, env.dest.Identity(), payload)
	assert.ErrorIs(t, err, ErrUnauthorizedSender)

	err = env.origin.Handle(ctx, destDomain, env.dest.Identity(), payload[:len(payload)-1])
	assert.ErrorIs(t, err, order.ErrMalformedMessage)

	// orders only settle through the router named in their fill instruction
	env.origin.EnrollRemoteRouter(20, order.Identity{0x20}, routerGas)
	require.NoError(t, env.origin.Handle(ctx, 20, order.Identity{0x20}, payload))

	rec, err := env.origin.Order(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpened, rec.Status)
}

func TestHubRetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key, user := newUser(t)
	res := env.openGasless(t, key, 1)

	// the origin stops trusting the destination until it is enrolled again
	env.origin.EnrollRemoteRouter(destDomain, order.Identity{0x99}, routerGas)
	env.dest.nowFn = func() time.Time { return time.Unix(fillDeadline+1, 0) }
	msgID, err := env.dest.Refund(ctx, fillerAddr, [][]byte{res.Order.FillInstructions[0].OriginData}, testQuote)
	require.NoError(t, err)

	assert.Equal(t, 0, env.hub.Deliver(ctx))
	assert.Len(t, env.hub.Pending(), 1)

	env.origin.EnrollRemoteRouter(destDomain, env.dest.Identity(), routerGas)
	assert.Equal(t, 1, env.hub.Deliver(ctx))
	assert.True(t, env.hub.Delivered(msgID))
	assert.Equal(t, int64(100), env.originLedger.BalanceOf(tokenIn, order.IdentityFromAddress(user)).Int64())
}
