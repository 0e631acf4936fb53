package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
)

type fakeReader struct {
	chainID *big.Int
	block   uint64
	balance *big.Int
	nonce   uint64
	err     error
}

func (f *fakeReader) ChainID(context.Context) (*big.Int, error) { return f.chainID, f.err }
func (f *fakeReader) BlockNumber(context.Context) (uint64, error) { return f.block, f.err }
func (f *fakeReader) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, f.err
}
func (f *fakeReader) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, f.err
}

func TestStatusWithAddress(t *testing.T) {
	client := NewClient(&fakeReader{chainID: big.NewInt(1), block: 255, balance: big.NewInt(4096), nonce: 7})
	tool := client.Tool()
	assert.Equal(t, governance.L1, tool.Level())

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"address":"0x00000000000000000000000000000000000000aa"}`))
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "0x1", snap.ChainID)
	assert.Equal(t, "0xff", snap.BlockNumber)
	assert.Equal(t, "0x1000", snap.Balance)
	assert.Equal(t, "0x7", snap.Nonce)
}

func TestStatusErrors(t *testing.T) {
	client := NewClient(&fakeReader{err: errors.New("connection refused")})
	_, err := client.Status(context.Background(), "")
	require.Error(t, err)
	assert.True(t, xerrors.RetryableError(err))

	_, err = client.Status(context.Background(), "not-an-address")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = Dial(context.Background(), " ")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestStatusAgainstSimulatedBackend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	require.NoError(t, err)

	backend := backends.NewSimulatedBackend(core.GenesisAlloc{
		auth.From: {Balance: big.NewInt(1_000_000_000)},
	}, 8_000_000)
	t.Cleanup(func() { _ = backend.Close() })

	snap, err := NewClient(backend).Status(ctx, auth.From.Hex())
	require.NoError(t, err)
	assert.Equal(t, "0x"+big.NewInt(1_000_000_000).Text(16), snap.Balance)
	assert.Equal(t, "0x0", snap.Nonce)
}
