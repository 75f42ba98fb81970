package rails

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type fakeEthClient struct {
	sent      []*types.Transaction
	sendErr   error
	balance   *big.Int
	gasPrice  *big.Int
	nonce     uint64
	callErr   error
	closed    bool
	estimated bool
}

func (f *fakeEthClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEthClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeEthClient) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	f.estimated = true
	return 65000, nil
}

func (f *fakeEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not mined")
}

func (f *fakeEthClient) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeEthClient) Close() { f.closed = true }

func newTestRail(t *testing.T, client EthClient) *OnchainRail {
	t.Helper()
	rail, err := NewOnchainRail(OnchainConfig{
		RPCURL:        "https://sepolia.base.org",
		PrivateKey:    testKey,
		ChainID:       84532,
		TokenContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenDecimals: 6,
	}, nil, WithEthClient(client))
	require.NoError(t, err)
	return rail
}

func TestNewOnchainRail_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"too short", "abcdef"},
		{"not hex", "zz23456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOnchainRail(OnchainConfig{
				RPCURL:        "https://sepolia.base.org",
				PrivateKey:    tt.key,
				ChainID:       84532,
				TokenContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			}, nil, WithEthClient(&fakeEthClient{}))
			assert.ErrorIs(t, err, ErrInvalidPrivateKey)
		})
	}
}

func TestOnchainSend(t *testing.T) {
	client := &fakeEthClient{nonce: 7}
	rail := newTestRail(t, client)

	res, err := rail.Send(context.Background(), SendRequest{
		AgentID:     "agt_1",
		Destination: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		Amount:      decimal.RequireFromString("1.50"),
		Reference:   "txn_abc",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.RailTxID)
	require.Len(t, client.sent, 1)

	tx := client.sent[0]
	assert.Equal(t, uint64(7), tx.Nonce())
	// Calldata carries the 6-decimal base amount: 1.50 -> 1_500_000.
	data := tx.Data()
	amount := new(big.Int).SetBytes(data[len(data)-32:])
	assert.Equal(t, int64(1_500_000), amount.Int64())
}

func TestOnchainSendFailureIsResult(t *testing.T) {
	client := &fakeEthClient{sendErr: errors.New("insufficient gas funds")}
	rail := newTestRail(t, client)

	res, err := rail.Send(context.Background(), SendRequest{
		Destination: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		Amount:      decimal.RequireFromString("1.00"),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "insufficient gas funds")
}

func TestOnchainBalance(t *testing.T) {
	client := &fakeEthClient{balance: big.NewInt(1_234_567_890)}
	rail := newTestRail(t, client)

	bal, err := rail.Balance(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "1234.56789", bal.String())
}

func TestBaseUnitConversion(t *testing.T) {
	client := &fakeEthClient{}
	rail := newTestRail(t, client)

	tests := []struct {
		amount string
		want   int64
	}{
		{"1", 1_000_000},
		{"1.50", 1_500_000},
		{"0.01", 10_000},
		{"0.000001", 1},
		{"1234.567890", 1_234_567_890},
	}
	for _, tt := range tests {
		got := rail.toBaseUnits(decimal.RequireFromString(tt.amount))
		assert.Equal(t, tt.want, got.Int64(), "amount %s", tt.amount)
	}
}

func TestCentsConversion(t *testing.T) {
	assert.Equal(t, int64(150), toCents(decimal.RequireFromString("1.50")))
	assert.Equal(t, int64(1), toCents(decimal.RequireFromString("0.01")))
	assert.Equal(t, "1.5", fromCents(150).String())
	assert.Equal(t, "0.01", fromCents(1).String())
}

func TestRegistry(t *testing.T) {
	client := &fakeEthClient{}
	rail := newTestRail(t, client)

	reg := NewRegistry()
	reg.Register(rail)

	got, err := reg.Get("onchain")
	require.NoError(t, err)
	assert.Equal(t, "onchain", got.Name())

	_, err = reg.Get("wire")
	assert.ErrorIs(t, err, ErrUnknownRail)
	assert.Equal(t, []string{"onchain"}, reg.Names())
}

func TestOnchainCreateAccountIsCustodial(t *testing.T) {
	client := &fakeEthClient{}
	rail := newTestRail(t, client)

	a, err := rail.CreateAccount(context.Background(), "agt_1")
	require.NoError(t, err)
	b, err := rail.CreateAccount(context.Background(), "agt_2")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, common.IsHexAddress(a))
}
