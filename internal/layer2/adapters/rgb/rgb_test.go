package rgb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/l2dispatch/internal/layer2"
)

type fakeGossip struct {
	published [][]byte
}

func (f *fakeGossip) Publish(ctx context.Context, data []byte) error {
	f.published = append(f.published, data)
	return nil
}

func setupConnected(t *testing.T, g Gossip) *Adapter {
	t.Helper()
	a := New(g, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func TestIssueAssetGrantsFullRightsAndBroadcasts(t *testing.T) {
	g := &fakeGossip{}
	a := setupConnected(t, g)

	id, err := a.IssueAsset(context.Background(), layer2.IssueParams{Name: "widget", TotalSupply: 1000})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, g.published, 1, "issuance must broadcast the new contract state")

	a.mu.Lock()
	c := a.contracts[id]
	a.mu.Unlock()
	require.True(t, c.Rights.Allows(RightTransfer))
	require.Equal(t, uint64(1000), c.Balances["issuer"])
}

func TestTransferAssetRejectedWithoutTransferRight(t *testing.T) {
	a := setupConnected(t, nil)
	id, err := a.IssueAsset(context.Background(), layer2.IssueParams{Name: "locked", TotalSupply: 100})
	require.NoError(t, err)

	a.mu.Lock()
	a.contracts[id].Rights = RightIssue // strip transfer rights
	a.mu.Unlock()

	_, err = a.TransferAsset(context.Background(), layer2.Transfer{AssetID: id, Amount: 10, Memo: "bob"})
	require.Error(t, err)
}

func TestTransferAssetMovesBalance(t *testing.T) {
	a := setupConnected(t, nil)
	id, err := a.IssueAsset(context.Background(), layer2.IssueParams{Name: "widget", TotalSupply: 1000})
	require.NoError(t, err)

	_, err = a.TransferAsset(context.Background(), layer2.Transfer{AssetID: id, Amount: 200, Memo: "bob"})
	require.NoError(t, err)

	a.mu.Lock()
	c := a.contracts[id]
	a.mu.Unlock()
	require.Equal(t, uint64(800), c.Balances["issuer"])
	require.Equal(t, uint64(200), c.Balances["bob"])
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	a := setupConnected(t, nil)
	id, err := a.IssueAsset(context.Background(), layer2.IssueParams{Name: "widget", TotalSupply: 1000})
	require.NoError(t, err)

	rec, err := a.Serialize()
	require.NoError(t, err)

	b := New(nil, nil, nil)
	require.NoError(t, b.Deserialize(rec))
	require.Equal(t, uint64(1000), b.contracts[id].TotalSupply)
}
