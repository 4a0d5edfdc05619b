package layer2

import "context"

// Protocol is the async contract every Layer-2 adapter implements. The
// Manager holds adapters only behind this interface; adapters never
// reference the Manager.
type Protocol interface {
	Initialize(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Health(ctx context.Context) (ProtocolHealth, error)
	GetState(ctx context.Context) (ProtocolState, error)
	SubmitTransaction(ctx context.Context, raw []byte) (TxID, error)
	CheckTransactionStatus(ctx context.Context, id TxID) (TxStatus, error)
	IssueAsset(ctx context.Context, params IssueParams) (AssetID, error)
	TransferAsset(ctx context.Context, t Transfer) (TransferResult, error)
	EstimateFees(ctx context.Context, op OpKind, params FeeParams) (FeeSchedule, error)
	GenerateProof(ctx context.Context, id TxID) (Proof, error)
	VerifyProof(ctx context.Context, p Proof) (bool, error)
	ProtocolID() ProtocolID
}

// Serializable is implemented by adapters that can snapshot their
// external state for C8's storage collaborator.
type Serializable interface {
	Serialize() (PersistedRecord, error)
	Deserialize(PersistedRecord) error
}
