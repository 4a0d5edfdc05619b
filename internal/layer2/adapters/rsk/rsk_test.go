package rsk

import (
	"testing"

	"github.com/klingon-exchange/l2dispatch/internal/config"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
)

func TestNewUsesRSKProtocolID(t *testing.T) {
	a := New(nil, config.Mainnet, nil, nil)
	if a.ProtocolID() != layer2.ProtocolRSK {
		t.Fatalf("expected protocol id %q, got %q", layer2.ProtocolRSK, a.ProtocolID())
	}
}
