package participant

import (
	"fmt"

	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/ledger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

// Wallet is a user's points balance.
type Wallet struct {
	UserID int64 `json:"userId" koanf:"user_id"`
	Points int64 `json:"points" koanf:"points"`
}

func walletKey(userID int64) string { return fmt.Sprintf("wallet:%d", userID) }

// Wallets uses and refunds points.
type Wallets struct{}

func (Wallets) Step() saga.Step { return saga.StepPoints }

func (Wallets) Apply(tx ledger.Tx, cmd protocol.Message, header protocol.Header) (protocol.Message, error) {
	c, ok := cmd.(*protocol.PointsCommand)
	if !ok {
		return nil, fmt.Errorf("wallet: unexpected command %T", cmd)
	}
	if c.PointsUsed <= 0 {
		return nil, failure.Domainf(failure.CodeInvalidRequest, "invalid points amount %d", c.PointsUsed)
	}

	var w Wallet
	found, err := tx.Get(walletKey(c.UserID), &w)
	if err != nil {
		return nil, err
	}

	if c.Type == protocol.TypePointsRefund {
		if !found {
			w = Wallet{UserID: c.UserID}
		}
		w.Points += c.PointsUsed
		if err := tx.Put(walletKey(c.UserID), w); err != nil {
			return nil, err
		}
		return &protocol.Compensated{Header: header}, nil
	}

	if !found || w.Points < c.PointsUsed {
		return nil, failure.Domainf(failure.CodeInsufficientPoints,
			"insufficient points: have %d, need %d", w.Points, c.PointsUsed)
	}
	w.Points -= c.PointsUsed
	if err := tx.Put(walletKey(c.UserID), w); err != nil {
		return nil, err
	}
	return &protocol.PointsDeducted{Header: header, PointsUsed: c.PointsUsed}, nil
}
