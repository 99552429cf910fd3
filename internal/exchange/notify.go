package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

// Notification reports that SenderID deposited Amount of AssetID with an
// attached message. It is delivered by the asset itself.
type Notification struct {
	AssetID  string
	SenderID string
	Amount   fixed.Uint
	Msg      string
}

// Message is a decoded deposit message. Only buys are supported.
type Message struct {
	Expected *model.ExpectedPrice
}

// ParseMessage decodes a deposit message. The accepted forms are
//
//	{"Buy":null}
//	{"Buy":["<multiplier>",<decimals>,"<slippage>"]}
func ParseMessage(msg string) (*Message, error) {
	invalid := fmt.Errorf("%w: Invalid message: %s", model.ErrInvalidInput, msg)

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg), &envelope); err != nil || len(envelope) != 1 {
		return nil, invalid
	}
	body, ok := envelope["Buy"]
	if !ok {
		return nil, invalid
	}
	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return &Message{}, nil
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal(body, &tuple); err != nil || len(tuple) != 3 {
		return nil, invalid
	}
	var expected model.ExpectedPrice
	if err := json.Unmarshal(tuple[0], &expected.Multiplier); err != nil {
		return nil, invalid
	}
	if err := json.Unmarshal(tuple[1], &expected.Decimals); err != nil {
		return nil, invalid
	}
	if err := json.Unmarshal(tuple[2], &expected.Slippage); err != nil {
		return nil, invalid
	}
	return &Message{Expected: &expected}, nil
}

// OnTransfer handles an asset deposit. It returns the amount of the deposit
// the exchange did not use: zero when the buy committed, the whole amount
// otherwise, so the asset can refund the sender.
func (o *Orchestrator) OnTransfer(ctx context.Context, n Notification) (fixed.Uint, *model.Operation, error) {
	msg, err := ParseMessage(n.Msg)
	if err != nil {
		return n.Amount, nil, err
	}
	op, err := o.Buy(ctx, Request{
		AccountID: n.SenderID,
		AssetID:   n.AssetID,
		Amount:    n.Amount,
		Expected:  msg.Expected,
	})
	if err != nil {
		return n.Amount, op, err
	}
	return fixed.Zero, op, nil
}
