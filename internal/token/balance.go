package token

import (
	"fmt"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

// credit returns h after receiving amount acquired at price. The weighted
// price moves toward price by amount/new_amount of the gap:
//
//	price > cur: cur + amount*(price-cur)/new_amount
//	price < cur: cur - amount*(cur-price)/new_amount
//
// h is never modified; any checked-arithmetic failure leaves the caller's
// record untouched.
func credit(h model.HolderBalance, amount, price fixed.Uint) (model.HolderBalance, error) {
	newAmount, err := h.Amount.Add(amount)
	if err != nil {
		return h, fmt.Errorf("balance overflow for %s: %w", h.AccountID, err)
	}
	newPrice := h.Price
	switch price.Cmp(h.Price) {
	case 1:
		shift, err := shiftPrice(amount, price, h.Price, newAmount)
		if err != nil {
			return h, err
		}
		if newPrice, err = h.Price.Add(shift); err != nil {
			return h, fmt.Errorf("weighted price: %w", err)
		}
	case -1:
		shift, err := shiftPrice(amount, h.Price, price, newAmount)
		if err != nil {
			return h, err
		}
		if newPrice, err = h.Price.Sub(shift); err != nil {
			return h, fmt.Errorf("weighted price: %w", err)
		}
	}
	return model.HolderBalance{AccountID: h.AccountID, Amount: newAmount, Price: newPrice}, nil
}

// debit is the mirror of credit: removing tokens at a price above the
// average pulls the remaining average down, and the reverse. Emptying a
// balance resets its price, which is meaningless at zero.
func debit(h model.HolderBalance, amount, price fixed.Uint) (model.HolderBalance, error) {
	newAmount, err := h.Amount.Sub(amount)
	if err != nil {
		return h, fmt.Errorf("%w: the account %s doesn't have enough balance", model.ErrUnderflow, h.AccountID)
	}
	if newAmount.IsZero() {
		return model.HolderBalance{AccountID: h.AccountID}, nil
	}
	newPrice := h.Price
	switch price.Cmp(h.Price) {
	case 1:
		shift, err := shiftPrice(amount, price, h.Price, newAmount)
		if err != nil {
			return h, err
		}
		if newPrice, err = h.Price.Sub(shift); err != nil {
			return h, fmt.Errorf("weighted price: %w", err)
		}
	case -1:
		shift, err := shiftPrice(amount, h.Price, price, newAmount)
		if err != nil {
			return h, err
		}
		if newPrice, err = h.Price.Add(shift); err != nil {
			return h, fmt.Errorf("weighted price: %w", err)
		}
	}
	return model.HolderBalance{AccountID: h.AccountID, Amount: newAmount, Price: newPrice}, nil
}

// shiftPrice computes amount*(hi-lo)/total.
func shiftPrice(amount, hi, lo, total fixed.Uint) (fixed.Uint, error) {
	gap, err := hi.Sub(lo)
	if err != nil {
		return fixed.Zero, fmt.Errorf("weighted price: %w", err)
	}
	scaled, err := amount.Mul(gap)
	if err != nil {
		return fixed.Zero, fmt.Errorf("weighted price: %w", err)
	}
	shift, err := scaled.Div(total)
	if err != nil {
		return fixed.Zero, fmt.Errorf("weighted price: %w", err)
	}
	return shift, nil
}
