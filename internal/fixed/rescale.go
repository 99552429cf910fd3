package fixed

// Rescale converts amount from one decimal precision to another. Scaling up
// multiplies by 10^(to-from) and fails on overflow; scaling down divides by
// 10^(from-to) and truncates toward zero.
func Rescale(amount Uint, from, to uint8) (Uint, error) {
	switch {
	case from == to:
		return amount, nil
	case to > from:
		factor, err := Pow10(uint(to - from))
		if err != nil {
			if amount.IsZero() {
				return Zero, nil
			}
			return Zero, err
		}
		return amount.Mul(factor)
	default:
		factor, err := Pow10(uint(from - to))
		if err != nil {
			// Every 128-bit value is below 10^39.
			return Zero, nil
		}
		return amount.Div(factor)
	}
}
