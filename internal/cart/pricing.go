// Package cart implements the point-of-sale cart: line pricing, the
// customization selection and the Idle/Editing state machine.
package cart

import (
	"math/big"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
)

// NeutralIncrement is the proportional increment that leaves a price
// unchanged. A proportional value without an increment counts as this.
const NeutralIncrement = 100

// Price computes the final price of an item with the selected values:
//
//	ceil((base + Σ constant increments) * Π (proportional increment / 100))
//
// The product is evaluated exactly and rounded once, so the result does not
// depend on the order of values.
func Price(base codec.Money, values []codec.CustomizationValue) codec.Money {
	num := big.NewInt(int64(base))
	den := big.NewInt(1)
	hundred := big.NewInt(100)

	for _, v := range values {
		if v.ConstantPrice && v.PriceIncrement != nil {
			num.Add(num, big.NewInt(*v.PriceIncrement))
		}
	}
	for _, v := range values {
		if v.ConstantPrice {
			continue
		}
		inc := int64(NeutralIncrement)
		if v.PriceIncrement != nil {
			inc = *v.PriceIncrement
		}
		num.Mul(num, big.NewInt(inc))
		den.Mul(den, hundred)
	}
	return codec.Money(ceilDiv(num, den).Int64())
}

// ceilDiv returns ceil(num/den) for den > 0.
func ceilDiv(num, den *big.Int) *big.Int {
	q, m := new(big.Int).DivMod(num, den, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
