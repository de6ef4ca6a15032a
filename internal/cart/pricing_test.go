package cart

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
)

func inc(n int64) *int64 { return &n }

func constant(n int64) codec.CustomizationValue {
	return codec.CustomizationValue{ConstantPrice: true, PriceIncrement: inc(n)}
}

func percent(n int64) codec.CustomizationValue {
	return codec.CustomizationValue{PriceIncrement: inc(n)}
}

func TestPrice(t *testing.T) {
	tests := []struct {
		name   string
		base   codec.Money
		values []codec.CustomizationValue
		want   codec.Money
	}{
		{"no customizations", 1000, nil, 1000},
		{"constant then proportional", 1000, []codec.CustomizationValue{constant(50), percent(150)}, 1575},
		{"order does not matter", 1000, []codec.CustomizationValue{percent(150), constant(50)}, 1575},
		{"zero percent", 1000, []codec.CustomizationValue{percent(0)}, 0},
		{"unset proportional is neutral", 1000, []codec.CustomizationValue{{}}, 1000},
		{"unset constant adds nothing", 1000, []codec.CustomizationValue{{ConstantPrice: true}}, 1000},
		{"rounds up once", 45, []codec.CustomizationValue{percent(110), percent(110)}, 55},
		{"exact result is not rounded", 40, []codec.CustomizationValue{percent(125)}, 50},
		{"discount", 55, []codec.CustomizationValue{percent(50)}, 28},
		{"negative constant", 50, []codec.CustomizationValue{constant(-10)}, 40},
		{"several constants", 50, []codec.CustomizationValue{constant(5), constant(10), percent(200)}, 130},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Price(tt.base, tt.values))
		})
	}
}
