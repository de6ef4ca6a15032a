package view

import (
	"slices"
	"strings"
	"time"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
)

// DayLayout is the date format of the from_date query parameter.
const DayLayout = "2006-01-02"

// Day formats t as a from_date value in UTC, matching the server's
// created timestamps.
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// CreatedOn matches orders created on day (YYYY-MM-DD).
func CreatedOn(day string) func(codec.Order) bool {
	return func(o codec.Order) bool {
		return strings.HasPrefix(o.Created, day)
	}
}

// InState matches orders in any of states.
func InState(states ...codec.OrderState) func(codec.Order) bool {
	return func(o codec.Order) bool {
		return slices.Contains(states, o.State)
	}
}

// PlacedBy matches orders of one customer. An empty id matches nothing.
func PlacedBy(customer string) func(codec.Order) bool {
	return func(o codec.Order) bool {
		return customer != "" && o.Customer == customer
	}
}

// Enabled matches enabled menu items.
func Enabled(i codec.Item) bool {
	return i.Enable
}
