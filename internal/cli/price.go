package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Kaffe-diem/kaffediem/internal/app"
	"github.com/Kaffe-diem/kaffediem/internal/cart"
	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/menu"
)

// PriceResult is the price command output.
type PriceResult struct {
	Item           string   `json:"item"`
	Name           string   `json:"name"`
	BasePrice      int64    `json:"base_price_nok"`
	Customizations []string `json:"customizations"`
	TotalPrice     int64    `json:"total_price_nok"`
}

// NewPriceCommand creates the price command.
func NewPriceCommand(rootOpts *RootOptions) *cobra.Command {
	var noDefaults bool

	cmd := &cobra.Command{
		Use:   "price <item-id> [value-id...]",
		Short: "Price an item with customizations",
		Long: `Price one cart line against the current menu. The item starts with the
default value of every key its category allows; each value given replaces
the selection of its key (or is added, for multiple choice keys).

Exit codes:
  0 - Line priced
  2 - Command error (unknown item or value, bad config)

Examples:
  kaffediem price latte
  kaffediem price latte large oat
  kaffediem price latte --no-defaults --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrice(rootOpts, args[0], args[1:], noDefaults, cmd)
		},
	}

	cmd.Flags().BoolVar(&noDefaults, "no-defaults", false, "start from an empty selection")

	return cmd
}

func runPrice(opts *RootOptions, itemID string, valueIDs []string, noDefaults bool, cmd *cobra.Command) error {
	ctx := context.Background()
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, _, err := openApp(ctx, cmd, opts, cfg, app.Options{Services: app.ServiceMenu})
	if err != nil {
		return err
	}
	defer a.Close()
	a.Loop.Drain()

	line, err := priceLine(a.Menu.Indexes(), ir.RecordID(itemID), valueIDs, noDefaults)
	if err != nil {
		return err
	}

	result := PriceResult{
		Item:           string(line.Item.ID),
		Name:           line.Item.Name,
		BasePrice:      int64(line.BasePrice),
		Customizations: []string{},
		TotalPrice:     int64(line.TotalPrice),
	}
	lines := []string{fmt.Sprintf("%s  %d kr", line.Item.Name, line.BasePrice)}
	for _, v := range line.Customizations {
		result.Customizations = append(result.Customizations, string(v.ID))
		label := v.Name
		if inc := increment(v); inc != "" {
			label += " (" + inc + ")"
		}
		lines = append(lines, "  + "+label)
	}
	lines = append(lines, fmt.Sprintf("Total: %d kr", line.TotalPrice))
	return formatter(opts, cmd).Lines(result, lines)
}

// priceLine drives a cart through item selection and value toggles and
// returns the added line.
func priceLine(idx *menu.Indexes, itemID ir.RecordID, valueIDs []string, noDefaults bool) (cart.Line, error) {
	c := cart.New(idx)
	if !c.SelectItem(itemID) {
		return cart.Line{}, NewExitError(ExitCommandError, fmt.Sprintf("unknown item %q", itemID))
	}
	if noDefaults {
		for _, key := range idx.Keys() {
			for _, v := range c.Selection().Get(key.ID) {
				c.ToggleCustomization(key, v)
			}
		}
	}

	for _, id := range valueIDs {
		v, ok := idx.Value(ir.RecordID(id))
		if !ok {
			return cart.Line{}, NewExitError(ExitCommandError, fmt.Sprintf("unknown customization value %q", id))
		}
		key, ok := idx.Key(v.BelongsTo)
		if !ok {
			return cart.Line{}, NewExitError(ExitCommandError, fmt.Sprintf("customization value %q has no key", id))
		}
		selected := c.Selection().Get(key.ID)
		if slices.ContainsFunc(selected, func(s codec.CustomizationValue) bool { return s.ID == v.ID }) {
			continue
		}
		c.ToggleCustomization(key, v)
	}

	item, _ := idx.Item(itemID)
	return c.AddToCart(item), nil
}
