package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Kaffe-diem/kaffediem/internal/app"
	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/menu"
)

// MenuCategory is a category in menu output.
type MenuCategory struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Items []MenuItem `json:"items"`
}

// MenuItem is an item in menu output.
type MenuItem struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Price          int64               `json:"price_nok"`
	Customizations []MenuCustomization `json:"customizations,omitempty"`
}

// MenuCustomization is a key with its choices in menu output.
type MenuCustomization struct {
	Key      string      `json:"key"`
	Name     string      `json:"name"`
	Multiple bool        `json:"multiple_choice"`
	Values   []MenuValue `json:"values"`
}

// MenuValue is one choice in menu output.
type MenuValue struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Increment string `json:"increment,omitempty"`
}

// MenuResult is the menu command output.
type MenuResult struct {
	Categories []MenuCategory `json:"categories"`
	Stale      bool           `json:"stale"`
}

// NewMenuCommand creates the menu command.
func NewMenuCommand(rootOpts *RootOptions) *cobra.Command {
	var customizations bool

	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Print the current menu",
		Long: `Fetch the catalog and print the menu tree: enabled categories in sort
order, their enabled items and the customizations each category allows.

Exit codes:
  0 - Menu printed (possibly stale when sync degraded)
  2 - Command error (bad config, backend unreachable at startup)

Examples:
  kaffediem menu
  kaffediem menu --customizations
  kaffediem menu --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMenu(rootOpts, customizations, cmd)
		},
	}

	cmd.Flags().BoolVar(&customizations, "customizations", false, "list customizations under each item")

	return cmd
}

func runMenu(opts *RootOptions, customizations bool, cmd *cobra.Command) error {
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

	result := menuResult(a.Menu.Tree(), a.Menu.Stale())
	return formatter(opts, cmd).Lines(result, menuLines(result, customizations))
}

func menuResult(tree []menu.Category, stale bool) MenuResult {
	result := MenuResult{Categories: make([]MenuCategory, 0, len(tree)), Stale: stale}
	for _, cat := range tree {
		mc := MenuCategory{ID: string(cat.ID), Name: cat.Name, Items: []MenuItem{}}
		for _, it := range cat.Items {
			mi := MenuItem{ID: string(it.ID), Name: it.Name, Price: int64(it.Price)}
			for _, c := range it.Customizations {
				cust := MenuCustomization{
					Key:      string(c.Key.ID),
					Name:     c.Key.Name,
					Multiple: c.Key.MultipleChoice,
					Values:   []MenuValue{},
				}
				for _, v := range c.Values {
					cust.Values = append(cust.Values, MenuValue{ID: string(v.ID), Name: v.Name, Increment: increment(v)})
				}
				mi.Customizations = append(mi.Customizations, cust)
			}
			mc.Items = append(mc.Items, mi)
		}
		result.Categories = append(result.Categories, mc)
	}
	return result
}

func menuLines(result MenuResult, customizations bool) []string {
	var lines []string
	if result.Stale {
		lines = append(lines, "(stale: not receiving live updates)")
	}
	for _, cat := range result.Categories {
		lines = append(lines, cat.Name)
		for _, it := range cat.Items {
			lines = append(lines, fmt.Sprintf("  %-24s %5d kr  [%s]", it.Name, it.Price, it.ID))
			if !customizations {
				continue
			}
			for _, c := range it.Customizations {
				names := make([]string, len(c.Values))
				for i, v := range c.Values {
					names[i] = v.Name
					if v.Increment != "" {
						names[i] += " (" + v.Increment + ")"
					}
				}
				lines = append(lines, fmt.Sprintf("    %s: %s", c.Name, strings.Join(names, ", ")))
			}
		}
	}
	return lines
}

// increment describes a value's price effect: "+5 kr" for a constant
// delta, "130%" for a factor. Unset and neutral increments are omitted.
func increment(v codec.CustomizationValue) string {
	if v.PriceIncrement == nil {
		return ""
	}
	n := *v.PriceIncrement
	if v.ConstantPrice {
		if n == 0 {
			return ""
		}
		return fmt.Sprintf("%+d kr", n)
	}
	if n == 100 {
		return ""
	}
	return fmt.Sprintf("%d%%", n)
}
