package codec

import (
	"fmt"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Money is an amount in whole NOK. Prices are integral everywhere on the
// wire, so no fractional unit is carried.
type Money int64

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderReceived   OrderState = "received"
	OrderProduction OrderState = "production"
	OrderCompleted  OrderState = "completed"
	OrderDispatched OrderState = "dispatched"
)

// OrderStates lists every state in lifecycle order.
var OrderStates = []OrderState{OrderReceived, OrderProduction, OrderCompleted, OrderDispatched}

// ParseOrderState validates a wire state string.
func ParseOrderState(s string) (OrderState, error) {
	for _, st := range OrderStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown order state %q", s)
}

// Category groups menu items.
type Category struct {
	ID                  ir.RecordID
	Name                string
	SortOrder           int64
	Enable              bool
	ValidCustomizations []ir.RecordID
}

// Item is a menu item.
type Item struct {
	ID        ir.RecordID
	Name      string
	Price     Money
	Category  ir.RecordID
	Image     string
	Enable    bool
	SortOrder int64

	// ImageUpload, when set, is sent as a multipart attachment.
	ImageUpload *File
}

// CustomizationKey is a customization dimension such as size or milk.
type CustomizationKey struct {
	ID             ir.RecordID
	Name           string
	Enable         bool
	LabelColor     string
	MultipleChoice bool
	SortOrder      int64
	DefaultValue   ir.RecordID
}

// CustomizationValue is one choice under a CustomizationKey.
type CustomizationValue struct {
	ID            ir.RecordID
	Name          string
	BelongsTo     ir.RecordID
	ConstantPrice bool
	Enable        bool
	SortOrder     int64

	// PriceIncrement is an additive NOK delta when ConstantPrice is set and
	// a percentage factor (100 = unchanged) otherwise. Nil means unset.
	PriceIncrement *int64
}

// ItemCustomization is a submitted (key, values) pair on an order line.
type ItemCustomization struct {
	ID     ir.RecordID
	Key    ir.RecordID
	Values []ir.RecordID
}

// OrderItem is a submitted order line.
type OrderItem struct {
	ID             ir.RecordID
	Item           ir.RecordID
	Customizations []ir.RecordID

	// Expanded is set when the server resolved the item relation.
	Expanded *Item
}

// Order is a customer order.
type Order struct {
	ID                 ir.RecordID
	Customer           string
	DayID              int64
	Items              []OrderItem
	State              OrderState
	MissingInformation bool
	Created            string
}

// Message is a display message shown on the status screen.
type Message struct {
	ID       ir.RecordID
	Title    string
	Subtitle string
}

// Status is the shop open/closed singleton.
type Status struct {
	ID          ir.RecordID
	Open        bool
	ShowMessage bool
	Message     ir.RecordID

	// Expanded is set when the server resolved the message relation.
	Expanded *Message
}

// User is a backend account. Only read; account management is external.
type User struct {
	ID       ir.RecordID
	Name     string
	Username string
	Email    string
	Avatar   string
	IsAdmin  bool
}

func str(obj ir.Object, key string) string {
	s, _ := obj.Str(key)
	return s
}

func integer(obj ir.Object, key string) int64 {
	n, _ := obj.Int(key)
	return n
}

func boolean(obj ir.Object, key string) bool {
	b, _ := obj.Bool(key)
	return b
}

func ids(rec ir.Record, name string) []ir.RecordID {
	rel := rec.Relation(name)
	if rel == nil {
		return []ir.RecordID{}
	}
	out := rel.IDs()
	if out == nil {
		return []ir.RecordID{}
	}
	return out
}

// CategoryFromRecord maps a decoded record to a Category.
func CategoryFromRecord(rec ir.Record) Category {
	return Category{
		ID:                  rec.ID,
		Name:                str(rec.Fields, "name"),
		SortOrder:           integer(rec.Fields, "sort_order"),
		Enable:              boolean(rec.Fields, "enable"),
		ValidCustomizations: ids(rec, "valid_customizations"),
	}
}

// ItemFromRecord maps a decoded record to an Item.
func ItemFromRecord(rec ir.Record) Item {
	return Item{
		ID:        rec.ID,
		Name:      str(rec.Fields, "name"),
		Price:     Money(integer(rec.Fields, "price_nok")),
		Category:  ir.FirstID(rec.Relation("category")),
		Image:     str(rec.Fields, "image"),
		Enable:    boolean(rec.Fields, "enable"),
		SortOrder: integer(rec.Fields, "sort_order"),
	}
}

// CustomizationKeyFromRecord maps a decoded record to a CustomizationKey.
func CustomizationKeyFromRecord(rec ir.Record) CustomizationKey {
	return CustomizationKey{
		ID:             rec.ID,
		Name:           str(rec.Fields, "name"),
		Enable:         boolean(rec.Fields, "enable"),
		LabelColor:     str(rec.Fields, "label_color"),
		MultipleChoice: boolean(rec.Fields, "multiple_choice"),
		SortOrder:      integer(rec.Fields, "sort_order"),
		DefaultValue:   ir.FirstID(rec.Relation("default_value")),
	}
}

// CustomizationValueFromRecord maps a decoded record to a CustomizationValue.
func CustomizationValueFromRecord(rec ir.Record) CustomizationValue {
	v := CustomizationValue{
		ID:            rec.ID,
		Name:          str(rec.Fields, "name"),
		BelongsTo:     ir.FirstID(rec.Relation("belongs_to")),
		ConstantPrice: boolean(rec.Fields, "constant_price"),
		Enable:        boolean(rec.Fields, "enable"),
		SortOrder:     integer(rec.Fields, "sort_order"),
	}
	if n, ok := rec.Fields.Int("price_increment_nok"); ok {
		v.PriceIncrement = &n
	}
	return v
}

// ItemCustomizationFromRecord maps a decoded record to an ItemCustomization.
func ItemCustomizationFromRecord(rec ir.Record) ItemCustomization {
	return ItemCustomization{
		ID:     rec.ID,
		Key:    ir.FirstID(rec.Relation("key")),
		Values: ids(rec, "value"),
	}
}

// OrderItemFromRecord maps a decoded record to an OrderItem.
func OrderItemFromRecord(rec ir.Record) OrderItem {
	oi := OrderItem{
		ID:             rec.ID,
		Item:           ir.FirstID(rec.Relation("item")),
		Customizations: ids(rec, "customization"),
	}
	if exp, ok := rec.Relation("item").(ir.Expanded); ok {
		item := ItemFromRecord(exp.Record)
		oi.Expanded = &item
	}
	return oi
}

// OrderFromRecord maps a decoded record to an Order. Expanded order lines
// are decoded in full; bare ids become lines carrying only their id.
func OrderFromRecord(rec ir.Record) Order {
	o := Order{
		ID:                 rec.ID,
		Customer:           str(rec.Fields, "customer"),
		DayID:              integer(rec.Fields, "day_id"),
		State:              OrderState(str(rec.Fields, "state")),
		MissingInformation: boolean(rec.Fields, "missing_information"),
		Created:            rec.Created,
		Items:              []OrderItem{},
	}
	switch items := rec.Relation("items").(type) {
	case ir.ExpandedList:
		for _, r := range items {
			o.Items = append(o.Items, OrderItemFromRecord(r))
		}
	case nil:
	default:
		for _, id := range items.IDs() {
			o.Items = append(o.Items, OrderItem{ID: id, Customizations: []ir.RecordID{}})
		}
	}
	return o
}

// MessageFromRecord maps a decoded record to a Message.
func MessageFromRecord(rec ir.Record) Message {
	return Message{
		ID:       rec.ID,
		Title:    str(rec.Fields, "title"),
		Subtitle: str(rec.Fields, "subtitle"),
	}
}

// StatusFromRecord maps a decoded record to a Status.
func StatusFromRecord(rec ir.Record) Status {
	s := Status{
		ID:          rec.ID,
		Open:        boolean(rec.Fields, "open"),
		ShowMessage: boolean(rec.Fields, "show_message"),
		Message:     ir.FirstID(rec.Relation("message")),
	}
	if exp, ok := rec.Relation("message").(ir.Expanded); ok {
		m := MessageFromRecord(exp.Record)
		s.Expanded = &m
	}
	return s
}

// UserFromRecord maps a decoded record to a User.
func UserFromRecord(rec ir.Record) User {
	return User{
		ID:       rec.ID,
		Name:     str(rec.Fields, "name"),
		Username: str(rec.Fields, "username"),
		Email:    str(rec.Fields, "email"),
		Avatar:   str(rec.Fields, "avatar"),
		IsAdmin:  boolean(rec.Fields, "is_admin"),
	}
}

func relationValue(id ir.RecordID) ir.Value {
	if id == "" {
		return ir.Null{}
	}
	return ir.String(id)
}

// EncodeCategory builds the mutation payload for a category.
func EncodeCategory(c Category) Payload {
	return Payload{Fields: ir.Object{
		"name":                 ir.String(c.Name),
		"sort_order":           ir.Int(c.SortOrder),
		"enable":               ir.Bool(c.Enable),
		"valid_customizations": idArray(c.ValidCustomizations),
	}}
}

// EncodeItem builds the mutation payload for an item. An ImageUpload turns
// the payload into a multipart form.
func EncodeItem(i Item) Payload {
	p := Payload{Fields: ir.Object{
		"name":       ir.String(i.Name),
		"price_nok":  ir.Int(i.Price),
		"category":   relationValue(i.Category),
		"enable":     ir.Bool(i.Enable),
		"sort_order": ir.Int(i.SortOrder),
	}}
	if i.ImageUpload != nil {
		f := *i.ImageUpload
		f.Field = "image"
		p.Files = []File{f}
	}
	return p
}

// EncodeCustomizationKey builds the mutation payload for a customization key.
func EncodeCustomizationKey(k CustomizationKey) Payload {
	return Payload{Fields: ir.Object{
		"name":            ir.String(k.Name),
		"enable":          ir.Bool(k.Enable),
		"label_color":     ir.String(k.LabelColor),
		"multiple_choice": ir.Bool(k.MultipleChoice),
		"sort_order":      ir.Int(k.SortOrder),
		"default_value":   relationValue(k.DefaultValue),
	}}
}

// EncodeCustomizationValue builds the mutation payload for a customization
// value. An unset increment is sent as null.
func EncodeCustomizationValue(v CustomizationValue) Payload {
	var inc ir.Value = ir.Null{}
	if v.PriceIncrement != nil {
		inc = ir.Int(*v.PriceIncrement)
	}
	return Payload{Fields: ir.Object{
		"name":                ir.String(v.Name),
		"belongs_to":          relationValue(v.BelongsTo),
		"constant_price":      ir.Bool(v.ConstantPrice),
		"enable":              ir.Bool(v.Enable),
		"price_increment_nok": inc,
		"sort_order":          ir.Int(v.SortOrder),
	}}
}

// EncodeMessage builds the mutation payload for a message.
func EncodeMessage(m Message) Payload {
	return Payload{Fields: ir.Object{
		"title":    ir.String(m.Title),
		"subtitle": ir.String(m.Subtitle),
	}}
}

// EncodeStatus builds the mutation payload for the status singleton.
func EncodeStatus(s Status) Payload {
	return Payload{Fields: ir.Object{
		"open":         ir.Bool(s.Open),
		"show_message": ir.Bool(s.ShowMessage),
		"message":      relationValue(s.Message),
	}}
}

// EncodeOrderState builds the partial payload used for state transitions.
func EncodeOrderState(state OrderState) Payload {
	return Payload{Fields: ir.Object{"state": ir.String(state)}}
}
