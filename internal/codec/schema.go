// Package codec converts between wire records and the internal Record and
// typed entity shapes.
//
// Wire records are snake_case JSON objects. Relation fields carry bare ids,
// and the server may additionally resolve them under an "expand" object.
// Decoding never fails for a missing optional field: documented defaults
// are substituted instead. Only a missing id abandons the record.
package codec

// Collection names as used on the wire and in realtime topics.
const (
	CollectionCategory           = "category"
	CollectionCustomizationKey   = "customization_key"
	CollectionCustomizationValue = "customization_value"
	CollectionItem               = "item"
	CollectionItemCustomization  = "item_customization"
	CollectionMessage            = "message"
	CollectionOrder              = "order"
	CollectionOrderItem          = "order_item"
	CollectionStatus             = "status"
	CollectionUser               = "user"
)

// FieldKind describes how a wire field is decoded and what default it takes
// when absent.
type FieldKind int

const (
	// KindString defaults to "".
	KindString FieldKind = iota + 1
	// KindInt defaults to 0.
	KindInt
	// KindBool defaults to false.
	KindBool
	// KindOptionalInt stays absent when missing; callers distinguish "unset"
	// from zero (price increments rely on this).
	KindOptionalInt
	// KindRelation is a single relation id, optionally expanded.
	KindRelation
	// KindRelations is a multi-valued relation, optionally expanded.
	KindRelations
	// KindFile is a stored file name; written as a multipart part.
	KindFile
	// KindOpaqueID is an identity that may be a string or an integer on the
	// wire. It is always held as a string.
	KindOpaqueID
)

// Field declares one wire field of a collection.
type Field struct {
	Name string
	Kind FieldKind
	// Target names the related collection for relation kinds, used to decode
	// expanded records.
	Target string
}

// Schema lists the fields the codec knows for a collection. Fields not
// listed are still decoded leniently into Record.Fields.
type Schema struct {
	Collection string
	Fields     []Field
}

// Field returns the declared field with the given name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// serverOwned fields are never decoded into Fields and never encoded.
var serverOwned = map[string]bool{
	"id":             true,
	"created":        true,
	"updated":        true,
	"collectionId":   true,
	"collectionName": true,
	"expand":         true,
}

// IsServerOwned reports whether a wire key is owned by the server.
func IsServerOwned(key string) bool {
	return serverOwned[key]
}

// Registry maps collection names to schemas.
type Registry map[string]Schema

// Lookup returns the schema for a collection, or an empty schema carrying
// only the name when the collection is unknown.
func (r Registry) Lookup(collection string) Schema {
	if s, ok := r[collection]; ok {
		return s
	}
	return Schema{Collection: collection}
}

// DefaultRegistry returns the schemas of the coffee-shop backend.
func DefaultRegistry() Registry {
	return Registry{
		CollectionCategory: {
			Collection: CollectionCategory,
			Fields: []Field{
				{Name: "name", Kind: KindString},
				{Name: "sort_order", Kind: KindInt},
				{Name: "enable", Kind: KindBool},
				{Name: "valid_customizations", Kind: KindRelations, Target: CollectionCustomizationKey},
			},
		},
		CollectionCustomizationKey: {
			Collection: CollectionCustomizationKey,
			Fields: []Field{
				{Name: "name", Kind: KindString},
				{Name: "enable", Kind: KindBool},
				{Name: "label_color", Kind: KindString},
				{Name: "multiple_choice", Kind: KindBool},
				{Name: "sort_order", Kind: KindInt},
				{Name: "default_value", Kind: KindRelation, Target: CollectionCustomizationValue},
			},
		},
		CollectionCustomizationValue: {
			Collection: CollectionCustomizationValue,
			Fields: []Field{
				{Name: "name", Kind: KindString},
				{Name: "belongs_to", Kind: KindRelation, Target: CollectionCustomizationKey},
				{Name: "constant_price", Kind: KindBool},
				{Name: "enable", Kind: KindBool},
				{Name: "price_increment_nok", Kind: KindOptionalInt},
				{Name: "sort_order", Kind: KindInt},
			},
		},
		CollectionItem: {
			Collection: CollectionItem,
			Fields: []Field{
				{Name: "name", Kind: KindString},
				{Name: "price_nok", Kind: KindInt},
				{Name: "category", Kind: KindRelation, Target: CollectionCategory},
				{Name: "enable", Kind: KindBool},
				{Name: "image", Kind: KindFile},
				{Name: "sort_order", Kind: KindInt},
			},
		},
		CollectionItemCustomization: {
			Collection: CollectionItemCustomization,
			Fields: []Field{
				{Name: "key", Kind: KindRelation, Target: CollectionCustomizationKey},
				{Name: "value", Kind: KindRelations, Target: CollectionCustomizationValue},
			},
		},
		CollectionMessage: {
			Collection: CollectionMessage,
			Fields: []Field{
				{Name: "title", Kind: KindString},
				{Name: "subtitle", Kind: KindString},
			},
		},
		CollectionOrder: {
			Collection: CollectionOrder,
			Fields: []Field{
				{Name: "customer", Kind: KindOpaqueID},
				{Name: "day_id", Kind: KindInt},
				{Name: "items", Kind: KindRelations, Target: CollectionOrderItem},
				{Name: "missing_information", Kind: KindBool},
				{Name: "state", Kind: KindString},
			},
		},
		CollectionOrderItem: {
			Collection: CollectionOrderItem,
			Fields: []Field{
				{Name: "item", Kind: KindRelation, Target: CollectionItem},
				{Name: "customization", Kind: KindRelations, Target: CollectionCustomizationValue},
			},
		},
		CollectionStatus: {
			Collection: CollectionStatus,
			Fields: []Field{
				{Name: "open", Kind: KindBool},
				{Name: "show_message", Kind: KindBool},
				{Name: "message", Kind: KindRelation, Target: CollectionMessage},
			},
		},
		CollectionUser: {
			Collection: CollectionUser,
			Fields: []Field{
				{Name: "name", Kind: KindString},
				{Name: "username", Kind: KindString},
				{Name: "email", Kind: KindString},
				{Name: "avatar", Kind: KindFile},
				{Name: "is_admin", Kind: KindBool},
			},
		},
	}
}
