package codec

import "github.com/Kaffe-diem/kaffediem/internal/ir"

// Codec binds a collection to its typed entity.
type Codec[T any] struct {
	Collection string
	FromRecord func(ir.Record) T
	// Encode is nil for read-only collections.
	Encode func(T) Payload
}

var (
	Categories          = Codec[Category]{CollectionCategory, CategoryFromRecord, EncodeCategory}
	Items               = Codec[Item]{CollectionItem, ItemFromRecord, EncodeItem}
	CustomizationKeys   = Codec[CustomizationKey]{CollectionCustomizationKey, CustomizationKeyFromRecord, EncodeCustomizationKey}
	CustomizationValues = Codec[CustomizationValue]{CollectionCustomizationValue, CustomizationValueFromRecord, EncodeCustomizationValue}
	ItemCustomizations  = Codec[ItemCustomization]{CollectionItemCustomization, ItemCustomizationFromRecord, nil}
	Orders              = Codec[Order]{CollectionOrder, OrderFromRecord, nil}
	OrderItems          = Codec[OrderItem]{CollectionOrderItem, OrderItemFromRecord, nil}
	Messages            = Codec[Message]{CollectionMessage, MessageFromRecord, EncodeMessage}
	Statuses            = Codec[Status]{CollectionStatus, StatusFromRecord, EncodeStatus}
	Users               = Codec[User]{CollectionUser, UserFromRecord, nil}
)
