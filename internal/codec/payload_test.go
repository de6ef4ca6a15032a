package codec

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

func TestEncodeItem_JSON(t *testing.T) {
	p := EncodeItem(Item{ID: "i1", Name: "Latte", Price: 50, Category: "c1", Enable: true, SortOrder: 2, Image: "latte.png"})
	assert.False(t, p.IsMultipart())

	ct, body, err := p.Body()
	require.NoError(t, err)
	assert.Equal(t, "application/json", ct)
	assert.JSONEq(t, `{"name":"Latte","price_nok":50,"category":"c1","enable":true,"sort_order":2}`, string(body))
}

func TestEncodeItem_MultipartWithImage(t *testing.T) {
	p := EncodeItem(Item{
		Name:        "Mocha",
		Price:       45,
		Category:    "c1",
		ImageUpload: &File{Name: "mocha.png", ContentType: "image/png", Data: []byte("PNG")},
	})
	require.True(t, p.IsMultipart())

	ct, body, err := p.Body()
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(ct)
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)

	r := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	form := map[string]string{}
	var file []byte
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		if part.FileName() != "" {
			assert.Equal(t, "image", part.FormName())
			assert.Equal(t, "mocha.png", part.FileName())
			file = data
			continue
		}
		form[part.FormName()] = string(data)
	}

	assert.Equal(t, []byte("PNG"), file)
	assert.Equal(t, "Mocha", form["name"])
	assert.Equal(t, "45", form["price_nok"])
	assert.Equal(t, "c1", form["category"])
	assert.Equal(t, "false", form["enable"])
}

func TestEncodeStatus_EmptyMessageIsNull(t *testing.T) {
	_, body, err := EncodeStatus(Status{ID: "s1", Open: true}).Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"open":true,"show_message":false,"message":null}`, string(body))
}

func TestEncodeCustomizationValue_UnsetIncrement(t *testing.T) {
	_, body, err := EncodeCustomizationValue(CustomizationValue{Name: "Oat", BelongsTo: "k1"}).Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Oat","belongs_to":"k1","constant_price":false,"enable":false,"price_increment_nok":null,"sort_order":0}`, string(body))
}

func TestEncodeRecord_SkipsServerOwned(t *testing.T) {
	schema := DefaultRegistry().Lookup(CollectionCategory)
	rec := ir.Record{
		ID:        "c1",
		Created:   "2025-01-01 08:00:00.000Z",
		Fields:    ir.Object{"name": ir.String("Hot"), "created": ir.String("x"), "sort_order": ir.Int(1)},
		Relations: map[string]ir.Relation{"valid_customizations": ir.Refs{"k1", "k2"}},
	}

	_, body, err := EncodeRecord(schema, rec).Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Hot","sort_order":1,"valid_customizations":["k1","k2"]}`, string(body))
}

func TestEncodeRecord_SingleRelation(t *testing.T) {
	schema := DefaultRegistry().Lookup(CollectionItem)
	rec := ir.Record{
		ID:        "i1",
		Fields:    ir.Object{"name": ir.String("Latte"), "image": ir.String("stored.png")},
		Relations: map[string]ir.Relation{"category": ir.Expanded{Record: ir.Record{ID: "c1"}}},
	}

	_, body, err := EncodeRecord(schema, rec).Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Latte","category":"c1"}`, string(body))
}

func TestParseOrderState(t *testing.T) {
	for _, st := range OrderStates {
		got, err := ParseOrderState(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseOrderState("lost")
	assert.Error(t, err)
}
