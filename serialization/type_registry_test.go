package serialization

import (
	"reflect"
	"testing"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type imageUploaded struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

type imageDeleted struct {
	Key string `json:"key"`
}

func TestTypeRegistry(t *testing.T) {
	t.Run("register and create", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, Register[imageUploaded](registry, "image.uploaded"))
		require.NoError(t, Register[*imageDeleted](registry, "image.deleted"))

		assert.True(t, registry.Has("image.uploaded"))
		assert.Equal(t, []string{"image.deleted", "image.uploaded"}, registry.Names())

		value, err := registry.New("image.deleted")
		require.NoError(t, err)
		assert.IsType(t, &imageDeleted{}, value)
	})

	t.Run("rebinding", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, Register[imageUploaded](registry, "image"))

		assert.NoError(t, Register[*imageUploaded](registry, "image"), "same type again is fine")
		assert.ErrorContains(t, Register[imageDeleted](registry, "image"), "is bound to")
	})

	t.Run("invalid registrations", func(t *testing.T) {
		registry := NewTypeRegistry()

		assert.ErrorContains(t, Register[imageUploaded](registry, ""), "type name is required")
		assert.Error(t, registry.Add("nil", nil))
		assert.ErrorContains(t, Register[any](registry, "any"), "must be concrete")
		assert.ErrorContains(t, registry.Add("pp", reflect.TypeFor[**imageUploaded]()), "must be concrete")
		assert.Empty(t, registry.Names())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewTypeRegistry().New("missing")
		assert.ErrorIs(t, err, ErrUnknownType)
	})
}

func TestTypedDecoder(t *testing.T) {
	registry := NewTypeRegistry()
	require.NoError(t, Register[imageUploaded](registry, "image.uploaded"))
	require.NoError(t, Register[imageDeleted](registry, "image.deleted"))

	t.Run("type from body field", func(t *testing.T) {
		value, err := NewTypedDecoder(registry).Parse([]byte(`{"_type":"image.uploaded","bucket":"in","key":"a.png","size":12}`))
		require.NoError(t, err)

		img, ok := value.(*imageUploaded)
		require.True(t, ok)
		assert.Equal(t, imageUploaded{Bucket: "in", Key: "a.png", Size: 12}, *img)
	})

	t.Run("custom field", func(t *testing.T) {
		value, err := NewTypedDecoder(registry, WithTypeField("kind")).Parse([]byte(`{"kind":"image.deleted","key":"b.png"}`))
		require.NoError(t, err)
		assert.Equal(t, "b.png", value.(*imageDeleted).Key)
	})

	t.Run("parse failures", func(t *testing.T) {
		decoder := NewTypedDecoder(registry)

		tests := []struct {
			name string
			body string
			want string
		}{
			{"empty", ``, "empty body"},
			{"not an object", `[1,2]`, "not a JSON object"},
			{"no type field", `{"key":"a"}`, `no "_type" field`},
			{"type not a string", `{"_type":7}`, "is not a string"},
			{"unknown", `{"_type":"image.resized"}`, "unknown message type"},
			{"mismatched body", `{"_type":"image.uploaded","size":"big"}`, "decode image.uploaded"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := decoder.Parse([]byte(tt.body))
				assert.ErrorContains(t, err, tt.want)
			})
		}
	})

	t.Run("type from attribute", func(t *testing.T) {
		decoder := NewTypedDecoder(registry, WithTypeAttribute("MessageType"))

		msg := contracts.NewBaseMessage("m-1", []byte(`{"key":"c.png"}`))
		msg.Attributes["MessageType"] = "image.deleted"

		value, err := Parse(decoder.Selector(), msg)
		require.NoError(t, err)
		assert.Equal(t, "c.png", value.(*imageDeleted).Key)

		// Without the attribute the body field is used.
		fallback := contracts.NewBaseMessage("m-2", []byte(`{"_type":"image.deleted","key":"d.png"}`))
		value, err = Parse(decoder.Selector(), fallback)
		require.NoError(t, err)
		assert.Equal(t, "d.png", value.(*imageDeleted).Key)
	})

	t.Run("pluggable selector", func(t *testing.T) {
		msg := contracts.NewBaseMessage("m-3", []byte(`{"_type":"image.uploaded","key":"e.png"}`))

		value, err := Parse(Pluggable(NewTypedDecoder(registry)), msg)
		require.NoError(t, err)
		assert.Equal(t, "e.png", value.(*imageUploaded).Key)
	})
}
