package property

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndAddItem(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		items []Item
	}{
		{
			name:  "Text vector",
			kind:  KindText,
			items: []Item{Text("DEVICE_NAME", "Name", "CCD"), Text("DEVICE_VERSION", "Version", "2.0")},
		},
		{
			name:  "Number vector",
			kind:  KindNumber,
			items: []Item{NumberRange("EXPOSURE", "Exposure", 1.5, 0, 3600, 0.001)},
		},
		{
			name: "Switch vector",
			kind: KindSwitch,
			items: []Item{
				Switch("CONNECTED", "Connected", false),
				Switch("DISCONNECTED", "Disconnected", true),
			},
		},
		{
			name:  "Light vector",
			kind:  KindLight,
			items: []Item{Light("A", "", Ok), Light("B", "", Alert), Light("C", "", Busy)},
		},
		{
			name:  "Blob vector",
			kind:  KindBlob,
			items: []Item{Blob("IMAGE", "Image", []byte{1, 2, 3}, ".fits")},
		},
		{
			name: "Empty vector",
			kind: KindSwitch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := New("CCD Imager Simulator", "PROP", tc.kind, Idle, ReadWrite)
			require.NoError(t, err)

			for _, it := range tc.items {
				require.NoError(t, v.AddItem(it))
			}

			assert.Len(t, v.Items, len(tc.items))
			for i, it := range tc.items {
				assert.Equal(t, it.Name, v.Items[i].Name)
			}
		})
	}
}

func TestNewUnknownKind(t *testing.T) {
	for _, kind := range []Kind{0, 6, -1, 99} {
		v, err := New("dev", "PROP", kind, Idle, ReadOnly)
		assert.Nil(t, v)

		var kindErr *UnknownKindError
		require.True(t, errors.As(err, &kindErr), "kind %d", kind)
		assert.Equal(t, kind, kindErr.Kind)
	}
}

func TestAddItemKindMismatch(t *testing.T) {
	v, err := New("dev", "CCD_EXPOSURE", KindNumber, Idle, ReadWrite)
	require.NoError(t, err)

	err = v.AddItem(Switch("EXPOSURE", "", true))
	var mismatch *KindMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, KindNumber, mismatch.Want)
	assert.Equal(t, KindSwitch, mismatch.Got)
	assert.Empty(t, v.Items)

	assert.Error(t, v.AddItem(Item{Name: "EXPOSURE"}))
}

func TestAccessors(t *testing.T) {
	v, _ := New("dev", Connection, KindSwitch, Ok, ReadWrite)
	v.Rule = OneOfMany
	_ = v.AddItem(Switch(Connected, "", true))
	_ = v.AddItem(Switch(Disconnected, "", false))

	assert.True(t, v.Switch(Connected))
	assert.False(t, v.Switch(Disconnected))
	assert.False(t, v.Switch("MISSING"))
	assert.Equal(t, map[string]any{Connected: true, Disconnected: false}, v.Values())

	n, _ := New("dev", CCDGain, KindNumber, Ok, ReadWrite)
	_ = n.AddItem(Number(Gain, "Gain", 120))
	gain, ok := n.Number(Gain)
	assert.True(t, ok)
	assert.Equal(t, 120.0, gain)
	_, ok = n.Text(Gain)
	assert.False(t, ok)

	b, _ := New("dev", CCDImage, KindBlob, Ok, ReadOnly)
	_ = b.AddItem(Blob(Image, "", []byte("SIMPLE"), ".fits"))
	blob, ok := b.Blob()
	assert.True(t, ok)
	assert.Equal(t, 6, blob.Size)
	assert.Equal(t, "dev.CCD_IMAGE [Blob Ok ReadOnly] IMAGE=<6 bytes .fits>", b.String())
}

func TestSchemaVector(t *testing.T) {
	v, err := ConfigSchema.Vector("dev",
		Switch(ConfigLoad, "", false),
		Switch(ConfigSave, "", true),
		Switch(ConfigRemove, "", false),
	)
	require.NoError(t, err)
	assert.Equal(t, Config, v.Name)
	assert.Equal(t, AtMostOne, v.Rule)
	assert.Equal(t, ReadWrite, v.Perm)
	assert.Len(t, v.Items, 3)

	_, err = ConfigSchema.Vector("dev", Switch("BOGUS", "", true))
	assert.Error(t, err)

	_, err = ConfigSchema.Vector("dev")
	assert.Error(t, err)

	_, err = CCDGainSchema.Vector("dev", Switch(Gain, "", true))
	assert.Error(t, err)
}

func TestSchemaSingle(t *testing.T) {
	v, err := CCDExposureSchema.Single("dev", NumberValue{Value: 2.5})
	require.NoError(t, err)
	exp, ok := v.Number(Exposure)
	assert.True(t, ok)
	assert.Equal(t, 2.5, exp)
	assert.Equal(t, Rule(0), v.Rule)

	_, err = ConnectionSchema.Single("dev", SwitchValue(true))
	assert.Error(t, err)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "Blob", KindBlob.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
	assert.Equal(t, "Alert", Alert.String())
	assert.Equal(t, "WriteOnly", WriteOnly.String())
	assert.Equal(t, "AnyOfMany", AnyOfMany.String())
}
