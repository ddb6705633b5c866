package property

import (
	"errors"
	"fmt"
	"slices"
)

// Schema describes a writable property: its name, kind, allowed item
// names and, for switches, its rule. An empty Items list accepts any
// item name.
type Schema struct {
	Name  string
	Kind  Kind
	Items []string
	Rule  Rule
}

// Vector builds a vector for device from the schema, ready to be sent
// to the bus. Items are validated against the schema.
func (s Schema) Vector(device string, items ...Item) (*Vector, error) {
	if len(items) == 0 {
		return nil, errors.New("at least one item must be specified")
	}

	v, err := New(device, s.Name, s.Kind, Idle, ReadWrite)
	if err != nil {
		return nil, err
	}
	if s.Kind == KindSwitch {
		v.Rule = s.Rule
	}

	for _, it := range items {
		if len(s.Items) > 0 && !slices.Contains(s.Items, it.Name) {
			return nil, fmt.Errorf("property %s doesn't have %s item", s.Name, it.Name)
		}
		if err := v.AddItem(it); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// Single builds a vector for a schema with exactly one item.
func (s Schema) Single(device string, value Value) (*Vector, error) {
	if len(s.Items) != 1 {
		return nil, fmt.Errorf("property %s has %d items, single value not allowed", s.Name, len(s.Items))
	}
	return s.Vector(device, Item{Name: s.Items[0], Value: value})
}

var (
	ConnectionSchema = Schema{Connection, KindSwitch, []string{Connected, Disconnected}, OneOfMany}
	InfoSchema       = Schema{Info, KindText, []string{
		DeviceName, DeviceVersion, "DEVICE_INTERFACE", "FRAMEWORK_NAME", "FRAMEWORK_VERSION",
		"DEVICE_MODEL", "DEVICE_FIRMWARE_REVISION", "DEVICE_HARDWARE_REVISION", "DEVICE_SERIAL_NUMBER",
	}, 0}
	SimulationSchema = Schema{Simulation, KindSwitch, []string{"ENABLED", "DISABLED"}, OneOfMany}
	ConfigSchema     = Schema{Config, KindSwitch, []string{ConfigLoad, ConfigSave, ConfigRemove}, AtMostOne}
	DevicePortSchema = Schema{"DEVICE_PORT", KindText, []string{"PORT"}, 0}

	CCDExposureSchema      = Schema{CCDExposure, KindNumber, []string{Exposure}, 0}
	CCDAbortExposureSchema = Schema{CCDAbortExposure, KindSwitch, []string{AbortExposure}, OneOfMany}
	CCDGainSchema          = Schema{CCDGain, KindNumber, []string{Gain}, 0}
	CCDOffsetSchema        = Schema{CCDOffset, KindNumber, []string{Offset}, 0}
	CCDFrameSchema         = Schema{"CCD_FRAME", KindNumber, []string{"LEFT", "TOP", "WIDTH", "HEIGHT", "BITS_PER_PIXEL"}, 0}
	CCDBinSchema           = Schema{"CCD_BIN", KindNumber, []string{"HORIZONTAL", "VERTICAL"}, 0}
	CCDFrameTypeSchema     = Schema{CCDFrameType, KindSwitch, []string{"LIGHT", "BIAS", "DARK", "FLAT"}, OneOfMany}
	CCDUploadModeSchema    = Schema{CCDUploadMode, KindSwitch, []string{"CLIENT", "LOCAL", "BOTH"}, OneOfMany}
	CCDImageFormatSchema   = Schema{CCDImageFormat, KindSwitch, []string{
		FormatRaw, FormatFITS, FormatXISF, FormatJPEG, "JPEG_AVI", "RAW_SER",
	}, OneOfMany}
	CCDImageSchema       = Schema{CCDImage, KindBlob, []string{Image}, 0}
	CCDTemperatureSchema = Schema{CCDTemperature, KindNumber, []string{Temperature}, 0}
	CCDCoolerSchema      = Schema{CCDCooler, KindSwitch, []string{"ON", "OFF"}, OneOfMany}
)
