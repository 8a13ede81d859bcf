package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const arecordListing = `**** List of CAPTURE Hardware Devices ****
card 0: ANDROSi2s [ANDROS i2s], device 1: i2s-hifi i2s-hifi-1 [i2s-hifi i2s-hifi-1]
  Subdevices: 1/1
  Subdevice #0: subdevice #0
card 2: U192k [UMC202HD 192k], device 0: USB Audio [USB Audio]
  Subdevices: 1/1
  Subdevice #0: subdevice #0
`

func TestParseDeviceList(t *testing.T) {
	devices := parseDeviceList(arecordListing, arecordList)
	assert.Equal(t, []Device{
		{ID: "hw:CARD=ANDROSi2s,DEV=1", Name: "ANDROS i2s"},
		{ID: "hw:CARD=U192k,DEV=0", Name: "UMC202HD 192k"},
	}, devices)
}

func TestParseDeviceListEmpty(t *testing.T) {
	assert.Empty(t, parseDeviceList("arecord: device_list:279: no soundcards found...\n", arecordList))
	assert.Empty(t, parseDeviceList(arecordListing, DeviceListConfig{}))
}

func TestDeviceConfigValidate(t *testing.T) {
	valid := DeviceConfig{Name: "i2s", Hardware: "hw:CARD=ANDROSi2s,DEV=1", Channels: 4, SampleRate: 192000, BlockFrames: 1024}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, 4096, valid.BlockSamples())

	for _, mutate := range []func(*DeviceConfig){
		func(c *DeviceConfig) { c.Name = "" },
		func(c *DeviceConfig) { c.Hardware = "" },
		func(c *DeviceConfig) { c.Channels = 0 },
		func(c *DeviceConfig) { c.SampleRate = -1 },
		func(c *DeviceConfig) { c.BlockFrames = 0 },
	} {
		cfg := valid
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	}
}
