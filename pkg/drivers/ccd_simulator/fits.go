package ccd_simulator

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"
)

const fitsBlock = 2880

// fitsCard formats one 80 character header card.
func fitsCard(key string, value any, comment string) string {
	var v string
	switch val := value.(type) {
	case bool:
		v = "F"
		if val {
			v = "T"
		}
		v = fmt.Sprintf("%20s", v)
	case string:
		v = fmt.Sprintf("%-20s", "'"+val+"'")
	case float64:
		v = fmt.Sprintf("%20.6f", val)
	default:
		v = fmt.Sprintf("%20v", val)
	}

	card := fmt.Sprintf("%-8s= %s / %s", key, v, comment)
	if len(card) > 80 {
		card = card[:80]
	}
	return fmt.Sprintf("%-80s", card)
}

func padBlock(buf []byte, fill byte) []byte {
	for len(buf)%fitsBlock != 0 {
		buf = append(buf, fill)
	}
	return buf
}

// renderFITS writes a 16-bit FITS image into buf, reusing its capacity.
// Pixel values are dark noise scaled by gain plus a gradient proportional
// to the exposure time.
func renderFITS(buf []byte, width, height int, exposure, gain float64, now time.Time) []byte {
	buf = buf[:0]

	header := []string{
		fitsCard("SIMPLE", true, "file conforms to FITS standard"),
		fitsCard("BITPIX", 16, "number of bits per data pixel"),
		fitsCard("NAXIS", 2, "number of data axes"),
		fitsCard("NAXIS1", width, "length of data axis 1"),
		fitsCard("NAXIS2", height, "length of data axis 2"),
		fitsCard("BZERO", 32768, "offset data range to that of unsigned short"),
		fitsCard("BSCALE", 1, "default scaling factor"),
		fitsCard("EXPTIME", exposure, "exposure time [s]"),
		fitsCard("GAIN", gain, "sensor gain"),
		fitsCard("DATE-OBS", now.UTC().Format("2006-01-02T15:04:05"), "UTC start of exposure"),
		fitsCard("INSTRUME", DeviceName, "instrument"),
		fmt.Sprintf("%-80s", "END"),
	}
	for _, card := range header {
		buf = append(buf, card...)
	}
	buf = padBlock(buf, ' ')

	signal := min(exposure*1000, 20000)
	noise := 100 + gain
	for y := range height {
		for x := range width {
			v := 500 + signal*float64(x+y)/float64(width+height) + rand.NormFloat64()*noise
			v = max(0, min(v, 65535))
			buf = binary.BigEndian.AppendUint16(buf, uint16(int32(v)-32768))
		}
	}

	return padBlock(buf, 0)
}
