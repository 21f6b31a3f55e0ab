package gemini

import (
	"encoding/binary"
	"mime"
	"strconv"
	"strings"
)

// pcmRate reports the sample rate of a raw 16-bit PCM MIME type such as
// "audio/L16;codec=pcm;rate=24000".
func pcmRate(mimeType string) (int, bool) {
	mt, params, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.EqualFold(mt, "audio/l16") {
		return 0, false
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 24000, true
	}
	return rate, true
}

// wrapWAV prefixes mono 16-bit little-endian PCM with a RIFF/WAVE header.
func wrapWAV(pcm []byte, rate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
		headerSize    = 44
	)
	blockAlign := channels * bitsPerSample / 8
	out := make([]byte, headerSize, headerSize+len(pcm))

	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:], channels)
	binary.LittleEndian.PutUint32(out[24:], uint32(rate))
	binary.LittleEndian.PutUint32(out[28:], uint32(rate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], bitsPerSample)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))

	return append(out, pcm...)
}
