package media

import (
	"bytes"
	"image"

	// Registered decoders for Dimensions.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// probeLen is how many leading bytes the sniffing helpers expect. The CDN
// probe requests exactly this many via a Range header.
const probeLen = 32

// DetectMime sniffs a media type from the first bytes of a file. Unknown
// content yields "application/octet-stream".
func DetectMime(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte("GIF87a")), bytes.HasPrefix(head, []byte("GIF89a")):
		return "image/gif"
	case bytes.HasPrefix(head, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(head, []byte("\xFF\xD8\xFF")):
		return "image/jpeg"
	case isRIFF(head, "WEBP"):
		return "image/webp"
	case isRIFF(head, "WAVE"):
		return "audio/wav"
	case len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")):
		return "video/mp4"
	case bytes.HasPrefix(head, []byte("OggS")):
		return "audio/ogg"
	case bytes.HasPrefix(head, []byte("#!AMR")):
		return "audio/amr"
	case bytes.HasPrefix(head, []byte("\x02#!SILK_V3")), bytes.HasPrefix(head, []byte("#!SILK_V3")):
		return "audio/silk"
	case bytes.HasPrefix(head, []byte("ID3")), bytes.HasPrefix(head, []byte("\xFF\xFB")):
		return "audio/mpeg"
	case bytes.HasPrefix(head, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// IsAnimated reports whether the sniffed content is an animated image. GIFs
// are always treated as animated; WEBP checks the VP8X animation flag; APNG
// is recognized by an acTL chunk if it falls inside the sniffed window.
func IsAnimated(head []byte) bool {
	switch {
	case bytes.HasPrefix(head, []byte("GIF87a")), bytes.HasPrefix(head, []byte("GIF89a")):
		return true
	case isRIFF(head, "WEBP"):
		// VP8X extended header: flags byte at offset 20, animation bit 0x02.
		return len(head) > 20 && bytes.Equal(head[12:16], []byte("VP8X")) && head[20]&0x02 != 0
	case bytes.HasPrefix(head, []byte("\x89PNG\r\n\x1a\n")):
		return bytes.Contains(head, []byte("acTL"))
	default:
		return false
	}
}

func isRIFF(head []byte, form string) bool {
	return len(head) >= 12 && bytes.HasPrefix(head, []byte("RIFF")) && bytes.Equal(head[8:12], []byte(form))
}

// Dimensions decodes just the image header and returns width and height.
// Returns (0, 0) for content the registered decoders cannot parse.
func Dimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
