package broadcast

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/webp"

	"chatwarden/internal/platform"
)

// DecodeImage turns one base64 payload into an uploadable still image.
// WebP is re-encoded as PNG since albums reject it as a photo.
func DecodeImage(idx int, payload string) (platform.Image, error) {
	raw, err := decodeBase64(payload)
	if err != nil {
		return platform.Image{}, fmt.Errorf("%w: image %d: %v", platform.ErrInvalidImage, idx, err)
	}
	if isWebP(raw) {
		img, err := webp.Decode(bytes.NewReader(raw))
		if err != nil {
			return platform.Image{}, fmt.Errorf("%w: image %d: %v", platform.ErrInvalidImage, idx, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return platform.Image{}, err
		}
		return platform.Image{Name: fmt.Sprintf("image_%d.png", idx), Data: buf.Bytes()}, nil
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return platform.Image{}, fmt.Errorf("%w: image %d: %v", platform.ErrInvalidImage, idx, err)
	}
	if format == "jpeg" {
		format = "jpg"
	}
	return platform.Image{Name: fmt.Sprintf("image_%d.%s", idx, format), Data: raw}, nil
}

// DecodeImages decodes every payload and fails on the first bad one.
func DecodeImages(payloads []string) ([]platform.Image, error) {
	out := make([]platform.Image, 0, len(payloads))
	for i, p := range payloads {
		img, err := DecodeImage(i, p)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// decodeBase64 accepts padded or unpadded standard base64 and an optional
// data URL prefix.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func isWebP(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WEBP"
}

// Chunk splits images into albums of at most size entries.
func Chunk(images []platform.Image, size int) [][]platform.Image {
	if size <= 0 || size > platform.MaxAlbum {
		size = platform.MaxAlbum
	}
	var out [][]platform.Image
	for len(images) > 0 {
		n := min(size, len(images))
		// leave two for the last album rather than a lone image
		if len(images)-n == 1 && n > 2 {
			n--
		}
		out = append(out, images[:n:n])
		images = images[n:]
	}
	return out
}
