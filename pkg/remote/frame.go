package remote

import (
	"encoding/base64"
	"strings"
	"time"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
)

// Frame is one screenshot received from the remote host. Data is the image
// exactly as sent: a data URL or bare base64.
type Frame struct {
	Seq        uint64
	Data       string
	PageInfo   PageInfo
	ReceivedAt time.Time
}

// MediaType returns the data-URL media type, or "" for bare base64.
func (f *Frame) MediaType() string {
	if !strings.HasPrefix(f.Data, "data:") {
		return ""
	}
	meta, _, ok := strings.Cut(f.Data[len("data:"):], ",")
	if !ok {
		return ""
	}
	media, _, _ := strings.Cut(meta, ";")
	return media
}

// Decode returns the raw image bytes.
func (f *Frame) Decode() ([]byte, error) {
	if f == nil || f.Data == "" {
		return nil, bkerrors.New(bkerrors.ErrCodeInvalidInput, "no frame data")
	}
	data := f.Data
	if strings.HasPrefix(data, "data:") {
		meta, body, ok := strings.Cut(data, ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, bkerrors.New(bkerrors.ErrCodeMalformedMessage, "frame is not a base64 data url")
		}
		data = body
	}
	data = strings.TrimSpace(data)
	if img, err := base64.StdEncoding.DecodeString(data); err == nil {
		return img, nil
	}
	img, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return nil, bkerrors.Wrap(err, bkerrors.ErrCodeMalformedMessage, "decode frame image")
	}
	return img, nil
}

// Extension guesses a file extension from the media type or image header.
func (f *Frame) Extension() string {
	switch f.MediaType() {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	img, err := f.Decode()
	if err != nil {
		return ".bin"
	}
	switch {
	case len(img) >= 8 && string(img[:8]) == "\x89PNG\r\n\x1a\n":
		return ".png"
	case len(img) >= 3 && img[0] == 0xFF && img[1] == 0xD8 && img[2] == 0xFF:
		return ".jpg"
	case len(img) >= 12 && string(img[:4]) == "RIFF" && string(img[8:12]) == "WEBP":
		return ".webp"
	}
	return ".bin"
}
