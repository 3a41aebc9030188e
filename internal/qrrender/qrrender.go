package qrrender

import (
	"encoding/base64"
	"errors"

	"github.com/skip2/go-qrcode"
)

const dataURLPrefix = "data:image/png;base64,"

// PNG renders content as a QR code and returns it as a PNG data URL.
type PNG struct {
	Size  int
	Level qrcode.RecoveryLevel
}

func NewPNG(size int) *PNG {
	return &PNG{Size: size, Level: qrcode.Medium}
}

func (r *PNG) Render(content string) (string, error) {
	if content == "" {
		return "", errors.New("empty_qr_content")
	}
	png, err := qrcode.Encode(content, r.Level, r.Size)
	if err != nil {
		return "", err
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}
