// Package qrcode renders URLs as PNG QR codes embedded in data URIs.
package qrcode

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

const defaultSize = 256

// Renderer produces QR code images.
type Renderer interface {
	DataURI(content string) (string, error)
}

// PNG renders square PNG images of the configured pixel size.
type PNG struct {
	Size int
}

func (p PNG) DataURI(content string) (string, error) {
	size := p.Size
	if size <= 0 {
		size = defaultSize
	}
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("qr encode: %w", err)
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return "", fmt.Errorf("qr scale: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return "", fmt.Errorf("qr png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
