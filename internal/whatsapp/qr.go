package whatsapp

import (
	"encoding/base64"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// QRPNG renders pairing data as a PNG image of size x size pixels.
func QRPNG(data string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(data, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: encode qr")
	}
	return png, nil
}

// QRDataURL renders pairing data as an inline PNG data URL for browsers.
func QRDataURL(data string, size int) (string, error) {
	png, err := QRPNG(data, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
