package helper

import (
	"encoding/base64"

	qrCode "github.com/skip2/go-qrcode"
)

// QRImageDataURL encodes a QR challenge as a displayable data URL.
func QRImageDataURL(code string) (string, error) {
	png, err := qrCode.Encode(code, qrCode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
