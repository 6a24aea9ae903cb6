// Package imageutil normalizes image content blocks (screenshots and other
// attachments an agent CLI streams back inline) before they reach the Store:
// HEIC/HEIF payloads are transcoded to PNG, and anything oversized is
// downscaled to a bounded pixel dimension.
package imageutil

import (
	"bytes"
	"fmt"
	"os/exec"
)

// IsHEIC reports whether data is a HEIC/HEIF image based on its ISO Base
// Media File Format brand.
func IsHEIC(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if data[4] != 'f' || data[5] != 't' || data[6] != 'y' || data[7] != 'p' {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "hevc", "hevx", "mif1", "msf1", "avif":
		return true
	}
	return false
}

// ConvertHEICToPNG shells out to ImageMagick's convert to transcode HEIC
// image data to PNG.
func ConvertHEICToPNG(data []byte) ([]byte, error) {
	cmd := exec.Command("convert", "heic:-", "png:-")
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("convert heic to png: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}
