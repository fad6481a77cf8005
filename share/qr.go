// Package share renders share cards for completed tracks.
package share

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/hibeats/engine/core"
)

// CardSize is the rendered QR PNG edge length in pixels.
const CardSize = 256

// QRCard renders a QR code PNG pointing at the artifact's preferred
// retrieval URL.
func QRCard(a core.MusicArtifact) ([]byte, error) {
	target := a.Audio.Best()
	if target == "" {
		return nil, fmt.Errorf("artifact %s has no shareable url", a.ID)
	}
	png, err := qrcode.Encode(target, qrcode.Medium, CardSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	return png, nil
}
