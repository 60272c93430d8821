package decode

import (
	"strings"

	"github.com/zsiec/framepipe/internal/media"
)

// hardwareCodecs are codec families with platform hardware decoders.
var hardwareCodecs = map[string]bool{
	"avc1": true,
	"avc3": true,
	"hvc1": true,
	"hev1": true,
	"vp8":  true,
	"vp09": true,
	"av01": true,
}

// Route maps a codec string (e.g. "avc1.64001f", "prores") to the decode
// path that handles it. The family is the text before the first dot,
// compared case-insensitively; unknown families go to software.
func Route(codec string) media.DecodePath {
	family, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(codec)), ".")
	if hardwareCodecs[family] {
		return media.PathHardware
	}
	return media.PathSoftware
}
