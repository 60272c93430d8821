package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ErrNoBackend is returned by Negotiate when every probe fails.
var ErrNoBackend = errors.New("render: no usable backend")

// Tier is a backend capability level. Lower values are preferred.
type Tier int

const (
	TierCompute Tier = iota
	TierRaster
	TierSoftware
)

func (t Tier) String() string {
	switch t {
	case TierCompute:
		return "compute"
	case TierRaster:
		return "raster"
	case TierSoftware:
		return "software"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTier converts a tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "compute":
		return TierCompute, nil
	case "raster":
		return TierRaster, nil
	case "software":
		return TierSoftware, nil
	}
	return TierSoftware, fmt.Errorf("render: unknown tier %q", s)
}

// satisfiedBy reports whether caps meet the tier's minimum requirement.
func (t Tier) satisfiedBy(caps Capabilities) bool {
	switch t {
	case TierCompute:
		return caps.SupportsComputeShaders && caps.MaxTextureSize > 0
	case TierRaster:
		return caps.MaxTextureSize > 0 && caps.MaxColorAttachments > 0
	default:
		return true
	}
}

// Probe pairs a tier with the function that opens its backend.
type Probe struct {
	Tier Tier
	Open Opener
}

// Selection is the outcome of negotiation.
type Selection struct {
	Tier    Tier
	Backend Backend
}

// Negotiate opens the highest available tier. Probes run in Compute, Raster,
// Software order whatever order they are supplied in; a probe whose Open
// fails, or whose backend lacks the tier's required capabilities, falls
// through to the next. A backend rejected for capabilities is closed.
func Negotiate(ctx context.Context, log *slog.Logger, probes []Probe) (Selection, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "render-negotiate")

	ordered := make([]Probe, len(probes))
	copy(ordered, probes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Tier < ordered[j].Tier })

	var errs []error
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return Selection{}, err
		}
		if p.Open == nil {
			continue
		}
		b, err := p.Open(ctx)
		if err != nil {
			log.Info("backend unavailable", "tier", p.Tier, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Tier, err))
			continue
		}
		caps := b.Capabilities()
		if !p.Tier.satisfiedBy(caps) {
			log.Info("backend lacks tier capabilities", "tier", p.Tier, "backend", b.Name())
			errs = append(errs, fmt.Errorf("%s: %s lacks required capabilities", p.Tier, b.Name()))
			_ = b.Close()
			continue
		}
		log.Info("render backend selected", "tier", p.Tier, "backend", b.Name(),
			"maxTextureSize", caps.MaxTextureSize,
			"externalTextures", caps.SupportsExternalTextures)
		return Selection{Tier: p.Tier, Backend: b}, nil
	}
	return Selection{}, errors.Join(append([]error{ErrNoBackend}, errs...)...)
}
