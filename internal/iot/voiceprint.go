package iot

import (
	"context"
	"strings"
)

// VoicePrintControl is the verification surface the "VoicePrint" thing
// exposes.
type VoicePrintControl interface {
	Enabled() bool
	SetEnabled(on bool) error
	Threshold() float64
	SetThreshold(v float64) (float64, error)
	Allowed() []string
}

// NewVoicePrint returns the "VoicePrint" thing toggling speaker verification
// and tuning its similarity threshold.
func NewVoicePrint(ctl VoicePrintControl) *Thing {
	return NewThing("VoicePrint", "Speaker verification for barge-in").
		AddProperty(Property{
			Name:        "enabled",
			Description: "Whether only allowed speakers may interrupt playback",
			Type:        TypeBoolean,
			Get:         func() any { return ctl.Enabled() },
		}).
		AddProperty(Property{
			Name:        "threshold",
			Description: "Similarity cut-off between 0 and 1",
			Type:        TypeNumber,
			Get:         func() any { return ctl.Threshold() },
		}).
		AddProperty(Property{
			Name:        "allowed",
			Description: "Comma-separated speakers allowed to interrupt",
			Type:        TypeString,
			Get:         func() any { return strings.Join(ctl.Allowed(), ",") },
		}).
		AddMethod(Method{
			Name:        "SetEnabled",
			Description: "Turn speaker verification on or off",
			Parameters: []Parameter{
				{Name: "enabled", Description: "true to verify speakers", Type: TypeBoolean},
			},
			Call: func(_ context.Context, p Params) (any, error) {
				if err := ctl.SetEnabled(p.Bool("enabled")); err != nil {
					return nil, err
				}
				return map[string]any{"enabled": ctl.Enabled()}, nil
			},
		}).
		AddMethod(Method{
			Name:        "SetThreshold",
			Description: "Set the similarity threshold",
			Parameters: []Parameter{
				{Name: "threshold", Description: "Threshold between 0.01 and 0.99", Type: TypeNumber},
			},
			Call: func(_ context.Context, p Params) (any, error) {
				got, err := ctl.SetThreshold(p.Number("threshold"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"threshold": got}, nil
			},
		})
}
