package iot

import (
	"context"
	"math"

	"github.com/linkinwong/xiaozhi/pkg/audio"
)

// NewSpeaker returns the "Speaker" thing controlling playback volume.
func NewSpeaker(v *audio.Volume) *Thing {
	return NewThing("Speaker", "The device speaker").
		AddProperty(Property{
			Name:        "volume",
			Description: "Current volume, 0 to 100",
			Type:        TypeNumber,
			Get:         func() any { return v.Get() },
		}).
		AddMethod(Method{
			Name:        "SetVolume",
			Description: "Set the playback volume",
			Parameters: []Parameter{
				{Name: "volume", Description: "Volume from 0 to 100", Type: TypeNumber},
			},
			Call: func(_ context.Context, p Params) (any, error) {
				v.Set(int(math.Round(p.Number("volume"))))
				return map[string]any{"volume": v.Get()}, nil
			},
		})
}
