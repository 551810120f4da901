package face

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	det := func(c float64) Detection { return Detection{Box: image.Rect(0, 0, 10, 10), Confidence: c} }

	cases := []struct {
		name string
		dets []Detection
		want Outcome
	}{
		{"none", nil, OutcomeNoFace},
		{"single", []Detection{det(0.9)}, OutcomeSingleFace},
		{"single among weak", []Detection{det(0.9), det(0.2)}, OutcomeSingleFace},
		{"all weak", []Detection{det(0.3), det(0.1)}, OutcomeLowConfidence},
		{"multiple", []Detection{det(0.9), det(0.8)}, OutcomeMultipleFaces},
		{"boundary passes", []Detection{det(0.5)}, OutcomeSingleFace},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.dets, 0.5))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "NO_FACE", OutcomeNoFace.String())
	assert.Equal(t, "MULTIPLE_FACES", OutcomeMultipleFaces.String())
	text, err := OutcomeLowConfidence.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "LOW_CONFIDENCE", string(text))
}

func TestBest(t *testing.T) {
	assert.Nil(t, Best(nil))
	dets := []Detection{{Confidence: 0.4}, {Confidence: 0.95}, {Confidence: 0.7}}
	assert.Equal(t, 0.95, Best(dets).Confidence)
}

func TestPercentToUnit(t *testing.T) {
	assert.Equal(t, 0.8, PercentToUnit(80))
	assert.Equal(t, 0.0, PercentToUnit(-3))
	assert.Equal(t, 1.0, PercentToUnit(120))
}

func TestCropClampsAndResizes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 100; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}
	out := Crop(src, image.Rect(80, 60, 110, 90), 0.2, 224)
	assert.Equal(t, image.Rect(0, 0, 224, 224), out.Bounds())

	// a box fully outside the frame falls back to the whole image
	out = Crop(src, image.Rect(200, 200, 220, 220), 0.2, 64)
	assert.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())
}

func TestProviderErrorTimeout(t *testing.T) {
	err := newProviderError("local", "detect", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	assert.True(t, err.Timeout)
	assert.Contains(t, err.Error(), "timed out")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsProviderError(fmt.Errorf("outer: %w", err)))

	plain := newProviderError("remote", "match", errors.New("boom"))
	assert.False(t, plain.Timeout)
	assert.False(t, IsProviderError(errors.New("other")))
}
