// Package face defines the face detection / embedding provider contract and
// the two provider variants: a local inference sidecar and a remote
// match-by-image API.
package face

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
)

// Detection is one face found in an image. Confidence and Quality are in [0, 1].
type Detection struct {
	Box        image.Rectangle `json:"box"`
	Confidence float64         `json:"confidence"`
	Quality    float64         `json:"quality"`
}

// Provider detects faces and turns a face crop into an embedding.
type Provider interface {
	Name() string
	DetectFaces(ctx context.Context, img image.Image) ([]Detection, error)
	// ExtractEmbedding returns nil, nil when the crop yields no embedding.
	ExtractEmbedding(ctx context.Context, crop image.Image) ([]float32, error)
}

// Matcher is implemented by providers that keep their own face collection.
// Faces are matched by subject key (see ExternalID) and removed one at a
// time by the face id Index returned. Similarities are on the unit scale.
type Matcher interface {
	Match(ctx context.Context, img image.Image, externalID string) (float64, error)
	Index(ctx context.Context, img image.Image, externalID string) (faceID string, err error)
	Remove(ctx context.Context, faceID string) error
}

// Outcome classifies the faces found in a verification snapshot.
type Outcome int

const (
	OutcomeNoFace Outcome = iota
	OutcomeLowConfidence
	OutcomeMultipleFaces
	OutcomeSingleFace
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoFace:
		return "NO_FACE"
	case OutcomeLowConfidence:
		return "LOW_CONFIDENCE"
	case OutcomeMultipleFaces:
		return "MULTIPLE_FACES"
	case OutcomeSingleFace:
		return "SINGLE_FACE"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Classify decides the outcome for a set of detections. Faces below
// minConfidence are ignored when counting; if faces exist but none pass, the
// outcome is LowConfidence. For a SingleFace outcome, Best returns the
// passing face.
func Classify(detections []Detection, minConfidence float64) Outcome {
	if len(detections) == 0 {
		return OutcomeNoFace
	}
	passing := 0
	for _, d := range detections {
		if d.Confidence >= minConfidence {
			passing++
		}
	}
	switch passing {
	case 0:
		return OutcomeLowConfidence
	case 1:
		return OutcomeSingleFace
	default:
		return OutcomeMultipleFaces
	}
}

// Best returns the highest confidence detection, or nil.
func Best(detections []Detection) *Detection {
	var best *Detection
	for i := range detections {
		if best == nil || detections[i].Confidence > best.Confidence {
			best = &detections[i]
		}
	}
	return best
}

// PercentToUnit converts a 0-100 score to [0, 1], clamping out of range values.
func PercentToUnit(p float64) float64 {
	switch {
	case p <= 0:
		return 0
	case p >= 100:
		return 1
	default:
		return p / 100
	}
}

// ProviderError reports a transport or model failure. It is never a negative
// match.
type ProviderError struct {
	Provider string
	Op       string
	Timeout  bool
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s provider %s timed out: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s provider %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err carries a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

func newProviderError(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
