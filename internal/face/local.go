package face

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/faceattend-api/internal/media"
)

const localProviderName = "local"

// LocalProvider talks to an inference sidecar that detects faces and returns
// their embeddings in one call.
type LocalProvider struct {
	baseURL string
	client  *http.Client
}

// NewLocalProvider builds a client for the sidecar at baseURL.
func NewLocalProvider(baseURL string, timeout time.Duration) *LocalProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocalProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in logs, metrics and stored enrollments.
func (p *LocalProvider) Name() string { return localProviderName }

type sidecarFace struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"`
	DetScore  float64   `json:"det_score"`
	Quality   *float64  `json:"quality"`
}

type sidecarResponse struct {
	FacesCount int           `json:"faces_count"`
	Faces      []sidecarFace `json:"faces"`
	Model      string        `json:"model"`
}

// DetectFaces returns every face the sidecar finds in img.
func (p *LocalProvider) DetectFaces(ctx context.Context, img image.Image) ([]Detection, error) {
	resp, err := p.embedFaces(ctx, "detect", img)
	if err != nil {
		return nil, err
	}
	out := make([]Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.BBox) != 4 {
			continue
		}
		quality := f.DetScore
		if f.Quality != nil {
			quality = *f.Quality
		}
		out = append(out, Detection{
			Box:        image.Rect(int(f.BBox[0]), int(f.BBox[1]), int(f.BBox[2]), int(f.BBox[3])),
			Confidence: clampUnit(f.DetScore),
			Quality:    clampUnit(quality),
		})
	}
	return out, nil
}

// ExtractEmbedding embeds an aligned face crop. When the sidecar finds more
// than one face in the crop the most confident one wins.
func (p *LocalProvider) ExtractEmbedding(ctx context.Context, crop image.Image) ([]float32, error) {
	resp, err := p.embedFaces(ctx, "embed", crop)
	if err != nil {
		return nil, err
	}
	var (
		best  []float32
		score = -1.0
	)
	for _, f := range resp.Faces {
		if len(f.Embedding) > 0 && f.DetScore > score {
			best, score = f.Embedding, f.DetScore
		}
	}
	return best, nil
}

func (p *LocalProvider) embedFaces(ctx context.Context, op string, img image.Image) (*sidecarResponse, error) {
	data, err := media.EncodeJPEG(img)
	if err != nil {
		return nil, newProviderError(localProviderName, op, err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, newProviderError(localProviderName, op, err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, newProviderError(localProviderName, op, err)
	}
	if err := writer.Close(); err != nil {
		return nil, newProviderError(localProviderName, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed/face", &buf)
	if err != nil {
		return nil, newProviderError(localProviderName, op, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, newProviderError(localProviderName, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newProviderError(localProviderName, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newProviderError(localProviderName, op, fmt.Errorf("sidecar status %d: %s", resp.StatusCode, truncate(body)))
	}

	var out sidecarResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, newProviderError(localProviderName, op, fmt.Errorf("parse response: %w", err))
	}
	return &out, nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
