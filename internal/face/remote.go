package face

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/faceattend-api/internal/media"
)

const remoteProviderName = "remote"

// RemoteProvider calls a hosted face API that keeps its own collection and
// reports every score as a percentage. Scores are converted to the unit
// scale before they leave this type.
type RemoteProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteProvider builds a client for the hosted API.
func NewRemoteProvider(baseURL, apiKey string, timeout time.Duration) *RemoteProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in logs, metrics and stored enrollments.
func (p *RemoteProvider) Name() string { return remoteProviderName }

// ExternalID is the collection key used for an identity.
func ExternalID(identityID string) string {
	return "identity_" + identityID
}

type remoteBox struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type remoteFace struct {
	Box        remoteBox `json:"box"`
	Confidence float64   `json:"confidence"`
	Quality    float64   `json:"quality"`
}

// DetectFaces returns every face the API finds in img.
func (p *RemoteProvider) DetectFaces(ctx context.Context, img image.Image) ([]Detection, error) {
	var out struct {
		Faces []remoteFace `json:"faces"`
	}
	if err := p.postImage(ctx, "detect", "/detect", img, nil, &out); err != nil {
		return nil, err
	}
	dets := make([]Detection, 0, len(out.Faces))
	for _, f := range out.Faces {
		dets = append(dets, Detection{
			Box:        image.Rect(f.Box.Left, f.Box.Top, f.Box.Left+f.Box.Width, f.Box.Top+f.Box.Height),
			Confidence: PercentToUnit(f.Confidence),
			Quality:    PercentToUnit(f.Quality),
		})
	}
	return dets, nil
}

// ExtractEmbedding asks the API for a face vector. An empty vector means the
// API found no face.
func (p *RemoteProvider) ExtractEmbedding(ctx context.Context, crop image.Image) ([]float32, error) {
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := p.postImage(ctx, "embed", "/embed", crop, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, nil
	}
	return out.Embedding, nil
}

// Match compares img with the collection faces stored under externalID.
func (p *RemoteProvider) Match(ctx context.Context, img image.Image, externalID string) (float64, error) {
	var out struct {
		Similarity float64 `json:"similarity"`
	}
	extra := map[string]interface{}{"external_id": externalID}
	if err := p.postImage(ctx, "match", "/match", img, extra, &out); err != nil {
		return 0, err
	}
	return PercentToUnit(out.Similarity), nil
}

// Index stores img in the collection under externalID and returns the API's
// face id.
func (p *RemoteProvider) Index(ctx context.Context, img image.Image, externalID string) (string, error) {
	var out struct {
		FaceID string `json:"face_id"`
	}
	extra := map[string]interface{}{"external_id": externalID}
	if err := p.postImage(ctx, "index", "/index", img, extra, &out); err != nil {
		return "", err
	}
	if out.FaceID == "" {
		return "", newProviderError(remoteProviderName, "index", errors.New("response carries no face_id"))
	}
	return out.FaceID, nil
}

// Remove deletes one collection face by id. A missing face is not an error.
func (p *RemoteProvider) Remove(ctx context.Context, faceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/faces/"+url.PathEscape(faceID), nil)
	if err != nil {
		return newProviderError(remoteProviderName, "remove", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return newProviderError(remoteProviderName, "remove", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return newProviderError(remoteProviderName, "remove", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
}

func (p *RemoteProvider) postImage(ctx context.Context, op, path string, img image.Image, extra map[string]interface{}, out interface{}) error {
	data, err := media.EncodeJPEG(img)
	if err != nil {
		return newProviderError(remoteProviderName, op, err)
	}
	payload := map[string]interface{}{"image": base64.StdEncoding.EncodeToString(data)}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return newProviderError(remoteProviderName, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return newProviderError(remoteProviderName, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return newProviderError(remoteProviderName, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return newProviderError(remoteProviderName, op, err)
	}
	if resp.StatusCode/100 != 2 {
		return newProviderError(remoteProviderName, op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return newProviderError(remoteProviderName, op, fmt.Errorf("parse response: %w", err))
	}
	return nil
}

func (p *RemoteProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
