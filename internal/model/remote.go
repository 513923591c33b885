// Package model provides policy.Network implementations: a client for the
// inference server hosting the checkpoint, and a deterministic stub for dev
// mode.
package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/banshee-data/navpolicy/internal/httputil"
	"github.com/banshee-data/navpolicy/internal/imaging"
)

// Remote calls the inference server's encode, distance and noise endpoints.
type Remote struct {
	baseURL string
	client  httputil.HTTPClient
}

// NewRemote creates a client for the server at baseURL.
func NewRemote(baseURL string, client httputil.HTTPClient) *Remote {
	return &Remote{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type tensorJSON struct {
	Shape [3]int    `json:"shape"`
	Data  []float32 `json:"data"`
}

func toJSON(t imaging.Tensor) tensorJSON {
	return tensorJSON{Shape: [3]int{t.Channels, t.Height, t.Width}, Data: t.Data}
}

type encodeRequest struct {
	Obs      []tensorJSON `json:"obs"`
	Goal     tensorJSON   `json:"goal"`
	GoalMask bool         `json:"goal_mask"`
}

type encodeResponse struct {
	Cond []float64 `json:"cond"`
}

type distanceRequest struct {
	Cond []float64 `json:"cond"`
}

type distanceResponse struct {
	Dist []float64 `json:"dist"`
}

type noiseRequest struct {
	Sample     []float64 `json:"sample"`
	NumSamples int       `json:"num_samples"`
	Timestep   int       `json:"timestep"`
	Cond       []float64 `json:"cond"`
}

type noiseResponse struct {
	Noise []float64 `json:"noise"`
}

func (r *Remote) EncodeObsGoal(ctx context.Context, obs []imaging.Tensor, goal imaging.Tensor, maskGoal bool) ([]float64, error) {
	req := encodeRequest{Obs: make([]tensorJSON, len(obs)), Goal: toJSON(goal), GoalMask: maskGoal}
	for i, o := range obs {
		req.Obs[i] = toJSON(o)
	}
	var resp encodeResponse
	if err := httputil.PostJSON(ctx, r.client, r.baseURL+"/encode", req, &resp); err != nil {
		return nil, err
	}
	return resp.Cond, nil
}

func (r *Remote) PredictDistance(ctx context.Context, cond []float64) ([]float64, error) {
	var resp distanceResponse
	if err := httputil.PostJSON(ctx, r.client, r.baseURL+"/distance", distanceRequest{Cond: cond}, &resp); err != nil {
		return nil, err
	}
	return resp.Dist, nil
}

func (r *Remote) PredictNoise(ctx context.Context, sample []float64, numSamples, timestep int, cond []float64) ([]float64, error) {
	req := noiseRequest{Sample: sample, NumSamples: numSamples, Timestep: timestep, Cond: cond}
	var resp noiseResponse
	if err := httputil.PostJSON(ctx, r.client, r.baseURL+"/noise", req, &resp); err != nil {
		return nil, err
	}
	return resp.Noise, nil
}

// Ping checks that the server is up and serving.
func (r *Remote) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("inference server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &httputil.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// CheckCheckpoint verifies the checkpoint file exists and is a regular file.
func CheckCheckpoint(path string) error {
	if path == "" {
		return fmt.Errorf("no checkpoint path configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("checkpoint %s is not a regular file", path)
	}
	return nil
}
