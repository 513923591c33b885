package trajlog

import (
	"context"
	"errors"
	"strings"

	"github.com/banshee-data/navpolicy/internal/httputil"
)

// Sink persists or forwards a batch of records.
type Sink interface {
	WriteRecords(ctx context.Context, recs []Record) error
}

// MultiSink writes every batch to each sink in order and joins their errors.
type MultiSink []Sink

func (m MultiSink) WriteRecords(ctx context.Context, recs []Record) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteRecords(ctx, recs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnqueueRequest is the trainer replay buffer's intake payload.
type EnqueueRequest struct {
	Records []Record `json:"records"`
}

// TrainerUploader posts batches to a trainer's replay buffer at
// <base>/enqueue.
type TrainerUploader struct {
	url    string
	client httputil.HTTPClient
}

func NewTrainerUploader(baseURL string, client httputil.HTTPClient) *TrainerUploader {
	return &TrainerUploader{url: strings.TrimRight(baseURL, "/") + "/enqueue", client: client}
}

func (u *TrainerUploader) WriteRecords(ctx context.Context, recs []Record) error {
	return httputil.PostJSON(ctx, u.client, u.url, EnqueueRequest{Records: recs}, nil)
}
