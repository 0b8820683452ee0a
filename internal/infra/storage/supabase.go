// Package storage archives call transcripts in Supabase Storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/call-receptionist/internal/dialogue"
)

// uploader is the slice of the storage API the archive needs.
type uploader interface {
	Upload(bucket, objectKey string, body []byte) error
}

type supabaseUploader struct {
	client *supabase.Client
}

func (u supabaseUploader) Upload(bucket, objectKey string, body []byte) error {
	_, err := u.client.Storage.UploadFile(bucket, objectKey, bytes.NewReader(body))
	return err
}

// TranscriptArchive writes one JSON document per call under transcripts/<date>/<call id>.json.
type TranscriptArchive struct {
	up     uploader
	bucket string
	now    func() time.Time
}

func NewTranscriptArchive(client *supabase.Client, bucket string) (*TranscriptArchive, error) {
	if client == nil {
		return nil, errors.New("storage: nil supabase client")
	}
	if bucket == "" {
		bucket = "call-transcripts"
	}
	return &TranscriptArchive{up: supabaseUploader{client: client}, bucket: bucket, now: time.Now}, nil
}

type record struct {
	CallID     string       `json:"call_id"`
	ArchivedAt time.Time    `json:"archived_at"`
	Turns      []recordTurn `json:"turns"`
}

type recordTurn struct {
	ID          string    `json:"id"`
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	Intents     []string  `json:"intents,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// Key returns the object key for callID archived at t.
func Key(callID string, t time.Time) string {
	return path.Join("transcripts", t.UTC().Format("2006-01-02"), callID+".json")
}

// Archive uploads the transcript. The storage client has no context support, so
// a canceled ctx returns early while the upload finishes in the background.
func (a *TranscriptArchive) Archive(ctx context.Context, callID string, turns []dialogue.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	now := a.now()
	rec := record{CallID: callID, ArchivedAt: now.UTC(), Turns: make([]recordTurn, 0, len(turns))}
	for _, t := range turns {
		rt := recordTurn{
			ID:          t.ID,
			Speaker:     string(t.Speaker),
			Text:        t.Text,
			Timestamp:   t.Timestamp.UTC(),
			Interrupted: t.Interrupted,
		}
		for _, in := range t.Intents {
			rt.Intents = append(rt.Intents, in.String())
		}
		rec.Turns = append(rec.Turns, rt)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode transcript: %w", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- a.up.Upload(a.bucket, Key(callID, now), body) }()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("storage: upload transcript: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
