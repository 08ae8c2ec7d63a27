package storage_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kr0osti/image-processor/internal/apperr"
	"github.com/kr0osti/image-processor/internal/hash/sha256"
	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/storage"
	"github.com/kr0osti/image-processor/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqNames struct{ n int }

func (s *seqNames) NewName(ext string) (string, error) {
	s.n++
	return "file" + string(rune('0'+s.n)) + "." + ext, nil
}

type mockLedger struct{ mock.Mock }

func (m *mockLedger) RecordStored(ctx context.Context, image ingest.StoredImage, source string, at time.Time) error {
	args := m.Called(ctx, image, source, at)
	return args.Error(0)
}

func (m *mockLedger) RecordEvicted(ctx context.Context, name string, at time.Time) error {
	args := m.Called(ctx, name, at)
	return args.Error(0)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

var now = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func newGateway(t *testing.T, opts ...storage.Option) (*storage.Gateway, *memory.BlobStore) {
	t.Helper()
	blobs := memory.NewBlobStore(fixedClock{now: now})
	g, err := storage.New(blobs, &seqNames{}, sha256.New(), fixedClock{now: now}, nil, opts...)
	require.NoError(t, err)
	return g, blobs
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := storage.New(nil, &seqNames{}, sha256.New(), fixedClock{}, nil)
	assert.Error(t, err)
	_, err = storage.New(memory.NewBlobStore(nil), nil, sha256.New(), fixedClock{}, nil)
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":               "jpg",
		"image/png":                "png",
		"image/svg+xml":            "svg",
		"image/webp":               "webp",
		"image/gif; charset=utf-8": "gif",
		"":                         "png",
		"garbage":                  "png",
		"image/":                   "png",
	}
	for in, want := range cases {
		assert.Equal(t, want, storage.ExtensionFor(in), in)
	}
}

func TestURLsFor(t *testing.T) {
	publicURL, apiURL := storage.URLsFor("abc.png")
	assert.Equal(t, "/uploads/abc.png", publicURL)
	assert.Equal(t, "/api/serve-image?file=abc.png", apiURL)
}

func TestSaveWritesAndReports(t *testing.T) {
	ledger := &mockLedger{}
	publisher := &mockPublisher{}
	g, blobs := newGateway(t, storage.WithLedger(ledger), storage.WithPublisher(publisher, "events"))

	ledger.On("RecordStored", mock.Anything, mock.MatchedBy(func(img ingest.StoredImage) bool {
		return img.Name == "file1.jpg" && img.Size == 5
	}), "https://example.com/a.jpg", now).Return(nil).Once()
	publisher.On("Publish", mock.Anything, "events", mock.MatchedBy(func(e ingest.Event) bool {
		return e.Type == ingest.EventStored && e.Name == "file1.jpg" && e.Checksum != ""
	})).Return("msg-1", nil).Once()

	image, err := g.Save(context.Background(), []byte("jpeg!"), "image/jpeg", "https://example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "file1.jpg", image.Name)
	assert.Equal(t, "/uploads/file1.jpg", image.URL)
	assert.Equal(t, "/api/serve-image?file=file1.jpg", image.APIURL)
	assert.Len(t, image.Checksum, 64)
	assert.Equal(t, []string{"file1.jpg"}, blobs.Names())

	ledger.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestSaveSurvivesSideEffectFailures(t *testing.T) {
	ledger := &mockLedger{}
	publisher := &mockPublisher{}
	mirror := memory.NewBlobStore(nil)
	g, _ := newGateway(t, storage.WithLedger(ledger), storage.WithPublisher(publisher, ""), storage.WithMirror(mirror))

	ledger.On("RecordStored", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down"))
	publisher.On("Publish", mock.Anything, storage.DefaultTopic, mock.Anything).Return("", errors.New("pubsub down"))

	image, err := g.Save(context.Background(), []byte("png"), "image/png", "upload")
	require.NoError(t, err)
	assert.Equal(t, "file1.png", image.Name)
	assert.Equal(t, []string{"file1.png"}, mirror.Names())
}

func TestSaveRejectsEmptyPayload(t *testing.T) {
	g, _ := newGateway(t)
	_, err := g.Save(context.Background(), nil, "image/png", "")
	assert.Error(t, err)
}

func TestSaveDataURL(t *testing.T) {
	g, blobs := newGateway(t)

	image, err := g.SaveDataURL(context.Background(), "data:image/jpeg;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "file1.jpg", image.Name)

	rc, file, err := g.Open(context.Background(), image.Name)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "image/jpeg", file.ContentType)
	assert.Len(t, blobs.Names(), 1)
}

func TestSaveDataURLValidation(t *testing.T) {
	g, _ := newGateway(t)
	cases := map[string]string{
		"":                             storage.MsgNoDataURL,
		"not a data url":               storage.MsgInvalidDataURL,
		"data:image/png,rawbytes":      storage.MsgInvalidDataURL,
		"data:image/png;base64,!!!!":   storage.MsgInvalidDataURL,
		"data:image/p_ng;base64,aGVs=": storage.MsgInvalidDataURL,
	}
	for in, msg := range cases {
		_, err := g.SaveDataURL(context.Background(), in)
		appErr, ok := apperr.As(err)
		require.True(t, ok, in)
		assert.Equal(t, apperr.KindValidation, appErr.Kind, in)
		assert.Equal(t, msg, appErr.Message, in)
	}
}

func TestDecodeDataURLAcceptsUnpadded(t *testing.T) {
	contentType, payload, err := storage.DecodeDataURL("data:image/svg+xml;base64,aGVsbG8")
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", contentType)
	assert.Equal(t, "hello", string(payload))
}

func TestDeletePublishesEviction(t *testing.T) {
	ledger := &mockLedger{}
	publisher := &mockPublisher{}
	g, blobs := newGateway(t, storage.WithLedger(ledger), storage.WithPublisher(publisher, "events"))

	ledger.On("RecordStored", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	publisher.On("Publish", mock.Anything, "events", mock.MatchedBy(func(e ingest.Event) bool {
		return e.Type == ingest.EventStored
	})).Return("msg-1", nil)
	image, err := g.Save(context.Background(), []byte("gif"), "image/gif", "")
	require.NoError(t, err)

	ledger.On("RecordEvicted", mock.Anything, image.Name, now).Return(nil).Once()
	publisher.On("Publish", mock.Anything, "events", ingest.Event{
		Type: ingest.EventEvicted,
		Name: image.Name,
		At:   now,
	}).Return("msg-2", nil).Once()

	require.NoError(t, g.Delete(context.Background(), image.Name))
	assert.Empty(t, blobs.Names())
	ledger.AssertExpectations(t)
	publisher.AssertExpectations(t)

	err = g.Delete(context.Background(), image.Name)
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestOpenMissing(t *testing.T) {
	g, _ := newGateway(t)
	_, _, err := g.Open(context.Background(), "nope.png")
	assert.True(t, storage.IsNotFound(err))
	_, _, err = g.Open(context.Background(), "../etc/passwd")
	assert.True(t, storage.IsNotFound(err))
}
