package broadcast

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwarden/internal/platform"
	"chatwarden/internal/platform/platformtest"
	"chatwarden/internal/storage"
	logx "chatwarden/pkg/logx"
)

// 1x1 lossless WebP
const webpPixel = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

func pngPayload(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newDispatcher(st storage.Store, p platform.Platform, policy DeletePolicy, now time.Time) *Dispatcher {
	d := NewDispatcher(st, p, nil, Config{AlbumSize: 10, DeletePolicy: policy}, logx.Nop())
	d.now = func() time.Time { return now }
	return d
}

func TestTickDeliversDueRowBestEffort(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	st := newStore(t)
	p := platformtest.New(1)
	p.SendErr[-2] = errors.New("forbidden")

	images := make([]string, 12)
	for i := range images {
		images[i] = pngPayload(t)
	}
	_, err := st.EnqueueMessage(ctx, storage.QueuedMessage{
		Targets:     []int64{-1, -2},
		Text:        "hello *world*",
		Images:      images,
		ScheduledAt: now.Add(-time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)

	require.NoError(t, newDispatcher(st, p, PolicyAttempt, now).Tick(ctx))

	q, err := st.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)

	albums := p.AlbumsTo(-1)
	require.Len(t, albums, 2)
	assert.Len(t, albums[0], 10)
	assert.Len(t, albums[1], 2)
	assert.Equal(t, []string{"hello *world*"}, p.TextsTo(-1))
	assert.Equal(t, []string{"album", "album", "text"}, p.OrderFor(-1))
	assert.Empty(t, p.TextsTo(-2))
}

func TestTickKeepsFutureAndUnparsableRows(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	st := newStore(t)
	p := platformtest.New(1)

	future := storage.QueuedMessage{Targets: []int64{-1}, Text: "later", ScheduledAt: now.Add(time.Hour).Format(time.RFC3339)}
	id1, err := st.EnqueueMessage(ctx, future)
	require.NoError(t, err)
	id2, err := st.EnqueueMessage(ctx, storage.QueuedMessage{Targets: []int64{-1}, Text: "bad", ScheduledAt: "tomorrow"})
	require.NoError(t, err)

	require.NoError(t, newDispatcher(st, p, PolicyAttempt, now).Tick(ctx))

	q, err := st.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, q, 2)
	future.ID = id1
	future.Images = []string{}
	assert.Equal(t, future, q[0])
	assert.Equal(t, id2, q[1].ID)
	assert.Empty(t, p.TextsTo(-1))
}

func TestAllDeliveredRequeuesTransientTargets(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := newStore(t)
	p := platformtest.New(1)
	p.SendErr[-2] = errors.New("timeout")
	p.SendErr[-3] = platform.Wrap("send", platform.CategoryBotRemoved, errors.New("bot was kicked"))

	id, err := st.EnqueueMessage(ctx, storage.QueuedMessage{Targets: []int64{-1, -2, -3}, Text: "x", ScheduledAt: now.Add(-time.Minute).Format(time.RFC3339)})
	require.NoError(t, err)

	require.NoError(t, newDispatcher(st, p, PolicyAllDelivered, now).Tick(ctx))

	q, err := st.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.NotEqual(t, id, q[0].ID)
	assert.Equal(t, []int64{-2}, q[0].Targets)
	assert.Equal(t, []string{"x"}, p.TextsTo(-1))
}

func TestTickSkipsBadImagesButDelivers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := newStore(t)
	p := platformtest.New(1)

	_, err := st.EnqueueMessage(ctx, storage.QueuedMessage{Targets: []int64{-1}, Text: "x", Images: []string{"!!!", pngPayload(t)}, ScheduledAt: now.Add(-time.Second).Format(time.RFC3339)})
	require.NoError(t, err)
	require.NoError(t, newDispatcher(st, p, PolicyAttempt, now).Tick(ctx))

	albums := p.AlbumsTo(-1)
	require.Len(t, albums, 1)
	assert.Len(t, albums[0], 1)
	q, err := st.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)
}

func TestScheduleValidatesInput(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	d := newDispatcher(st, platformtest.New(1), PolicyAttempt, time.Now())

	_, err := d.Schedule(ctx, Request{Targets: []int64{-1}, Text: "x", At: "2026-10-19 12:00"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = d.Schedule(ctx, Request{Targets: []int64{-1}, Text: "x", Images: []string{"bm90IGFuIGltYWdl"}, At: "2026-10-19T12:00:00Z"})
	assert.ErrorIs(t, err, platform.ErrInvalidImage)
	_, err = d.Schedule(ctx, Request{Text: "x", At: "2026-10-19T12:00:00Z"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	id, err := d.Schedule(ctx, Request{Targets: []int64{-1}, Text: "x", Images: []string{pngPayload(t)}, At: "2026-10-19T12:00:00+02:00"})
	require.NoError(t, err)
	q, err := st.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, id, q[0].ID)
	assert.Equal(t, "2026-10-19T12:00:00+02:00", q[0].ScheduledAt)
}

func TestDecodeImage(t *testing.T) {
	img, err := DecodeImage(0, webpPixel)
	require.NoError(t, err)
	assert.Equal(t, "image_0.png", img.Name)
	_, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	img, err = DecodeImage(3, "data:image/png;base64,"+pngPayload(t))
	require.NoError(t, err)
	assert.Equal(t, "image_3.png", img.Name)

	_, err = DecodeImage(0, "@@@")
	assert.ErrorIs(t, err, platform.ErrInvalidImage)
}

func TestChunk(t *testing.T) {
	imgs := make([]platform.Image, 23)
	sizes := func(chunks [][]platform.Image) []int {
		var out []int
		for _, c := range chunks {
			out = append(out, len(c))
		}
		return out
	}
	assert.Equal(t, []int{10, 10, 3}, sizes(Chunk(imgs, 10)))
	assert.Equal(t, []int{10, 10, 3}, sizes(Chunk(imgs, 50)))
	assert.Equal(t, []int{4, 4, 4, 4, 4, 3}, sizes(Chunk(imgs, 4)))
	assert.Equal(t, []int{9, 2}, sizes(Chunk(imgs[:11], 10)))
	assert.Equal(t, []int{10, 9, 2}, sizes(Chunk(imgs[:21], 10)))
	assert.Equal(t, []int{1}, sizes(Chunk(imgs[:1], 10)))
	assert.Empty(t, Chunk(nil, 10))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAttempt, p)
	p, err = ParsePolicy("ALL_DELIVERED")
	require.NoError(t, err)
	assert.Equal(t, PolicyAllDelivered, p)
	_, err = ParsePolicy("never")
	assert.Error(t, err)
}
