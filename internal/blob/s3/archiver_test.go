package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ledger"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, jsonlContentType)
}

func TestArchiveAttempts(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"done", "open"} {
		require.NoError(t, l.Reserve(ctx, domain.TradeAttempt{
			ID: id, PoolAddress: "pool-" + id, State: domain.AttemptValidated,
			DetectedAt: t0, CreatedAt: t0, UpdatedAt: t0,
		}))
	}
	_, err := l.Append(ctx, domain.Transition{AttemptID: "done", To: domain.AttemptFailed, Reason: "r", At: t0.Add(time.Minute)})
	require.NoError(t, err)

	w := &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
	a := NewArchiver(w, l, slog.Default())
	a.now = func() time.Time { return t0.Add(time.Hour) }

	n, err := a.ArchiveAttempts(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	path := "ledger/2024/05/01/attempts-1714568400.jsonl"
	require.Contains(t, w.objects, path)
	assert.Equal(t, "application/x-ndjson", w.types[path])

	sc := bufio.NewScanner(bytes.NewReader(w.objects[path]))
	require.True(t, sc.Scan())
	var rec archiveRecord
	require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
	assert.Equal(t, "done", rec.ID)
	assert.Equal(t, domain.AttemptFailed, rec.State)
	assert.Len(t, rec.History, 3)
	assert.False(t, sc.Scan())

	// Nothing changed after the cutoff.
	n, err = a.ArchiveAttempts(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
}
