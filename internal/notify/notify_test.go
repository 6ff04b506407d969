package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAMQPReporterPublishesJSON(t *testing.T) {
	ch := &fakeChannel{}
	r := NewAMQPReporter(ch, "sketchsync.events", 8, discardLogger())

	r.Report(context.Background(), Failure("append", "demo", "u1", errors.New("disk full")))
	require.NoError(t, r.Close())

	require.Len(t, ch.published, 1)
	assert.Equal(t, []string{"sketchsync.events"}, ch.keys)

	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Body, &ev))
	assert.Equal(t, KindPersistenceFailure, ev.Kind)
	assert.Equal(t, "demo", ev.SessionID)
	assert.Equal(t, "append", ev.Op)
	assert.Equal(t, "disk full", ev.Error)
}

func TestAMQPReporterCloseIsIdempotent(t *testing.T) {
	r := NewAMQPReporter(&fakeChannel{err: errors.New("broker down")}, "q", 1, discardLogger())
	r.Report(context.Background(), Event{Kind: KindSessionJoined})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	// reporting after close is a no-op
	r.Report(context.Background(), Event{Kind: KindSessionLeft})
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogReporter(slog.New(slog.NewTextHandler(&buf, nil)))

	r.Report(context.Background(), Event{Kind: KindSessionJoined, SessionID: "quiet"})
	assert.Empty(t, buf.String(), "activity is logged at debug")

	r.Report(context.Background(), Failure("clear", "demo", "u1", errors.New("boom")))
	assert.Contains(t, buf.String(), "kind=persistence_failure")
	assert.Contains(t, buf.String(), "error=boom")
}

type recorder struct{ events []Event }

func (r *recorder) Report(_ context.Context, ev Event) { r.events = append(r.events, ev) }

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, b, Nop{}}.Report(context.Background(), Event{Kind: KindCanvasCleared})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}
