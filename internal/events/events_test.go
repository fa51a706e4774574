package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
)

func testEvent(typ Type) Event {
	return Event{
		Type:     typ,
		BucketID: "B2",
		RunDate:  "2026-04-10",
		State:    model.RunCompleted,
		Summary:  &model.RunSummary{Candidates: 3, SentBy: map[string]int{"inhouse": 2}},
		At:       time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestWebhookPublisher(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL)
	require.NoError(t, p.Publish(context.Background(), testEvent(RunCompleted)))
	assert.Equal(t, RunCompleted, got.Type)
	assert.Equal(t, "B2", got.BucketID)
	assert.Equal(t, 2, got.Summary.TotalSent())
}

func TestWebhookPublisher_FiltersTypes(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, RunFailed)
	require.NoError(t, p.Publish(context.Background(), testEvent(RunCompleted)))
	require.NoError(t, p.Publish(context.Background(), testEvent(RunFailed)))
	assert.Equal(t, 1, calls)
}

func TestWebhookPublisher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookPublisher(srv.URL).Publish(context.Background(), testEvent(RunFailed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookPublisher_NoURL(t *testing.T) {
	assert.NoError(t, NewWebhookPublisher("").Publish(context.Background(), testEvent(RunFailed)))
}

type fakeWriter struct {
	msgs   []kgo.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w)

	require.NoError(t, p.Publish(context.Background(), testEvent(RunStarted)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "B2:2026-04-10", string(w.msgs[0].Key))
	assert.Equal(t, "run.started", string(w.msgs[0].Headers[0].Value))

	var e Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &e))
	assert.Equal(t, RunStarted, e.Type)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := NewKafkaPublisherWithWriter(&fakeWriter{err: eris.New("broker down")})
	err := p.Publish(context.Background(), testEvent(RunFailed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(" , ", "topic")
	assert.Error(t, err)
	_, err = NewKafkaPublisher("localhost:9092", "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher("localhost:9092, localhost:9093", "collection.runs")
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

type errPublisher struct{ err error }

func (p errPublisher) Publish(context.Context, Event) error { return p.err }

func TestMulti(t *testing.T) {
	w := &fakeWriter{}
	m := Multi{NewLogPublisher(), NewKafkaPublisherWithWriter(w), errPublisher{err: eris.New("nope")}, Nop{}}

	err := m.Publish(context.Background(), testEvent(RunFailed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.Len(t, w.msgs, 1, "later publishers still run after a failure")
}
