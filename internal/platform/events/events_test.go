package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	ch := make(chan struct{})
	close(ch)
	return &doneToken{err: err, done: ch}
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type pendingToken struct{ doneToken }

func (t *pendingToken) Done() <-chan struct{} { return make(chan struct{}) }

type fakeMQTT struct {
	topic   string
	payload []byte
	token   mqtt.Token
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.topic = topic
	f.payload = payload.([]byte)
	return f.token
}

func (f *fakeMQTT) Disconnect(uint) {}

func TestMQTTPublisher_Publish(t *testing.T) {
	fake := &fakeMQTT{token: newDoneToken(nil)}
	p := newMQTTPublisher(fake, "ehr/")

	err := p.Publish(context.Background(), Event{Type: PermissionGranted, PatientID: "100001", DoctorID: "200002"})
	require.NoError(t, err)
	assert.Equal(t, "ehr/permission/granted", fake.topic)

	var got Event
	require.NoError(t, json.Unmarshal(fake.payload, &got))
	assert.Equal(t, "200002", got.DoctorID)
}

func TestMQTTPublisher_Errors(t *testing.T) {
	fake := &fakeMQTT{token: newDoneToken(errors.New("not connected"))}
	p := newMQTTPublisher(fake, "ehr")
	assert.Error(t, p.Publish(context.Background(), Event{Type: RecordUploaded}))

	fake.token = &pendingToken{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, Event{Type: RecordUploaded}), context.Canceled)
}

type fakeStream struct {
	args *redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = a
	return redis.NewStringResult("1700000000000-0", f.err)
}

func (f *fakeStream) Close() error { return nil }

func TestRedisStreamPublisher_Publish(t *testing.T) {
	fake := &fakeStream{}
	p := newRedisStreamPublisher(fake, "ehr:events")

	require.NoError(t, p.Publish(context.Background(), Event{Type: ConsultationCreated, RecordID: "r1"}))
	require.NotNil(t, fake.args)
	assert.Equal(t, "ehr:events", fake.args.Stream)
	assert.True(t, fake.args.Approx)

	values := fake.args.Values.(map[string]interface{})
	assert.Equal(t, "consultation.created", values["type"])
	assert.Contains(t, values["data"], `"record_id":"r1"`)

	fake.err = errors.New("READONLY")
	assert.Error(t, p.Publish(context.Background(), Event{Type: ConsultationCreated}))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), Event{Type: IdentityRegistered}))
	require.NoError(t, r.Publish(context.Background(), Event{Type: RecordUploaded}))
	evs := r.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, RecordUploaded, evs[1].Type)
}
