package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	rediskit "github.com/merchant/checkout/pkg/redis"
)

func TestRedisPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisPublisher(rediskit.NewStreamClient(client, 1000), "")
	ev := NewEvent(TypeOrderCancelled, "m-1", "tx-1").WithAttribute("orderReference", "ORD-m-1-1")
	ev.Reason = "payment failed"
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages=%d", len(msgs))
	}
	if msgs[0].Values["type"] != string(TypeOrderCancelled) || msgs[0].Values["merchantId"] != "m-1" {
		t.Fatalf("unexpected fields: %v", msgs[0].Values)
	}
	var got Event
	if err := json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TransactionID != "tx-1" || got.Reason != "payment failed" || got.Attributes["orderReference"] != "ORD-m-1-1" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestRedisPublisher_PublishError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.CustomMatch(func(expected, actual []interface{}) error {
		if len(actual) < 2 || actual[1] != DefaultStream {
			return errors.New("unexpected stream")
		}
		return nil
	}).ExpectXAdd(&goredis.XAddArgs{Stream: DefaultStream}).SetErr(errors.New("connection refused"))

	pub := NewRedisPublisher(rediskit.NewStreamClient(client, 0), "")
	err := pub.Publish(context.Background(), NewEvent(TypeNotification, "m-1", "tx-1"))
	if err == nil || !strings.Contains(err.Error(), "checkout.notification") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	pub := &KafkaPublisher{writer: w, topic: "checkout-events"}

	if err := pub.Publish(context.Background(), NewEvent(TypeCheckoutConfirmed, "m-1", "tx-9")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages=%d", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "checkout-events" || string(msg.Key) != "m-1:tx-9" {
		t.Fatalf("unexpected message: topic=%s key=%s", msg.Topic, msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(TypeCheckoutConfirmed) {
		t.Fatalf("unexpected headers: %v", msg.Headers)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	pub := &KafkaPublisher{writer: &fakeWriter{err: errors.New("leader not available")}, topic: "t"}
	if err := pub.Publish(context.Background(), NewEvent(TypeOrderCancelled, "m-1", "tx-1")); err == nil {
		t.Fatal("expected error")
	}
}
