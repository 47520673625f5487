package rabbitmq

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"civicreport/models"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	published []published
	err       error
	closed    bool
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublishReport(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{channel: ch, exchange: "civicreport", routingKey: "report.completed"}

	report := &models.Report{
		ID:        "abc123xyz",
		CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Location:  "Remote",
		Evidence:  "data:image/jpeg;base64,AAAA",
		Category:  "Infrastructure",
		Analysis:  models.AnalysisResult{Score: 0.88, IsAuthentic: true},
		Status:    models.StatusVerified,
		StorageID: "Qm00",
		LedgerRef: "0x00",
	}
	if err := p.PublishReport(report); err != nil {
		t.Fatalf("PublishReport() error = %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(ch.published))
	}
	got := ch.published[0]
	if got.exchange != "civicreport" || got.key != "report.completed" {
		t.Errorf("published to %s/%s", got.exchange, got.key)
	}
	if got.msg.ContentType != "application/json" || got.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("publishing = %+v", got.msg)
	}
	if strings.Contains(string(got.msg.Body), "base64") {
		t.Error("message body carries the evidence payload")
	}

	var event ReportCompleted
	if err := json.Unmarshal(got.msg.Body, &event); err != nil {
		t.Fatal(err)
	}
	if event.ID != report.ID || event.Status != models.StatusVerified || event.Score != 0.88 {
		t.Errorf("event = %+v", event)
	}
}

func TestPublishError(t *testing.T) {
	p := &Publisher{channel: &fakeChannel{err: amqp.ErrClosed}}
	if err := p.PublishReport(&models.Report{}); !errors.Is(err, amqp.ErrClosed) {
		t.Errorf("PublishReport() error = %v, want amqp.ErrClosed", err)
	}
}

func TestClose(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{channel: ch}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !ch.closed {
		t.Error("channel not closed")
	}
}
