package feed

import (
	"errors"
	"testing"
	"time"
)

func TestIsHeartbeat(t *testing.T) {
	if !IsHeartbeat([]byte(`{"op":"hb","pt":1700000000000}`)) {
		t.Fatal("heartbeat line not detected")
	}
	if IsHeartbeat([]byte(`{"op":"update","v":1,"pt":1,"updates":[]}`)) {
		t.Fatal("update line misdetected as heartbeat")
	}
}

func TestDecodeEnvelope(t *testing.T) {
	line := []byte(`{"op":"update","v":1,"pt":1700000000123,"updates":[` +
		`{"key":"M1","def":{"category":"tennis","start_time":"2026-03-14T18:00:00Z","name":"Match Odds","active":true,"status":"OPEN"}},` +
		`{"key":"M2"}]}`)

	env, err := DecodeEnvelope(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.PublishTime != 1700000000123 {
		t.Errorf("publish time: got %d", env.PublishTime)
	}
	if len(env.Updates) != 2 {
		t.Fatalf("updates: got %d want 2", len(env.Updates))
	}

	def := env.Updates[0].Definition
	if def == nil {
		t.Fatal("definition missing")
	}
	if def.Category == nil || *def.Category != "tennis" {
		t.Errorf("category: %v", def.Category)
	}
	want := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	if def.StartTime == nil || !def.StartTime.Equal(want) {
		t.Errorf("start time: %v", def.StartTime)
	}
	if def.Active == nil || !*def.Active {
		t.Errorf("active: %v", def.Active)
	}

	// 缺省字段必须保持 nil，与零值可区分。
	if env.Updates[1].Definition != nil {
		t.Errorf("absent definition must stay nil")
	}
}

func TestDecodeEnvelopeRejectsUnsupportedVersion(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"op":"update","v":2,"pt":1,"updates":[]}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("want ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsNonUpdate(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"op":"status","v":1}`))
	if !errors.Is(err, ErrNotUpdate) {
		t.Fatalf("want ErrNotUpdate, got %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StatusClosed) {
		t.Fatal("CLOSED must be terminal")
	}
	if IsTerminal(StatusOpen) || IsTerminal(StatusSuspended) {
		t.Fatal("OPEN/SUSPENDED must not be terminal")
	}
}
