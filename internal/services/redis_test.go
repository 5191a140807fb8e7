package services_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"numbers-betting-backend/internal/config"
	"numbers-betting-backend/internal/models"
	"numbers-betting-backend/internal/services"
)

func TestRedisBus(t *testing.T) {
	cfg := &config.Config{
		RedisURL:  "localhost:6379",
		RedisPass: "",
		RedisDB:   0,
	}

	bus, err := services.NewRedisBus(cfg, quietLogger())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := newRecordingNotifier()
	if err := bus.Relay(ctx, local); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}

	if err := bus.PublishToUser(42, &models.Notification{
		Type:    models.MessageBalanceUpdate,
		Payload: models.BalanceUpdatePayload{},
	}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if err := bus.PublishToAdmins(&models.Notification{Type: models.MessageUserBalanceUpdate}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(local.messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	sent := local.messages()
	if len(sent) != 2 {
		t.Fatalf("Expected 2 relayed messages, got %d", len(sent))
	}

	if sent[0].audience != "user" || sent[0].userID != 42 {
		t.Errorf("Expected user 42, got %s/%d", sent[0].audience, sent[0].userID)
	}

	if sent[0].msg.Type != models.MessageBalanceUpdate {
		t.Errorf("Expected balanceUpdate, got %s", sent[0].msg.Type)
	}

	raw, err := json.Marshal(sent[0].msg)
	if err != nil {
		t.Fatalf("Failed to re-encode relayed message: %v", err)
	}
	if string(raw) != `{"type":"balanceUpdate","payload":{"balance":"0"}}` {
		t.Errorf("Unexpected relayed message: %s", raw)
	}

	if sent[1].audience != "admins" {
		t.Errorf("Expected admins audience, got %s", sent[1].audience)
	}
}
