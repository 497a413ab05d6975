package db

import (
	"encoding/json"
	"testing"
)

func TestPoolStats_HealthyFlag(t *testing.T) {
	stats := &PoolStats{TotalConns: 10, IdleConns: 5, AcquiredConns: 5, MaxConns: 20, Healthy: true}
	if !stats.Healthy {
		t.Error("expected Healthy to be true with established connections")
	}

	empty := &PoolStats{TotalConns: 0, MaxConns: 20, Healthy: false}
	if empty.Healthy {
		t.Error("expected Healthy to be false when TotalConns is 0")
	}
}

func TestPoolStats_JSONShape(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      3,
		IdleConns:       2,
		AcquiredConns:   1,
		MaxConns:        20,
		AcquireCount:    42,
		AcquireDuration: "250ms",
		Healthy:         true,
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := got[key]; !ok {
			t.Errorf("expected key %q in health payload", key)
		}
	}
	if got["acquire_duration"] != "250ms" {
		t.Errorf("expected acquire_duration 250ms, got %v", got["acquire_duration"])
	}
}
