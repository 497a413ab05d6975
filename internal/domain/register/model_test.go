package register

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestZeroToleranceSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		want     bool
	}{
		{ScheduleI, true},
		{ScheduleII, true},
		{ScheduleIII, false},
		{ScheduleIV, false},
		{ScheduleV, false},
	}
	for _, tt := range tests {
		if got := zeroToleranceSchedule(tt.schedule); got != tt.want {
			t.Errorf("zeroToleranceSchedule(%q) = %v, want %v", tt.schedule, got, tt.want)
		}
	}
}

func TestValidSchedules(t *testing.T) {
	for _, s := range []string{"I", "II", "III", "IV", "V"} {
		if !validSchedules[s] {
			t.Errorf("expected schedule %s to be valid", s)
		}
	}
	for _, s := range []string{"", "VI", "1", "i"} {
		if validSchedules[s] {
			t.Errorf("expected schedule %q to be invalid", s)
		}
	}
}

func TestValidDestructionReasons(t *testing.T) {
	for _, r := range []string{"expired", "damaged", "recalled", "patient_deceased", "discontinued", "other"} {
		if !validDestructionReasons[r] {
			t.Errorf("expected reason %s to be valid", r)
		}
	}
	if validDestructionReasons["surplus"] {
		t.Error("expected 'surplus' to be invalid")
	}
}

func TestWitness_JSONRoundTrip(t *testing.T) {
	w := Witness{
		WitnessID:   uuid.New(),
		WitnessName: "B Carter",
		WitnessRole: "pharmacist",
		Signature:   "sig-token",
		VerifiedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		DeviceID:    "tablet-3",
		IPAddress:   "10.0.0.5",
	}
	raw, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got Witness
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != w {
		t.Errorf("round trip mismatch: %+v != %+v", got, w)
	}
}

func TestDomainError_Format(t *testing.T) {
	err := conflictError(CodeInsufficientStock, "cannot administer 70 units; current stock is 60")
	if err.Error() != "INSUFFICIENT_STOCK: cannot administer 70 units; current stock is 60" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
	if err.Kind != KindConflict {
		t.Errorf("expected conflict kind, got %s", err.Kind)
	}
	if err.Retryable {
		t.Error("plain conflict must not be retryable")
	}
}

func TestRetryableConflict(t *testing.T) {
	err := retryableConflict("entry was modified concurrently")
	if !err.Retryable {
		t.Error("expected retryable")
	}
	if err.Code != CodeConflict {
		t.Errorf("expected CONFLICT, got %s", err.Code)
	}
}
