package sink

import (
	"testing"
	"time"

	"meshpipe/internal/mesh"
)

func TestColumns_CoverEveryRecordKey(t *testing.T) {
	lat, lon := 52.1, 4.9
	batt := int64(73)
	ack := true
	snr := -7.5
	row := mesh.Row{
		IngestedAt: time.Now(),
		Type:       mesh.TypePosition,
		FromID:     "!a1b2c3d4",
		WantAck:    &ack,
		RxSNR:      &snr,
		Position:   &mesh.Position{Latitude: &lat, Longitude: &lon},
		Telemetry:  &mesh.Telemetry{BatteryLevel: &batt},
		Text:       &mesh.TextMessage{Text: "hi"},
		NodeInfo:   &mesh.NodeInfo{LongName: "Base Station"},
		Payload:    []byte(`{"fromId":"!a1b2c3d4"}`),
	}

	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c.name] = true
	}
	for key := range row.Record() {
		if !known[key] {
			t.Errorf("record key %q has no column", key)
		}
	}
}

func TestRowValues_NilForUnsetAndNativeTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	lat := 52.1
	row := mesh.Row{
		IngestedAt: ts,
		Type:       mesh.TypePosition,
		FromID:     "!a1b2c3d4",
		Position:   &mesh.Position{Latitude: &lat},
	}

	vals := rowValues(&row)
	if len(vals) != len(columns) {
		t.Fatalf("values = %d, want %d", len(vals), len(columns))
	}

	byName := make(map[string]any, len(columns))
	for i, c := range columns {
		byName[c.name] = vals[i]
	}

	got, ok := byName["ingested_at"].(time.Time)
	if !ok || !got.Equal(ts) {
		t.Errorf("ingested_at = %v, want native time %v", byName["ingested_at"], ts)
	}
	if byName["packet_type"] != "position" {
		t.Errorf("packet_type = %v, want position", byName["packet_type"])
	}
	if byName["latitude"] != lat {
		t.Errorf("latitude = %v, want %v", byName["latitude"], lat)
	}
	// Unset fields must bind as NULL, not zero.
	for _, name := range []string{"longitude", "battery_level", "want_ack", "text_message"} {
		if byName[name] != nil {
			t.Errorf("%s = %v, want nil", name, byName[name])
		}
	}
}
