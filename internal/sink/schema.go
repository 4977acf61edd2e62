package sink

import (
	"meshpipe/internal/mesh"
)

// columnKind drives the per-backend DDL type mapping.
type columnKind int

const (
	kindTimestamp columnKind = iota
	kindString
	kindInt
	kindFloat
	kindBool
)

type column struct {
	name string
	kind columnKind
}

// columns is the wide table layout shared by the SQL sinks, in insert order.
// Every key emitted by mesh.Row.Record has a column here; everything except
// ingested_at and packet_type is nullable.
var columns = []column{
	{"ingested_at", kindTimestamp},
	{"packet_type", kindString},
	{"from_id", kindString},
	{"from_num", kindInt},
	{"to_id", kindString},
	{"to_num", kindInt},
	{"channel", kindInt},
	{"portnum", kindString},
	{"hop_limit", kindInt},
	{"hop_start", kindInt},
	{"want_ack", kindBool},
	{"rx_time", kindInt},
	{"rx_snr", kindFloat},
	{"rx_rssi", kindFloat},

	{"latitude", kindFloat},
	{"longitude", kindFloat},
	{"altitude", kindFloat},
	{"altitude_hae", kindFloat},
	{"altitude_geoidal_separation", kindFloat},
	{"ground_speed", kindFloat},
	{"ground_track", kindFloat},
	{"sats_in_view", kindInt},
	{"pdop", kindFloat},
	{"hdop", kindFloat},
	{"vdop", kindFloat},
	{"gps_timestamp", kindInt},
	{"precision_bits", kindInt},
	{"fix_quality", kindInt},
	{"fix_type", kindInt},
	{"position_source", kindString},
	{"seq_number", kindInt},

	{"battery_level", kindInt},
	{"voltage", kindFloat},
	{"channel_utilization", kindFloat},
	{"air_util_tx", kindFloat},
	{"uptime_seconds", kindInt},
	{"temperature", kindFloat},
	{"temperature_f", kindFloat},
	{"relative_humidity", kindFloat},
	{"barometric_pressure", kindFloat},
	{"gas_resistance", kindFloat},
	{"iaq", kindInt},
	{"lux", kindFloat},
	{"white_lux", kindFloat},
	{"ir_lux", kindFloat},
	{"uv_lux", kindFloat},
	{"wind_direction", kindInt},
	{"wind_speed", kindFloat},
	{"wind_gust", kindFloat},
	{"weight", kindFloat},
	{"distance", kindFloat},
	{"ch1_voltage", kindFloat},
	{"ch1_current", kindFloat},
	{"ch2_voltage", kindFloat},
	{"ch2_current", kindFloat},
	{"ch3_voltage", kindFloat},
	{"ch3_current", kindFloat},
	{"pm10_standard", kindInt},
	{"pm25_standard", kindInt},
	{"pm100_standard", kindInt},
	{"pm10_environmental", kindInt},
	{"pm25_environmental", kindInt},
	{"pm100_environmental", kindInt},
	{"co2", kindInt},

	{"text_message", kindString},
	{"text_payload", kindString},

	{"user_id", kindString},
	{"long_name", kindString},
	{"short_name", kindString},
	{"hw_model", kindString},
	{"is_licensed", kindBool},
	{"role", kindString},

	{"raw_packet", kindString},
}

// columnNames returns the insert column list.
func columnNames() []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}
	return names
}

// rowValues projects a row into the column order, nil for unset fields. The
// timestamp stays a time.Time so the drivers bind it natively instead of
// re-parsing the RFC 3339 string the streaming sink sends.
func rowValues(r *mesh.Row) []any {
	rec := r.Record()
	vals := make([]any, len(columns))
	for i, c := range columns {
		if c.name == "ingested_at" {
			vals[i] = r.IngestedAt.UTC()
			continue
		}
		if v, ok := rec[c.name]; ok {
			vals[i] = v
		}
	}
	return vals
}
