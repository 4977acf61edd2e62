package mesh

import (
	"encoding/json"
	"time"
)

// Row is the canonical normalized record flowing through the pipeline. The
// envelope fields are shared by every packet type; exactly one of the payload
// variants is set according to Type. Optional fields are pointers so that
// "absent" stays distinguishable from a zero value until the store boundary,
// where unset fields become omitted keys.
type Row struct {
	IngestedAt time.Time
	Type       PacketType

	FromID  string
	FromNum *int64
	ToID    string
	ToNum   *int64

	Channel  *int64
	PortNum  string
	HopLimit *int64
	HopStart *int64
	WantAck  *bool
	RxTime   *int64
	RxSNR    *float64
	RxRSSI   *float64

	Position  *Position
	Telemetry *Telemetry
	Text      *TextMessage
	NodeInfo  *NodeInfo

	// Payload preserves the packet as received, for later inspection. Always
	// set; it is the only content of a raw row.
	Payload json.RawMessage
}

// Position carries a GPS fix. Coordinates are decimal degrees, altitude is
// meters, speed is m/s, track is degrees.
type Position struct {
	Latitude          *float64
	Longitude         *float64
	Altitude          *float64
	AltitudeHAE       *float64
	GeoidalSeparation *float64
	GroundSpeed       *float64
	GroundTrack       *float64
	SatsInView        *int64
	PDOP              *float64
	HDOP              *float64
	VDOP              *float64
	GPSTimestamp      *int64
	PrecisionBits     *int64
	FixQuality        *int64
	FixType           *int64
	Source            string
	SeqNumber         *int64
}

// Telemetry carries device, environment, power and air quality metrics.
// Temperature is Celsius (Fahrenheit kept alongside because the device feed
// reports it and downstream aggregates filter on it), pressure is hPa.
type Telemetry struct {
	Time *int64

	BatteryLevel       *int64
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *int64

	Temperature        *float64
	TemperatureF       *float64
	RelativeHumidity   *float64
	BarometricPressure *float64
	GasResistance      *float64
	IAQ                *int64
	Lux                *float64
	WhiteLux           *float64
	IRLux              *float64
	UVLux              *float64
	WindDirection      *int64
	WindSpeed          *float64
	WindGust           *float64
	Weight             *float64
	Distance           *float64

	Ch1Voltage *float64
	Ch1Current *float64
	Ch2Voltage *float64
	Ch2Current *float64
	Ch3Voltage *float64
	Ch3Current *float64

	PM10Standard       *int64
	PM25Standard       *int64
	PM100Standard      *int64
	PM10Environmental  *int64
	PM25Environmental  *int64
	PM100Environmental *int64
	CO2                *int64
}

// TextMessage carries a plain text message.
type TextMessage struct {
	Text    string
	Payload string
}

// NodeInfo carries a node's self-description broadcast.
type NodeInfo struct {
	UserID     string
	LongName   string
	ShortName  string
	HWModel    string
	IsLicensed *bool
	Role       string
}

// Record projects the row into the wide column-keyed record the store
// expects. Unset optional fields are omitted entirely, never written as zero
// or empty string: downstream aggregates filter on null-ness.
func (r *Row) Record() map[string]any {
	rec := map[string]any{
		"ingested_at": r.IngestedAt.UTC().Format(time.RFC3339Nano),
		"packet_type": string(r.Type),
	}
	putStr(rec, "from_id", r.FromID)
	putInt(rec, "from_num", r.FromNum)
	putStr(rec, "to_id", r.ToID)
	putInt(rec, "to_num", r.ToNum)
	putInt(rec, "channel", r.Channel)
	putStr(rec, "portnum", r.PortNum)
	putInt(rec, "hop_limit", r.HopLimit)
	putInt(rec, "hop_start", r.HopStart)
	putBool(rec, "want_ack", r.WantAck)
	putInt(rec, "rx_time", r.RxTime)
	putF64(rec, "rx_snr", r.RxSNR)
	putF64(rec, "rx_rssi", r.RxRSSI)

	if p := r.Position; p != nil {
		putF64(rec, "latitude", p.Latitude)
		putF64(rec, "longitude", p.Longitude)
		putF64(rec, "altitude", p.Altitude)
		putF64(rec, "altitude_hae", p.AltitudeHAE)
		putF64(rec, "altitude_geoidal_separation", p.GeoidalSeparation)
		putF64(rec, "ground_speed", p.GroundSpeed)
		putF64(rec, "ground_track", p.GroundTrack)
		putInt(rec, "sats_in_view", p.SatsInView)
		putF64(rec, "pdop", p.PDOP)
		putF64(rec, "hdop", p.HDOP)
		putF64(rec, "vdop", p.VDOP)
		putInt(rec, "gps_timestamp", p.GPSTimestamp)
		putInt(rec, "precision_bits", p.PrecisionBits)
		putInt(rec, "fix_quality", p.FixQuality)
		putInt(rec, "fix_type", p.FixType)
		putStr(rec, "position_source", p.Source)
		putInt(rec, "seq_number", p.SeqNumber)
	}

	if t := r.Telemetry; t != nil {
		putInt(rec, "gps_timestamp", t.Time)
		putInt(rec, "battery_level", t.BatteryLevel)
		putF64(rec, "voltage", t.Voltage)
		putF64(rec, "channel_utilization", t.ChannelUtilization)
		putF64(rec, "air_util_tx", t.AirUtilTx)
		putInt(rec, "uptime_seconds", t.UptimeSeconds)
		putF64(rec, "temperature", t.Temperature)
		putF64(rec, "temperature_f", t.TemperatureF)
		putF64(rec, "relative_humidity", t.RelativeHumidity)
		putF64(rec, "barometric_pressure", t.BarometricPressure)
		putF64(rec, "gas_resistance", t.GasResistance)
		putInt(rec, "iaq", t.IAQ)
		putF64(rec, "lux", t.Lux)
		putF64(rec, "white_lux", t.WhiteLux)
		putF64(rec, "ir_lux", t.IRLux)
		putF64(rec, "uv_lux", t.UVLux)
		putInt(rec, "wind_direction", t.WindDirection)
		putF64(rec, "wind_speed", t.WindSpeed)
		putF64(rec, "wind_gust", t.WindGust)
		putF64(rec, "weight", t.Weight)
		putF64(rec, "distance", t.Distance)
		putF64(rec, "ch1_voltage", t.Ch1Voltage)
		putF64(rec, "ch1_current", t.Ch1Current)
		putF64(rec, "ch2_voltage", t.Ch2Voltage)
		putF64(rec, "ch2_current", t.Ch2Current)
		putF64(rec, "ch3_voltage", t.Ch3Voltage)
		putF64(rec, "ch3_current", t.Ch3Current)
		putInt(rec, "pm10_standard", t.PM10Standard)
		putInt(rec, "pm25_standard", t.PM25Standard)
		putInt(rec, "pm100_standard", t.PM100Standard)
		putInt(rec, "pm10_environmental", t.PM10Environmental)
		putInt(rec, "pm25_environmental", t.PM25Environmental)
		putInt(rec, "pm100_environmental", t.PM100Environmental)
		putInt(rec, "co2", t.CO2)
	}

	if m := r.Text; m != nil {
		putStr(rec, "text_message", m.Text)
		putStr(rec, "text_payload", m.Payload)
	}

	if n := r.NodeInfo; n != nil {
		putStr(rec, "user_id", n.UserID)
		putStr(rec, "long_name", n.LongName)
		putStr(rec, "short_name", n.ShortName)
		putStr(rec, "hw_model", n.HWModel)
		putBool(rec, "is_licensed", n.IsLicensed)
		putStr(rec, "role", n.Role)
	}

	if len(r.Payload) > 0 {
		rec["raw_packet"] = string(r.Payload)
	}
	return rec
}

func putStr(rec map[string]any, key, v string) {
	if v != "" {
		rec[key] = v
	}
}

func putF64(rec map[string]any, key string, v *float64) {
	if v != nil {
		rec[key] = *v
	}
}

func putInt(rec map[string]any, key string, v *int64) {
	if v != nil {
		rec[key] = *v
	}
}

func putBool(rec map[string]any, key string, v *bool) {
	if v != nil {
		rec[key] = *v
	}
}
