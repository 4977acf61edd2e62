package mesh

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Decode errors. Both are recoverable: the returned row is still valid and
// carries the packet as a raw record, so no packet is ever dropped silently.
var (
	ErrMalformedPayload  = errors.New("mesh: malformed packet payload")
	ErrUnknownPacketKind = errors.New("mesh: unknown packet kind")
	ErrMissingField      = errors.New("mesh: missing required field")
)

// Decode turns a raw packet into a normalized row. It is a pure
// transformation with no side effects.
//
// The packet's port number (or payload shape, for firmware that omits it)
// selects the extraction path. Unknown kinds and
// malformed payloads fall back to a raw row with best-effort envelope fields
// and the full payload preserved; in those cases Decode returns both the row
// and a non-nil error so the caller can log the degradation.
func Decode(pkt RawPacket) (Row, error) {
	row := Row{
		IngestedAt: pkt.Received,
		Type:       TypeRaw,
		Payload:    json.RawMessage(pkt.Payload),
	}
	if row.IngestedAt.IsZero() {
		row.IngestedAt = time.Now().UTC()
	}

	var obj map[string]any
	if err := json.Unmarshal(pkt.Payload, &obj); err != nil {
		// Not even JSON. Quote the bytes so the payload survives as a valid
		// raw_packet value.
		quoted, _ := json.Marshal(string(pkt.Payload))
		row.Payload = quoted
		return row, ErrMalformedPayload
	}
	f := Fields(obj)

	decodeEnvelope(f, &row)

	switch classify(f) {
	case TypePosition:
		return decodePosition(f, row)
	case TypeTelemetry:
		row.Type = TypeTelemetry
		row.Telemetry = decodeTelemetry(f)
		return row, nil
	case TypeText:
		row.Type = TypeText
		row.Text = &TextMessage{
			Text:    f.Str("decoded.text"),
			Payload: f.Str("decoded.payload"),
		}
		return row, nil
	case TypeNodeInfo:
		row.Type = TypeNodeInfo
		row.NodeInfo = &NodeInfo{
			UserID:     f.Str("decoded.user.id"),
			LongName:   f.Str("decoded.user.longName"),
			ShortName:  f.Str("decoded.user.shortName"),
			HWModel:    f.Str("decoded.user.hwModel"),
			IsLicensed: f.Bool("decoded.user.isLicensed"),
			Role:       f.Str("decoded.user.role"),
		}
		return row, nil
	}

	return row, ErrUnknownPacketKind
}

// classify determines the packet kind from the application port number, with
// a fallback on the decoded payload shape for firmware that omits it.
func classify(f Fields) PacketType {
	port := f.Str("decoded.portnum")
	portUpper := strings.ToUpper(port)
	portNum := f.Int("decoded.portnum")

	switch {
	case strings.Contains(portUpper, "POSITION"),
		portNum != nil && *portNum == portPosition,
		f.Has("decoded.position"):
		return TypePosition
	case strings.Contains(portUpper, "TELEMETRY"),
		portNum != nil && *portNum == portTelemetry,
		f.Has("decoded.telemetry"):
		return TypeTelemetry
	case strings.Contains(portUpper, "TEXT"),
		portNum != nil && *portNum == portText,
		f.Has("decoded.text"):
		return TypeText
	case strings.Contains(portUpper, "NODEINFO"),
		portNum != nil && *portNum == portNodeInfo,
		f.Has("decoded.user"):
		return TypeNodeInfo
	}
	return TypeRaw
}

func decodeEnvelope(f Fields, row *Row) {
	row.FromID = f.Str("fromId", "from")
	row.FromNum = f.Int("from")
	row.ToID = f.Str("toId", "to")
	row.ToNum = f.Int("to")
	row.Channel = f.Int("channel")
	row.PortNum = f.Str("decoded.portnum")
	row.HopLimit = f.Int("hopLimit")
	row.HopStart = f.Int("hopStart")
	row.WantAck = f.Bool("wantAck")
	row.RxTime = f.Int("rxTime")
	row.RxSNR = f.Float("rxSnr")
	row.RxRSSI = f.Float("rxRssi")
}

func decodePosition(f Fields, row Row) (Row, error) {
	pos := &Position{
		Altitude:          f.Float("decoded.position.altitude"),
		AltitudeHAE:       f.Float("decoded.position.altitudeHae"),
		GeoidalSeparation: f.Float("decoded.position.altitudeGeoidalSeparation"),
		GroundSpeed:       f.Float("decoded.position.groundSpeed"),
		GroundTrack:       f.Float("decoded.position.groundTrack"),
		SatsInView:        f.Int("decoded.position.satsInView"),
		PDOP:              f.Float("decoded.position.PDOP", "decoded.position.pdop"),
		HDOP:              f.Float("decoded.position.HDOP", "decoded.position.hdop"),
		VDOP:              f.Float("decoded.position.VDOP", "decoded.position.vdop"),
		GPSTimestamp:      f.Int("decoded.position.time"),
		PrecisionBits:     f.Int("decoded.position.precisionBits"),
		FixQuality:        f.Int("decoded.position.fixQuality"),
		FixType:           f.Int("decoded.position.fixType"),
		Source:            f.Str("decoded.position.locSource"),
		SeqNumber:         f.Int("decoded.position.seqNumber"),
	}

	// Coordinates arrive either as decimal degrees or as fixed-point
	// integers scaled by 1e7. Emit decimal degrees.
	pos.Latitude = f.Float("decoded.position.latitude")
	if pos.Latitude == nil {
		if i := f.Float("decoded.position.latitudeI"); i != nil {
			lat := *i / 1e7
			pos.Latitude = &lat
		}
	}
	pos.Longitude = f.Float("decoded.position.longitude")
	if pos.Longitude == nil {
		if i := f.Float("decoded.position.longitudeI"); i != nil {
			lon := *i / 1e7
			pos.Longitude = &lon
		}
	}

	if pos.Latitude == nil && pos.Longitude == nil {
		// A position packet with no fix at all degrades to raw rather than
		// producing an empty position row.
		return row, ErrMissingField
	}

	row.Type = TypePosition
	row.Position = pos
	return row, nil
}

func decodeTelemetry(f Fields) *Telemetry {
	t := &Telemetry{
		Time: f.Int("decoded.telemetry.time"),

		BatteryLevel:       f.Int("decoded.telemetry.deviceMetrics.batteryLevel"),
		Voltage:            f.Float("decoded.telemetry.deviceMetrics.voltage"),
		ChannelUtilization: f.Float("decoded.telemetry.deviceMetrics.channelUtilization"),
		AirUtilTx:          f.Float("decoded.telemetry.deviceMetrics.airUtilTx"),
		UptimeSeconds:      f.Int("decoded.telemetry.deviceMetrics.uptimeSeconds"),

		Temperature:        f.Float("decoded.telemetry.environmentMetrics.temperature"),
		TemperatureF:       f.Float("decoded.telemetry.environmentMetrics.temperatureF"),
		RelativeHumidity:   f.Float("decoded.telemetry.environmentMetrics.relativeHumidity"),
		BarometricPressure: f.Float("decoded.telemetry.environmentMetrics.barometricPressure"),
		GasResistance:      f.Float("decoded.telemetry.environmentMetrics.gasResistance"),
		IAQ:                f.Int("decoded.telemetry.environmentMetrics.iaq"),
		Lux:                f.Float("decoded.telemetry.environmentMetrics.lux"),
		WhiteLux:           f.Float("decoded.telemetry.environmentMetrics.whiteLux"),
		IRLux:              f.Float("decoded.telemetry.environmentMetrics.irLux"),
		UVLux:              f.Float("decoded.telemetry.environmentMetrics.uvLux"),
		WindDirection:      f.Int("decoded.telemetry.environmentMetrics.windDirection"),
		WindSpeed:          f.Float("decoded.telemetry.environmentMetrics.windSpeed"),
		WindGust:           f.Float("decoded.telemetry.environmentMetrics.windGust"),
		Weight:             f.Float("decoded.telemetry.environmentMetrics.weight"),
		Distance:           f.Float("decoded.telemetry.environmentMetrics.distance"),

		Ch1Voltage: f.Float("decoded.telemetry.powerMetrics.ch1Voltage"),
		Ch1Current: f.Float("decoded.telemetry.powerMetrics.ch1Current"),
		Ch2Voltage: f.Float("decoded.telemetry.powerMetrics.ch2Voltage"),
		Ch2Current: f.Float("decoded.telemetry.powerMetrics.ch2Current"),
		Ch3Voltage: f.Float("decoded.telemetry.powerMetrics.ch3Voltage"),
		Ch3Current: f.Float("decoded.telemetry.powerMetrics.ch3Current"),

		PM10Standard:       f.Int("decoded.telemetry.airQualityMetrics.pm10Standard"),
		PM25Standard:       f.Int("decoded.telemetry.airQualityMetrics.pm25Standard"),
		PM100Standard:      f.Int("decoded.telemetry.airQualityMetrics.pm100Standard"),
		PM10Environmental:  f.Int("decoded.telemetry.airQualityMetrics.pm10Environmental"),
		PM25Environmental:  f.Int("decoded.telemetry.airQualityMetrics.pm25Environmental"),
		PM100Environmental: f.Int("decoded.telemetry.airQualityMetrics.pm100Environmental"),
		CO2:                f.Int("decoded.telemetry.airQualityMetrics.co2"),
	}

	// Fahrenheit is derived when the sensor reports only Celsius.
	if t.TemperatureF == nil && t.Temperature != nil {
		tf := *t.Temperature*9/5 + 32
		t.TemperatureF = &tf
	}
	return t
}
