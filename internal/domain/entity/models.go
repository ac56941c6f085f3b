package entity

// Topic describes a partitioned stream on the message broker.
type Topic struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// Device is a data-producing entity on the telemetry platform. The access
// token is pre-shared with the producer and must never be rotated on re-runs.
type Device struct {
	Name        string
	Type        string
	AccessToken string
}

// Telemetry is the fixed record shape the producer sends to both the
// telemetry platform ingress and the broker topic. TS is epoch milliseconds.
type Telemetry struct {
	TS         int64   `json:"ts" ch:"ts"`
	DroneID    string  `json:"drone_id" ch:"drone_id"`
	Latitude   float64 `json:"latitude" ch:"latitude"`
	Longitude  float64 `json:"longitude" ch:"longitude"`
	Battery    float64 `json:"battery" ch:"battery"`
	Altitude   float64 `json:"altitude" ch:"altitude"`
	Speed      float64 `json:"speed" ch:"speed"`
	RawPayload string  `json:"raw_payload" ch:"raw_payload"`
}
