package models

// Device is a simulated pump station. Its position in the configured roster
// is its index, which fixes the baselines of every reading it produces.
type Device struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	Location string `json:"location" mapstructure:"location"`
}

// Pump status values on the wire.
const (
	StatusOn  = "ON"
	StatusOff = "OFF"
)

// Reading is one synthesized telemetry record. Field names are the wire
// contract consumed by the ingestion backend; do not rename them.
type Reading struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Location   string `json:"location"`
	Timestamp  string `json:"timestamp"`

	HydrostaticValue float64 `json:"hydrostatic_value"`

	Vrms1R float64 `json:"vrms_1_r"`
	Vrms1Y float64 `json:"vrms_1_y"`
	Vrms1B float64 `json:"vrms_1_b"`
	Irms1R float64 `json:"irms_1_r"`
	Irms1Y float64 `json:"irms_1_y"`
	Irms1B float64 `json:"irms_1_b"`

	Vrms2R float64 `json:"vrms_2_r"`
	Vrms2Y float64 `json:"vrms_2_y"`
	Vrms2B float64 `json:"vrms_2_b"`
	Irms2R float64 `json:"irms_2_r"`
	Irms2Y float64 `json:"irms_2_y"`
	Irms2B float64 `json:"irms_2_b"`

	Pump1Status string `json:"pump_1_status"`
	Pump2Status string `json:"pump_2_status"`

	Frequency   float64 `json:"frequency"`
	Temperature float64 `json:"temperature"`

	DryRunAlert         int `json:"dry_run_alert"`
	HighLevelFloatAlert int `json:"high_level_float_alert"`
	Pump1Protection     int `json:"pump_1_protection"`
	Pump2Protection     int `json:"pump_2_protection"`
}
