package sensor

import "github.com/evacnet/guardian/internal/state"

// inbound covers every line shape the firmware emits. Telemetry lines carry
// "type"; lifecycle notices carry "event". Older firmware builds report rain
// as "water" and orientation as "gyro"; both aliases are accepted.
type inbound struct {
	Type  string `json:"type"`
	Event string `json:"event"`

	Fire    *bool       `json:"fire"`
	Raining *float64    `json:"raining"`
	Water   *float64    `json:"water"`
	Quake   *state.Vec3 `json:"earthquake"`
	Gyro    *state.Vec3 `json:"gyro"`
	Accel   *state.Vec3 `json:"accel"`

	Status  string `json:"status"`
	Message string `json:"message"`
	Alert   *int   `json:"alert"`
	Uptime  *int64 `json:"uptime"`
}

// Outbound commands, one JSON object per line.

type setAlertCmd struct {
	Cmd   string `json:"cmd"`
	Alert int    `json:"alert"`
}

type gsmCallCmd struct {
	Cmd       string `json:"cmd"`
	Number    string `json:"number"`
	RobotTalk bool   `json:"robot_talk"`
	Msg       string `json:"msg"`
}

type gsmSMSCmd struct {
	Cmd     string `json:"cmd"`
	Number  string `json:"number"`
	Message string `json:"message"`
}

type pingCmd struct {
	Cmd string `json:"cmd"`
}
