package dispatch

import (
	"encoding/json"
	"math"
)

// Transform injects a control's analog value (0..1) into the payload of the
// action it triggers. It is pure: the input payload is never modified, and
// payloads it does not recognise come back unchanged.
//
//	audio  SET_VOLUME, SET_APPLICATION_VOLUME, SET_DEVICE_VOLUME  volume  = round(v*100)
//	audio  SET_BALANCE                                            balance = round((v-0.5)*200)
//	audio  MUTE, UNMUTE                                           mute    = v > 0.5
//	obs    SET_VOLUME with params                                 params.volumeDb = v*60-60
//	system payload.action == "brightness"                         payload.brightness = round(v*100)
func Transform(verb string, payload json.RawMessage, value float64) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload
	}

	changed := false
	switch verb {
	case "audio":
		switch obj["action"] {
		case "SET_VOLUME", "SET_APPLICATION_VOLUME", "SET_DEVICE_VOLUME":
			obj["volume"] = math.Round(value * 100)
			changed = true
		case "SET_BALANCE":
			obj["balance"] = math.Round((value - 0.5) * 200)
			changed = true
		case "MUTE", "UNMUTE":
			obj["mute"] = value > 0.5
			changed = true
		}
	case "obs":
		if obj["action"] == "SET_VOLUME" {
			if params, ok := obj["params"].(map[string]any); ok {
				params["volumeDb"] = value*60 - 60
				changed = true
			}
		}
	case "system":
		if inner, ok := obj["payload"].(map[string]any); ok && inner["action"] == "brightness" {
			inner["brightness"] = math.Round(value * 100)
			changed = true
		}
	}
	if !changed {
		return payload
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}
