package profiles

// Stable ids of the seeded profiles.
const (
	DefaultUserID      = "profile_default_user"
	DefaultGamingID    = "profile_default_gaming"
	DefaultStreamingID = "profile_default_streaming"
	DefaultDiscordID   = "profile_default_discord"
)

func btn(id string, row, col int, label, color, typ, payload string) Control {
	return Control{
		ID: id, Type: TypeButton, Row: row, Col: col, Label: label, ColorHex: color,
		Action: &ControlAction{Type: typ, Payload: payload},
	}
}

// Defaults returns fresh copies of the profiles seeded on first listing.
func Defaults() []*Profile {
	return []*Profile{
		{
			ID: DefaultUserID, Name: "Utilisateur", Rows: 3, Cols: 4, Version: 1,
			Controls: []Control{
				btn("btn_play_pause", 0, 0, "Play/Pause", "#1DB954", "CUSTOM", `{"action": "media", "payload": {"action": "play_pause"}}`),
				btn("btn_prev", 0, 1, "Previous", "#1DB954", "CUSTOM", `{"action": "media", "payload": {"action": "previous"}}`),
				btn("btn_next", 0, 2, "Next", "#1DB954", "CUSTOM", `{"action": "media", "payload": {"action": "next"}}`),
				{ID: "toggle_mute", Type: TypeToggle, Row: 0, Col: 3, Label: "Mute", ColorHex: "#F44336",
					Action: &ControlAction{Type: "AUDIO", Payload: `{"action": "MUTE"}`}},
				{ID: "fader_volume", Type: TypeFader, Row: 1, Col: 0, ColSpan: 4, Label: "Volume",
					Action: &ControlAction{Type: "AUDIO", Payload: `{"action": "SET_VOLUME", "volume": 50}`}},
				btn("btn_screenshot", 2, 0, "Screenshot", "#E91E63", "CUSTOM", `{"action": "screenshot", "payload": {"type": "full"}}`),
				btn("btn_lock", 2, 1, "Lock", "#607D8B", "CUSTOM", `{"action": "system", "payload": {"action": "lock"}}`),
				btn("btn_brightness", 2, 2, "Brightness", "#FFC107", "CUSTOM", `{"action": "system", "payload": {"action": "brightness"}}`),
				btn("btn_apps", 2, 3, "Apps", "#2196F3", "CUSTOM", `{"action": "system", "payload": {"action": "open_apps"}}`),
			},
		},
		{
			ID: DefaultGamingID, Name: "Gamer", Rows: 2, Cols: 5, Version: 1,
			Controls: []Control{
				btn("btn_save", 0, 0, "Save", "#4CAF50", "KEYBOARD", "CTRL+S"),
				btn("btn_load", 0, 1, "Load", "#2196F3", "KEYBOARD", "CTRL+L"),
				btn("btn_quick_save", 0, 2, "Quick Save", "#FF9800", "KEYBOARD", "F5"),
				btn("btn_pause", 0, 3, "Pause", "#9E9E9E", "KEYBOARD", "ESC"),
				btn("btn_discord_mute", 1, 0, "Discord Mute", "#5865F2", "CUSTOM", `{"plugin": "discord", "action": "mute", "payload": {"toggle": true}}`),
				btn("btn_discord_deafen", 1, 1, "Discord Deafen", "#5865F2", "CUSTOM", `{"plugin": "discord", "action": "deafen", "payload": {"toggle": true}}`),
				btn("btn_media_play", 1, 2, "Media Play", "#1DB954", "CUSTOM", `{"action": "media", "payload": {"action": "play_pause"}}`),
				btn("btn_media_next", 1, 3, "Media Next", "#1DB954", "CUSTOM", `{"action": "media", "payload": {"action": "next"}}`),
				{ID: "fader_game_volume", Type: TypeFader, Row: 1, Col: 4, Label: "Game Volume",
					Action: &ControlAction{Type: "AUDIO", Payload: `{"action": "SET_APPLICATION_VOLUME", "application": "Game", "volume": 50}`}},
			},
		},
		{
			ID: DefaultStreamingID, Name: "Streamer", Rows: 3, Cols: 5, Version: 1,
			Controls: []Control{
				btn("btn_start_stream", 0, 0, "Start Stream", "#FF5722", "OBS", "StartStreaming"),
				btn("btn_stop_stream", 0, 1, "Stop Stream", "#F44336", "OBS", "StopStreaming"),
				btn("btn_record", 0, 2, "Record", "#E91E63", "OBS", "ToggleRecording"),
			},
		},
		{
			ID: DefaultDiscordID, Name: "Discord", Rows: 3, Cols: 4, Version: 1,
			Controls: []Control{
				btn("btn_discord_mute", 0, 0, "Mute", "#5865F2", "CUSTOM", `{"plugin": "discord", "action": "mute", "payload": {"toggle": true}}`),
				btn("btn_discord_deafen", 0, 1, "Deafen", "#5865F2", "CUSTOM", `{"plugin": "discord", "action": "deafen", "payload": {"toggle": true}}`),
				btn("btn_discord_leave", 0, 2, "Leave", "#F44336", "CUSTOM", `{"plugin": "discord", "action": "leave_voice", "payload": {}}`),
				btn("btn_discord_join", 0, 3, "Join", "#4CAF50", "CUSTOM", `{"plugin": "discord", "action": "join_voice", "payload": {"channelId": "default"}}`),
			},
		},
	}
}
