package gateway

import (
	"math"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/mitaka8/boombox/internal/app/playback"
	"github.com/mitaka8/boombox/internal/domain/track"
)

// CommandType enumerates the remote command kinds.
type CommandType string

const (
	CommandPlay      CommandType = "play"
	CommandPause     CommandType = "pause"
	CommandStop      CommandType = "stop"
	CommandSeek      CommandType = "seek"
	CommandSetVolume CommandType = "set-volume"
	CommandMute      CommandType = "mute"
	CommandUnmute    CommandType = "unmute"
	CommandNext      CommandType = "next"
	CommandGetState  CommandType = "get-state"
	CommandHeartbeat CommandType = "heartbeat"
)

var commandTypes = map[CommandType]bool{
	CommandPlay:      true,
	CommandPause:     true,
	CommandStop:      true,
	CommandSeek:      true,
	CommandSetVolume: true,
	CommandMute:      true,
	CommandUnmute:    true,
	CommandNext:      true,
	CommandGetState:  true,
	CommandHeartbeat: true,
}

// readOnly reports whether the command type never mutates playback state.
// Display sessions may only issue read-only commands.
func (t CommandType) readOnly() bool {
	return t == CommandGetState || t == CommandHeartbeat
}

// Envelope is the wire form of a remote command.
type Envelope struct {
	ID        string         `json:"id"`
	Type      CommandType    `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Issuer    string         `json:"issuer,omitempty"` // Session ID, set by the transport
	Tenant    string         `json:"tenant,omitempty"` // Defaults to the session tenant
}

// seekParams is the decoded parameter shape for seek.
type seekParams struct {
	Position *float64 `mapstructure:"position" validate:"required"`
}

// volumeParams is the decoded parameter shape for set-volume.
type volumeParams struct {
	Level *int `mapstructure:"level" validate:"required,gte=0,lte=100"`
}

var paramValidate = validator.New()

// wholeNumberHook rejects fractional values for integer params. JSON
// numbers always decode as float64, and mapstructure truncates float64
// into int on its own, so 70.5 would otherwise silently become 70.
func wholeNumberHook(from reflect.Kind, to reflect.Kind, data any) (any, error) {
	switch to {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if from == reflect.Float32 || from == reflect.Float64 {
			f := reflect.ValueOf(data).Float()
			if f != math.Trunc(f) {
				return nil, errors.Newf("%v is not a whole number", data)
			}
		}
	}
	return data, nil
}

// decodeParams decodes a params map into a typed struct and validates it.
// ErrorUnused is off: clients may send extra fields, unknown keys are not
// a protocol violation. Weak typing is off: "90" is not a number, and
// integer params only accept whole values.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     out,
		TagName:    "mapstructure",
		DecodeHook: wholeNumberHook,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return err
	}
	return paramValidate.Struct(out)
}

// Response is the ACK/NACK returned to the issuing session.
type Response struct {
	Type      string         `json:"type"` // "ack" or "nack"
	CommandID string         `json:"command_id"`
	Result    map[string]any `json:"result,omitempty"`
	ErrorCode Code           `json:"error_code,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

func ack(commandID string, result map[string]any) Response {
	return Response{Type: "ack", CommandID: commandID, Result: result}
}

func nack(commandID string, cerr *CommandError) Response {
	return Response{
		Type:      "nack",
		CommandID: commandID,
		ErrorCode: cerr.Code,
		Reason:    cerr.Reason,
	}
}

// statePayload renders a playback state for ACK results and display
// instructions.
func statePayload(st playback.State) map[string]any {
	out := map[string]any{
		"status":     st.Status.String(),
		"position":   st.Position,
		"volume":     st.Volume,
		"updated_at": st.UpdatedAt,
	}
	if st.Track != nil {
		out["track"] = trackPayload(*st.Track)
	}
	return out
}

func trackPayload(t track.Track) map[string]any {
	return map[string]any{
		"id":           t.ID,
		"title":        t.Title,
		"media_id":     t.MediaID,
		"duration_sec": int(t.Duration.Seconds()),
		"requested_by": t.Requester.Name,
	}
}
