package presence

import (
	"encoding/json"

	"github.com/genricoloni/mprisence/internal/domain"
)

const (
	protocolVersion = 1

	cmdSetActivity = "SET_ACTIVITY"
	cmdDispatch    = "DISPATCH"
	evtReady       = "READY"
	evtError       = "ERROR"

	// activityListening renders as "Listening to <application>"
	activityListening = 2
)

// Close codes meaning the application identity was rejected
var authCloseCodes = map[int]bool{
	4000: true, // invalid client id
	4001: true, // invalid origin
	4003: true, // token revoked
	4004: true, // invalid version
}

type handshake struct {
	V        int    `json:"v"`
	ClientID string `json:"client_id"`
}

type command struct {
	Cmd   string `json:"cmd"`
	Args  any    `json:"args,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

type activityArgs struct {
	PID      int       `json:"pid"`
	Activity *activity `json:"activity,omitempty"`
}

type activity struct {
	Type       int         `json:"type"`
	Details    string      `json:"details,omitempty"`
	State      string      `json:"state,omitempty"`
	Timestamps *timestamps `json:"timestamps,omitempty"`
	Assets     *assets     `json:"assets,omitempty"`
}

type timestamps struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
}

type response struct {
	Cmd   string          `json:"cmd"`
	Evt   string          `json:"evt"`
	Nonce string          `json:"nonce"`
	Data  json.RawMessage `json:"data"`
}

// errorData is the payload of ERROR responses and close frames
type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newActivity(p domain.PresencePayload) *activity {
	a := &activity{
		Type:    activityListening,
		Details: p.Details,
		State:   p.State,
	}
	if p.Start != nil || p.End != nil {
		a.Timestamps = &timestamps{}
		if p.Start != nil {
			a.Timestamps.Start = p.Start.UnixMilli()
		}
		if p.End != nil {
			a.Timestamps.End = p.End.UnixMilli()
		}
	}
	if p.LargeImageKey != "" || p.LargeImageText != "" {
		a.Assets = &assets{LargeImage: p.LargeImageKey, LargeText: p.LargeImageText}
	}
	return a
}

func decodeError(raw []byte) errorData {
	var e errorData
	_ = json.Unmarshal(raw, &e)
	return e
}
