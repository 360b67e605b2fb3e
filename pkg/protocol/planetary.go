package protocol

import (
	"encoding/json"
	"fmt"
)

// Simulation payload tags. These travel inside Message.Data between the
// planetary simulation and its viewers.
const (
	TypeSystemDataDump      = "SYSTEM_DATA_DUMP"
	TypeSystemObjsDump      = "SYSTEM_OBJS_DUMP"
	TypeSystemRemovePlanets = "SYSTEM_REMOVE_PLANETS"
	TypeSystemClear         = "SYSTEM_CLEAR"
	TypeFetchSystemData     = "FETCH_SYSTEM_DATA"
	TypeFetchSystemObjs     = "FETCH_SYSTEM_OBJS"
	TypeLoadSystem          = "LOAD_SYSTEM"
	TypeChat                = "CHAT"
)

// SystemData is the scale envelope needed to place bodies in visual space.
type SystemData struct {
	Name             string  `json:"name,omitempty"`
	Scale            float64 `json:"scale"`
	BodyScale        float64 `json:"bodyScale"`
	CentralBodyName  string  `json:"centralBodyName"`
	CentralBodyScale float64 `json:"centralBodyScale"`
	TimeScale        float64 `json:"timeScale,omitempty"`
	Elapsed          float64 `json:"elapsed,omitempty"`
}

// Body is one simulated object as reported by the simulation.
type Body struct {
	Name     string     `json:"name"`
	Location [3]float64 `json:"location"`
	Velocity [3]float64 `json:"velocity,omitempty"`
	Radius   float64    `json:"radius"`
	Mass     float64    `json:"mass,omitempty"`
	Color    [3]float64 `json:"color"`
	Kind     string     `json:"kind,omitempty"`
}

type SystemDataDump struct {
	Data SystemData `json:"data"`
}

type SystemObjsDump struct {
	Objects []Body `json:"objects"`
}

type SystemRemovePlanets struct {
	IDs []string `json:"ids"`
}

type SystemClear struct{}

type FetchSystemData struct{}

type FetchSystemObjs struct{}

// LoadSystem asks the simulation to load a system description from url.
type LoadSystem struct {
	URL string `json:"url"`
}

// Chat is a chat overlay line.
type Chat struct {
	Text string `json:"text"`
}

func (SystemDataDump) PayloadType() string      { return TypeSystemDataDump }
func (SystemObjsDump) PayloadType() string      { return TypeSystemObjsDump }
func (SystemRemovePlanets) PayloadType() string { return TypeSystemRemovePlanets }
func (SystemClear) PayloadType() string         { return TypeSystemClear }
func (FetchSystemData) PayloadType() string     { return TypeFetchSystemData }
func (FetchSystemObjs) PayloadType() string     { return TypeFetchSystemObjs }
func (LoadSystem) PayloadType() string          { return TypeLoadSystem }
func (Chat) PayloadType() string                { return TypeChat }

// DecodeData parses the data of a Message into a simulation or chat payload.
func DecodeData(data []byte) (Payload, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSystemDataDump:
		var p SystemDataDump
		err := unmarshalData(typ, data, &p)
		return p, err
	case TypeSystemObjsDump:
		var p SystemObjsDump
		err := unmarshalData(typ, data, &p)
		return p, err
	case TypeSystemRemovePlanets:
		var p SystemRemovePlanets
		err := unmarshalData(typ, data, &p)
		return p, err
	case TypeSystemClear:
		return SystemClear{}, nil
	case TypeFetchSystemData:
		return FetchSystemData{}, nil
	case TypeFetchSystemObjs:
		return FetchSystemObjs{}, nil
	case TypeLoadSystem:
		var p LoadSystem
		err := unmarshalData(typ, data, &p)
		return p, err
	case TypeChat:
		var p Chat
		err := unmarshalData(typ, data, &p)
		return p, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
}

func unmarshalData(typ string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", typ, err)
	}
	return nil
}

// NewMessage wraps a payload as the data of a Message to target.
func NewMessage(target Target, p Payload) (Message, error) {
	data, err := Marshal(p)
	if err != nil {
		return Message{}, err
	}
	return Message{Target: target, Data: data}, nil
}
