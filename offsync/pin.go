package offsync

import (
	"strings"
	"time"
)

// durable record of an operation that could not complete synchronously.
// pins replay in ascending time order so that mutations to the same
// object preserve their causal order across restarts.

type PinType int

const (
	PinTypeSave    PinType = 1
	PinTypeDelete  PinType = 2
	PinTypeCommand PinType = 3
)

func (self PinType) String() string {
	switch self {
	case PinTypeSave:
		return "save"
	case PinTypeDelete:
		return "delete"
	case PinTypeCommand:
		return "command"
	default:
		return "unknown"
	}
}

type EventuallyPin struct {
	// identity. stable across process restarts.
	Uuid string
	// total order key, monotonic within a process.
	// the store breaks ties by insertion order.
	Time int64

	Type PinType

	// the owning object, when the command targets one
	ClassName string
	ObjectId  string

	OperationSetUuid string
	SessionToken     string

	// the serialized command, sufficient to reconstruct the http call
	CommandJson []byte
}

// classifies a command by method and path and builds its durable record.
// saves and deletes carry the operation set uuid and session token so the
// correct diff replays against the correct object; everything else is a
// generic command replayed from its serialized form.
func NewEventuallyPin(command *RestCommand, object *Object) (*EventuallyPin, error) {
	commandJson, err := command.ToJson()
	if err != nil {
		return nil, err
	}

	pinType := PinTypeCommand
	if strings.HasPrefix(strings.TrimPrefix(command.Path, "/"), "classes/") {
		switch command.Method {
		case "POST", "PUT":
			pinType = PinTypeSave
		case "DELETE":
			pinType = PinTypeDelete
		}
	}

	pin := &EventuallyPin{
		Uuid:         NewId().String(),
		Time:         time.Now().UnixNano(),
		Type:         pinType,
		SessionToken: command.SessionToken,
		CommandJson:  commandJson,
	}
	if pinType != PinTypeCommand {
		pin.OperationSetUuid = command.OperationSetUuid
	}
	if object != nil {
		pin.ClassName = object.ClassName()
		pin.ObjectId = object.ObjectId()
	}
	return pin, nil
}

func (self *EventuallyPin) Command() (*RestCommand, error) {
	command, err := RestCommandFromJson(self.CommandJson)
	if err != nil {
		return nil, err
	}
	// the pinned session token wins. a save replayed after a re-login
	// must not dispatch with the stale serialized token.
	if self.SessionToken != "" {
		command.SessionToken = self.SessionToken
	}
	return command, nil
}

func (self *EventuallyPin) HasObject() bool {
	return self.ClassName != "" && self.ObjectId != ""
}
