package offsync

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/google/uuid"
)

// client-side domain object: last known server state plus a queue of
// unsaved operation sets. the full REST object layer lives above this;
// here there is just enough surface for the controllers and the
// eventually queue to key pins and replay results.

type FieldOperation interface {
	Apply(old any) any
}

type SetOperation struct {
	Value any
}

func (self *SetOperation) Apply(old any) any {
	return self.Value
}

type DeleteOperation struct{}

func (self *DeleteOperation) Apply(old any) any {
	return nil
}

type IncrementOperation struct {
	Amount float64
}

func (self *IncrementOperation) Apply(old any) any {
	switch v := old.(type) {
	case nil:
		return self.Amount
	case float64:
		return v + self.Amount
	case int:
		return float64(v) + self.Amount
	case int64:
		return float64(v) + self.Amount
	default:
		panic(fmt.Errorf("cannot increment value of type %T", old))
	}
}

// one unsaved diff of field mutations, identified for pin replay
type OperationSet struct {
	Uuid       string
	operations map[string]FieldOperation
}

func NewOperationSet() *OperationSet {
	return &OperationSet{
		Uuid:       uuid.NewString(),
		operations: map[string]FieldOperation{},
	}
}

func (self *OperationSet) Put(key string, operation FieldOperation) {
	self.operations[key] = operation
}

func (self *OperationSet) Keys() []string {
	keys := maps.Keys(self.operations)
	slices.Sort(keys)
	return keys
}

func (self *OperationSet) Get(key string) FieldOperation {
	return self.operations[key]
}

func (self *OperationSet) Size() int {
	return len(self.operations)
}

type Object struct {
	className string

	// per-instance lock. see the lock ordering rule on `CurrentUserController`.
	stateLock sync.Mutex

	objectId   string
	serverData map[string]any

	// sealed, unsaved diffs in save order. the head is the oldest.
	operationSetQueue []*OperationSet
	// mutations since the last seal
	currentOperations *OperationSet
}

func NewObject(className string) *Object {
	return &Object{
		className:         className,
		serverData:        map[string]any{},
		operationSetQueue: []*OperationSet{},
		currentOperations: NewOperationSet(),
	}
}

func (self *Object) ClassName() string {
	return self.className
}

func (self *Object) ObjectId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.objectId
}

func (self *Object) SetObjectId(objectId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.objectId = objectId
}

// the estimated value: server state with all unsaved operations applied
func (self *Object) Get(key string) any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.get(key)
}

func (self *Object) get(key string) any {
	value := self.serverData[key]
	for _, operationSet := range self.operationSetQueue {
		if operation := operationSet.Get(key); operation != nil {
			value = operation.Apply(value)
		}
	}
	if operation := self.currentOperations.Get(key); operation != nil {
		value = operation.Apply(value)
	}
	return value
}

func (self *Object) Put(key string, value any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.currentOperations.Put(key, &SetOperation{Value: value})
}

func (self *Object) Remove(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.currentOperations.Put(key, &DeleteOperation{})
}

func (self *Object) Increment(key string, amount float64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	operation := &IncrementOperation{Amount: amount}
	// fold into the pending operation for the key so the sealed diff stays
	// one operation per field
	switch previous := self.currentOperations.Get(key).(type) {
	case *IncrementOperation:
		operation.Amount += previous.Amount
		self.currentOperations.Put(key, operation)
	case *SetOperation:
		self.currentOperations.Put(key, &SetOperation{Value: operation.Apply(previous.Value)})
	default:
		self.currentOperations.Put(key, operation)
	}
}

func (self *Object) IsDirty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.operationSetQueue) || 0 < self.currentOperations.Size()
}

// seals the current mutations into the operation set queue and returns the
// sealed set. a save (or pin for later replay) is built from the sealed set
// so that mutations made while the save is in flight go into a fresh set.
func (self *Object) StartSave() *OperationSet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	operationSet := self.currentOperations
	self.operationSetQueue = append(self.operationSetQueue, operationSet)
	self.currentOperations = NewOperationSet()
	return operationSet
}

func (self *Object) OperationSetByUuid(operationSetUuid string) *OperationSet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, operationSet := range self.operationSetQueue {
		if operationSet.Uuid == operationSetUuid {
			return operationSet
		}
	}
	return nil
}

// applies a committed save result: merges the server fields for the given
// operation set and drops the set from the queue
func (self *Object) MergeAfterSave(operationSetUuid string, result map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.operationSetQueue, func(operationSet *OperationSet) bool {
		return operationSet.Uuid == operationSetUuid
	})
	if i < 0 {
		return
	}
	operationSet := self.operationSetQueue[i]
	self.operationSetQueue = slices.Delete(self.operationSetQueue, i, i+1)

	for _, key := range operationSet.Keys() {
		self.serverData[key] = operationSet.Get(key).Apply(self.serverData[key])
	}
	for key, value := range result {
		if key == "objectId" {
			if objectId, ok := value.(string); ok {
				self.objectId = objectId
			}
			continue
		}
		self.serverData[key] = value
	}
}

// the document persisted by the singleton file stores.
// a stable internal schema, distinct from the wire protocol.
func (self *Object) ToDocument() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := map[string]bool{}
	for key := range self.serverData {
		keys[key] = true
	}
	for _, operationSet := range self.operationSetQueue {
		for _, key := range operationSet.Keys() {
			keys[key] = true
		}
	}
	for _, key := range self.currentOperations.Keys() {
		keys[key] = true
	}
	data := map[string]any{}
	for key := range keys {
		if value := self.get(key); value != nil {
			data[key] = value
		}
	}
	document := map[string]any{
		"className": self.className,
		"data":      data,
	}
	if self.objectId != "" {
		document["objectId"] = self.objectId
	}
	return document
}

func ObjectFromDocument(document map[string]any) (*Object, error) {
	className, ok := document["className"].(string)
	if !ok {
		return nil, fmt.Errorf("document missing className")
	}
	object := NewObject(className)
	if objectId, ok := document["objectId"].(string); ok {
		object.objectId = objectId
	}
	if data, ok := document["data"].(map[string]any); ok {
		maps.Copy(object.serverData, data)
	}
	return object, nil
}
