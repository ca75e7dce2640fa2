package offsync

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestObjectOperations(t *testing.T) {
	object := NewObject("Thing")
	assert.Equal(t, "Thing", object.ClassName())
	assert.Equal(t, false, object.IsDirty())

	object.Put("name", "ada")
	object.Increment("count", 2)
	object.Increment("count", 3)
	assert.Equal(t, true, object.IsDirty())
	assert.Equal(t, "ada", object.Get("name"))
	assert.Equal(t, float64(5), object.Get("count"))

	object.Remove("name")
	assert.Equal(t, nil, object.Get("name"))
}

func TestObjectStartSaveSealsDiff(t *testing.T) {
	object := NewObject("Thing")
	object.Put("name", "ada")

	operationSet := object.StartSave()
	assert.Equal(t, 1, operationSet.Size())
	assert.Equal(t, operationSet, object.OperationSetByUuid(operationSet.Uuid))

	// mutations while the save is in flight land in a fresh set
	object.Put("name", "grace")
	assert.Equal(t, "grace", object.Get("name"))
	assert.Equal(t, 1, operationSet.Size())

	object.MergeAfterSave(operationSet.Uuid, map[string]any{"objectId": "obj-1"})
	assert.Equal(t, "obj-1", object.ObjectId())
	assert.Equal(t, true, object.OperationSetByUuid(operationSet.Uuid) == nil)
	// the in-flight mutation is still pending
	assert.Equal(t, true, object.IsDirty())
	assert.Equal(t, "grace", object.Get("name"))
}

func TestObjectDocumentRoundtrip(t *testing.T) {
	object := NewObject("Thing")
	object.SetObjectId("obj-1")
	object.Put("name", "ada")

	document := object.ToDocument()
	decoded, err := ObjectFromDocument(document)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Thing", decoded.ClassName())
	assert.Equal(t, "obj-1", decoded.ObjectId())
	assert.Equal(t, "ada", decoded.Get("name"))

	_, err = ObjectFromDocument(map[string]any{"data": map[string]any{}})
	assert.NotEqual(t, err, nil)
}

func TestObjectCacheIdentity(t *testing.T) {
	cache := NewObjectCache(16)

	object := NewObject("Thing")
	object.SetObjectId("obj-1")
	cache.Put(object)

	cached, ok := cache.Get("Thing", "obj-1")
	assert.Equal(t, true, ok)
	assert.Equal(t, object, cached)

	// same key resolves the existing instance
	duplicate := NewObject("Thing")
	duplicate.SetObjectId("obj-1")
	assert.Equal(t, object, cache.GetOrPut(duplicate))

	// an object without a server id has no identity to cache
	local := NewObject("Thing")
	assert.Equal(t, local, cache.GetOrPut(local))
	_, ok = cache.Get("Thing", "")
	assert.Equal(t, false, ok)

	cache.Remove("Thing", "obj-1")
	_, ok = cache.Get("Thing", "obj-1")
	assert.Equal(t, false, ok)
}

func TestLockSetStableOrder(t *testing.T) {
	lockSet := NewLockSet()

	a := &sync.Mutex{}
	b := &sync.Mutex{}

	// two goroutines acquiring the same pair in opposite argument order
	// must not deadlock
	n := 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i += 1 {
			release := lockSet.Acquire(a, b)
			release()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i += 1 {
			release := lockSet.Acquire(b, a)
			release()
		}
	}()
	wg.Wait()
}

func TestLockSetDuplicateLocks(t *testing.T) {
	lockSet := NewLockSet()

	a := &sync.Mutex{}
	release := lockSet.Acquire(a, a, a)
	release()

	// still usable afterwards
	a.Lock()
	a.Unlock()
}
