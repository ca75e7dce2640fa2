package offsync

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// identity cache: at most one in-memory instance per (className, objectId),
// so that a replayed pin and a live caller mutate the same instance.
// bounded lru eviction stands in for weak values - an evicted entry is
// re-decoded from local state on next use, which only costs a decode.

const defaultObjectCacheSize = 512

type ObjectCache struct {
	cache *lru.Cache[string, *Object]
}

func NewObjectCache(size int) *ObjectCache {
	if size <= 0 {
		size = defaultObjectCacheSize
	}
	cache, err := lru.New[string, *Object](size)
	if err != nil {
		panic(err)
	}
	return &ObjectCache{
		cache: cache,
	}
}

func objectCacheKey(className string, objectId string) string {
	return fmt.Sprintf("%s/%s", className, objectId)
}

func (self *ObjectCache) Get(className string, objectId string) (*Object, bool) {
	return self.cache.Get(objectCacheKey(className, objectId))
}

func (self *ObjectCache) Put(object *Object) {
	objectId := object.ObjectId()
	if objectId == "" {
		return
	}
	self.cache.Add(objectCacheKey(object.ClassName(), objectId), object)
}

// returns the cached instance for the key, inserting `object` if absent
func (self *ObjectCache) GetOrPut(object *Object) *Object {
	objectId := object.ObjectId()
	if objectId == "" {
		return object
	}
	key := objectCacheKey(object.ClassName(), objectId)
	if cached, ok := self.cache.Get(key); ok {
		return cached
	}
	self.cache.Add(key, object)
	return object
}

func (self *ObjectCache) Remove(className string, objectId string) {
	self.cache.Remove(objectCacheKey(className, objectId))
}

func (self *ObjectCache) Clear() {
	self.cache.Purge()
}

// defines a total order over otherwise-unordered locks so that
// multi-lock acquisition always happens in one global order.
// each lock gets a monotonic sequence number at first sight.
type LockSet struct {
	mutex   sync.Mutex
	nextSeq uint64
	seqs    map[*sync.Mutex]uint64
}

func NewLockSet() *LockSet {
	return &LockSet{
		seqs: map[*sync.Mutex]uint64{},
	}
}

func (self *LockSet) seq(lock *sync.Mutex) uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	seq, ok := self.seqs[lock]
	if !ok {
		seq = self.nextSeq
		self.nextSeq += 1
		self.seqs[lock] = seq
	}
	return seq
}

// locks all in ascending sequence order. returns the release function,
// which unlocks in reverse order.
func (self *LockSet) Acquire(locks ...*sync.Mutex) func() {
	// dedupe, then sort by first-sight sequence
	ordered := []*sync.Mutex{}
	seqs := map[*sync.Mutex]uint64{}
	for _, lock := range locks {
		if _, ok := seqs[lock]; ok {
			continue
		}
		seqs[lock] = self.seq(lock)
		ordered = append(ordered, lock)
	}
	for i := 1; i < len(ordered); i += 1 {
		for j := i; 0 < j && seqs[ordered[j]] < seqs[ordered[j-1]]; j -= 1 {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, lock := range ordered {
		lock.Lock()
	}
	return func() {
		for i := len(ordered) - 1; 0 <= i; i -= 1 {
			ordered[i].Unlock()
		}
	}
}
