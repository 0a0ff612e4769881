package oniri

import "sync"

// AllowedStore keeps an access list per service key. A list handed in or
// out is always a private copy so that stores never share backing arrays.
type AllowedStore struct {
	mtx sync.RWMutex
	store map[string][]string
}

func NewAllowedStore() *AllowedStore {
	return &AllowedStore{store: make(map[string][]string)}
}

func copy_key_list(list []string) []string {
	var out []string
	out = make([]string, len(list))
	copy(out, list)
	return out
}

func (as *AllowedStore) CreateServiceStore(key string, list []string) {
	as.mtx.Lock()
	as.store[key] = copy_key_list(list)
	as.mtx.Unlock()
}

func (as *AllowedStore) HasServiceStore(key string) bool {
	var ok bool
	as.mtx.RLock()
	_, ok = as.store[key]
	as.mtx.RUnlock()
	return ok
}

// GetAllowedList returns an empty list for an unknown key.
func (as *AllowedStore) GetAllowedList(key string) []string {
	var list []string
	var ok bool

	as.mtx.RLock()
	list, ok = as.store[key]
	if !ok {
		as.mtx.RUnlock()
		return []string{}
	}
	list = copy_key_list(list)
	as.mtx.RUnlock()
	return list
}

func (as *AllowedStore) IsAllowed(key string, candidate string) bool {
	var list []string
	var v string

	as.mtx.RLock()
	defer as.mtx.RUnlock()

	list = as.store[key]
	for _, v = range list {
		if v == candidate { return true }
	}
	return false
}

// SetAllowedList replaces the list, creating the entry for an unknown key.
func (as *AllowedStore) SetAllowedList(key string, list []string) {
	as.mtx.Lock()
	as.store[key] = copy_key_list(list)
	as.mtx.Unlock()
}

// DeleteAllowed is a no-op for an unknown key or an absent candidate.
func (as *AllowedStore) DeleteAllowed(key string, candidate string) {
	var list []string
	var nlist []string
	var v string
	var ok bool

	as.mtx.Lock()
	list, ok = as.store[key]
	if ok {
		nlist = make([]string, 0, len(list))
		for _, v = range list {
			if v != candidate { nlist = append(nlist, v) }
		}
		as.store[key] = nlist
	}
	as.mtx.Unlock()
}

// ClearAllowedList empties the list but keeps the key.
func (as *AllowedStore) ClearAllowedList(key string) {
	as.mtx.Lock()
	as.store[key] = []string{}
	as.mtx.Unlock()
}

func (as *AllowedStore) DeleteServiceStore(key string) {
	as.mtx.Lock()
	delete(as.store, key)
	as.mtx.Unlock()
}
