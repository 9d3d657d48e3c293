// Package cache persists discovered peer attribute layouts, so a client
// reconnecting to a known device can skip the discovery round trips.
package cache

import (
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/corelink/bthost"
	"github.com/corelink/bthost/att"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Profile is one peer's discovered attribute layout.
type Profile struct {
	Services []Service `json:"services"`
}

// Service is a discovered service and its characteristics.
type Service struct {
	Service         att.Service      `json:"service"`
	Characteristics []Characteristic `json:"characteristics,omitempty"`
}

// Characteristic is a discovered characteristic and its descriptors.
type Characteristic struct {
	att.Characteristic
	Descriptors []att.Descriptor `json:"descriptors,omitempty"`
}

// GattCache stores profiles keyed by peer address.
type GattCache interface {
	Store(peer string, p Profile, replace bool) error
	Load(peer string) (Profile, error)
	Clear() error
}

type gattCache struct {
	filename string
	lock     sync.RWMutex
}

// New returns a cache backed by the given file.
func New(filename string) GattCache {
	return &gattCache{filename: filename}
}

func (gc *gattCache) Store(peer string, p Profile, replace bool) error {
	gc.lock.Lock()
	defer gc.lock.Unlock()

	cache, err := gc.loadExisting()
	if err != nil {
		return err
	}

	if _, ok := cache[peer]; ok && !replace {
		return errors.Errorf("cache already holds a profile for %s", peer)
	}
	cache[peer] = p

	return gc.storeCache(cache)
}

func (gc *gattCache) Load(peer string) (Profile, error) {
	gc.lock.RLock()
	defer gc.lock.RUnlock()

	cache, err := gc.loadExisting()
	if err != nil {
		return Profile{}, err
	}

	p, ok := cache[peer]
	if !ok {
		return Profile{}, bthost.ErrProfileNotCached
	}
	return p, nil
}

func (gc *gattCache) Clear() error {
	gc.lock.Lock()
	defer gc.lock.Unlock()

	err := os.Remove(gc.filename)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (gc *gattCache) loadExisting() (map[string]Profile, error) {
	data, err := ioutil.ReadFile(gc.filename)
	if os.IsNotExist(err) {
		return make(map[string]Profile), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read gatt cache")
	}

	cache := make(map[string]Profile)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cache); err != nil {
			return nil, errors.Wrap(err, "unmarshal gatt cache")
		}
	}
	return cache, nil
}

func (gc *gattCache) storeCache(cache map[string]Profile) error {
	out, err := json.Marshal(cache)
	if err != nil {
		return errors.Wrap(err, "marshal gatt cache")
	}
	if err := ioutil.WriteFile(gc.filename, out, 0644); err != nil {
		return errors.Wrap(err, "write gatt cache")
	}
	return nil
}
