// Package bond persists pairing key material in a JSON file, one record
// per peer address.
package bond

import (
	"encoding/binary"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/corelink/bthost"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type manager struct {
	path string
	lock sync.RWMutex
}

type bondFile struct {
	Bonds []remoteKeyInfo `json:"bonds"`
}

type remoteKeyInfo struct {
	Address               string `json:"address"`
	LongTermKey           string `json:"longTermKey"`
	EncryptionDiversifier string `json:"encryptionDiversifier"`
	RandomValue           string `json:"randomValue"`
	Legacy                bool   `json:"legacy"`
	Authenticated         bool   `json:"authenticated"`
	IdentityKey           string `json:"identityKey,omitempty"`
}

// NewManager returns a BondManager backed by the given file. The file is
// created on first save.
func NewManager(path string) bthost.BondManager {
	return &manager{path: path}
}

func (m *manager) Exists(addr string) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	bonds, err := m.load()
	if err != nil {
		return false
	}
	for _, b := range bonds.Bonds {
		if b.Address == addr {
			return true
		}
	}
	return false
}

func (m *manager) Find(addr string) (bthost.BondInfo, error) {
	if addr == "" {
		return nil, errors.New("empty address")
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	bonds, err := m.load()
	if err != nil {
		return nil, err
	}
	for _, b := range bonds.Bonds {
		if b.Address == addr {
			return decodeKeyInfo(b)
		}
	}
	return nil, bthost.ErrBondNotFound
}

func (m *manager) Save(addr string, bond bthost.BondInfo) error {
	if addr == "" {
		return errors.New("empty address")
	}
	if bond == nil {
		return errors.New("empty bond information")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	bonds, err := m.load()
	if err != nil {
		return err
	}

	rki := encodeKeyInfo(bond)
	rki.Address = addr

	// a repeated pairing replaces the stored record
	replaced := false
	for i, b := range bonds.Bonds {
		if b.Address == addr {
			bonds.Bonds[i] = rki
			replaced = true
			break
		}
	}
	if !replaced {
		bonds.Bonds = append(bonds.Bonds, rki)
	}

	return m.store(bonds)
}

func (m *manager) Delete(addr string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	bonds, err := m.load()
	if err != nil {
		return err
	}
	for i, b := range bonds.Bonds {
		if b.Address == addr {
			bonds.Bonds = append(bonds.Bonds[:i], bonds.Bonds[i+1:]...)
			return m.store(bonds)
		}
	}
	return bthost.ErrBondNotFound
}

func encodeKeyInfo(bond bthost.BondInfo) remoteKeyInfo {
	eDiv := make([]byte, 2)
	binary.LittleEndian.PutUint16(eDiv, bond.EDiv())
	randVal := make([]byte, 8)
	binary.LittleEndian.PutUint64(randVal, bond.Random())

	return remoteKeyInfo{
		LongTermKey:           hex.EncodeToString(bond.LongTermKey()),
		EncryptionDiversifier: hex.EncodeToString(eDiv),
		RandomValue:           hex.EncodeToString(randVal),
		Legacy:                bond.Legacy(),
		Authenticated:         bond.Authenticated(),
		IdentityKey:           hex.EncodeToString(bond.IdentityKey()),
	}
}

func decodeKeyInfo(rki remoteKeyInfo) (bthost.BondInfo, error) {
	ltk, err := hex.DecodeString(rki.LongTermKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode long term key")
	}
	eDiv, err := hex.DecodeString(rki.EncryptionDiversifier)
	if err != nil || len(eDiv) != 2 {
		return nil, errors.New("invalid ediv in bond file")
	}
	randVal, err := hex.DecodeString(rki.RandomValue)
	if err != nil || len(randVal) != 8 {
		return nil, errors.New("invalid random value in bond file")
	}

	ediv := binary.LittleEndian.Uint16(eDiv)
	rand := binary.LittleEndian.Uint64(randVal)

	if rki.Authenticated {
		irk, err := hex.DecodeString(rki.IdentityKey)
		if err != nil {
			return nil, errors.Wrap(err, "decode identity key")
		}
		return bthost.NewAuthenticatedBondInfo(ltk, ediv, rand, rki.Legacy, irk), nil
	}
	return bthost.NewBondInfo(ltk, ediv, rand, rki.Legacy), nil
}

func (m *manager) load() (*bondFile, error) {
	data, err := ioutil.ReadFile(m.path)
	if os.IsNotExist(err) {
		return &bondFile{Bonds: make([]remoteKeyInfo, 0, 1)}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read bond file")
	}

	var bonds bondFile
	if len(data) > 0 {
		if err := json.Unmarshal(data, &bonds); err != nil {
			return nil, errors.Wrap(err, "unmarshal bond file")
		}
	}
	if bonds.Bonds == nil {
		bonds.Bonds = make([]remoteKeyInfo, 0, 1)
	}
	return &bonds, nil
}

func (m *manager) store(bonds *bondFile) error {
	out, err := json.Marshal(bonds)
	if err != nil {
		return errors.Wrap(err, "marshal bonds")
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "create bond directory")
		}
	}
	if err := ioutil.WriteFile(m.path, out, 0600); err != nil {
		return errors.Wrap(err, "write bond file")
	}
	return nil
}
