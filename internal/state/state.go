package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.device-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	devicesBucket = []byte("devices")

	lastAddressKey = []byte("last_address")
	syncEnabledKey = []byte("sync_enabled")
	localIDKey     = []byte("local_device_id")
)

// Device is a peer that has introduced itself with a DeviceInfo message.
// Devices are keyed by the address they were reached at.
type Device struct {
	IPAddress  string `json:"ip_address" yaml:"ip_address"`
	DeviceName string `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	Avatar     string `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	DeviceID   string `json:"device_id" yaml:"device_id"`
	LastSeen   int64  `json:"last_seen" yaml:"last_seen"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.device-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(devicesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// GetDevice returns the device last seen at ip, or nil if unknown.
func (s *State) GetDevice(ip string) (*Device, error) {
	var d *Device

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(devicesBucket).Get([]byte(ip))
		if v == nil {
			return nil
		}

		d = &Device{}

		return json.Unmarshal(v, d)
	})

	return d, err
}

// AddDevice creates or replaces the record for d.IPAddress.
func (s *State) AddDevice(d Device) error {
	if d.IPAddress == "" {
		return fmt.Errorf("device ip address is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}

		return tx.Bucket(devicesBucket).Put([]byte(d.IPAddress), data)
	})
}

// DeleteDevice forgets the device at ip.
func (s *State) DeleteDevice(ip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).Delete([]byte(ip))
	})
}

// Devices returns every known device, most recently seen first.
func (s *State) Devices() ([]Device, error) {
	var devices []Device

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(_, v []byte) error {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}

			devices = append(devices, d)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].LastSeen > devices[j].LastSeen
	})

	return devices, nil
}

// LastConnectedAddress returns the host:port of the last successful
// connection, or empty string.
func (s *State) LastConnectedAddress() string {
	return s.getString(lastAddressKey)
}

// SetLastConnectedAddress persists the host:port of a successful
// connection.
func (s *State) SetLastConnectedAddress(addr string) error {
	return s.put(lastAddressKey, []byte(addr))
}

// SyncEnabled reports whether sync is switched on. Defaults to true
// until SetSyncEnabled has been called.
func (s *State) SyncEnabled() bool {
	v := s.getString(syncEnabledKey)
	return v != "false"
}

// SetSyncEnabled persists the sync switch.
func (s *State) SetSyncEnabled(enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}

	return s.put(syncEnabledKey, []byte(v))
}

// LocalDeviceID returns the persisted identifier this host announces
// itself with, or empty string.
func (s *State) LocalDeviceID() string {
	return s.getString(localIDKey)
}

// SetLocalDeviceID persists the identifier this host announces itself
// with.
func (s *State) SetLocalDeviceID(id string) error {
	return s.put(localIDKey, []byte(id))
}

func (s *State) getString(key []byte) string {
	var val string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			val = string(v)
		}

		return nil
	})

	return val
}

func (s *State) put(key, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, val)
	})
}

// DefaultPath returns ~/.device-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".device-sync", "state.db"), nil
}
