package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetLastConnectedAddress("192.168.1.5:5149"))
	require.NoError(t, s1.AddDevice(Device{IPAddress: "192.168.1.5", DeviceID: "pixel"}))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "192.168.1.5:5149", s2.LastConnectedAddress())

	d, err := s2.GetDevice("192.168.1.5")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "pixel", d.DeviceID)
}

// --- Devices ---

func TestGetDevice_Unknown(t *testing.T) {
	s := testDB(t)
	d, err := s.GetDevice("10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestAddDevice_RoundTrip(t *testing.T) {
	s := testDB(t)

	want := Device{
		IPAddress:  "192.168.1.5",
		DeviceName: "Pixel 8",
		Avatar:     "data:image/png;base64,AAAA",
		DeviceID:   "abc-123",
		LastSeen:   1700000000,
	}
	require.NoError(t, s.AddDevice(want))

	got, err := s.GetDevice("192.168.1.5")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestAddDevice_Overwrite(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.AddDevice(Device{IPAddress: "192.168.1.5", DeviceName: "old"}))
	require.NoError(t, s.AddDevice(Device{IPAddress: "192.168.1.5", DeviceName: "new"}))

	got, err := s.GetDevice("192.168.1.5")
	require.NoError(t, err)
	assert.Equal(t, "new", got.DeviceName)

	all, err := s.Devices()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAddDevice_RequiresAddress(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.AddDevice(Device{DeviceID: "x"}))
}

func TestDevices_SortedByLastSeen(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.AddDevice(Device{IPAddress: "10.0.0.1", LastSeen: 100}))
	require.NoError(t, s.AddDevice(Device{IPAddress: "10.0.0.2", LastSeen: 300}))
	require.NoError(t, s.AddDevice(Device{IPAddress: "10.0.0.3", LastSeen: 200}))

	all, err := s.Devices()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "10.0.0.2", all[0].IPAddress)
	assert.Equal(t, "10.0.0.3", all[1].IPAddress)
	assert.Equal(t, "10.0.0.1", all[2].IPAddress)
}

func TestDevices_Empty(t *testing.T) {
	s := testDB(t)
	all, err := s.Devices()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteDevice(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.AddDevice(Device{IPAddress: "10.0.0.1"}))
	require.NoError(t, s.DeleteDevice("10.0.0.1"))

	d, err := s.GetDevice("10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, d)

	require.NoError(t, s.DeleteDevice("10.0.0.1"))
}

// --- App values ---

func TestLastConnectedAddress_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.LastConnectedAddress())
}

func TestSyncEnabled_DefaultsTrue(t *testing.T) {
	s := testDB(t)
	assert.True(t, s.SyncEnabled())
}

func TestSetSyncEnabled_RoundTrip(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SetSyncEnabled(false))
	assert.False(t, s.SyncEnabled())

	require.NoError(t, s.SetSyncEnabled(true))
	assert.True(t, s.SyncEnabled())
}

func TestLocalDeviceID_RoundTrip(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.LocalDeviceID())

	require.NoError(t, s.SetLocalDeviceID("host-1"))
	assert.Equal(t, "host-1", s.LocalDeviceID())
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/tester", ".device-sync", "state.db"), p)
}
