package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/latticewan/lattice/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDevices  = []byte("devices")
	bucketTunnels  = []byte("tunnels")
	bucketCounters = []byte("tunnel_counters")
	bucketRoutes   = []byte("static_routes")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "lattice.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDevices,
			bucketTunnels,
			bucketCounters,
			bucketRoutes,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// tunnelKey builds the bucket key for a tunnel. (org, num) is the natural
// unique key: a deactivated row stays at its slot until the number is
// reclaimed by a new tunnel in the same organization.
func tunnelKey(org string, num int) []byte {
	return []byte(fmt.Sprintf("%s/%06d", org, num))
}

// Device operations

func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return b.Put([]byte(device.ID), data)
	})
}

func (s *BoltStore) GetDevice(id string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) GetDeviceByMachineID(machineID string) (*types.Device, error) {
	var found *types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			if device.MachineID == machineID {
				found = &device
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device %w: %s", ErrNotFound, machineID)
	}
	return found, nil
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) ListDevicesByOrg(org string) ([]*types.Device, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Device
	for _, device := range devices {
		if device.Org == org {
			filtered = append(filtered, device)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateDevice(device *types.Device) error {
	device.UpdatedAt = time.Now()
	return s.CreateDevice(device) // Same as create (upsert)
}

func (s *BoltStore) UpdateDeviceSync(id string, hash string, stale bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %w: %s", ErrNotFound, id)
		}
		var device types.Device
		if err := json.Unmarshal(data, &device); err != nil {
			return err
		}
		if hash != "" {
			device.Sync.Hash = hash
		}
		device.Sync.Stale = stale
		device.UpdatedAt = time.Now()
		updated, err := json.Marshal(&device)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.Delete([]byte(id))
	})
}

// Tunnel operations

func (s *BoltStore) UpsertTunnel(tunnel *types.Tunnel) error {
	tunnel.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTunnels)
		data, err := json.Marshal(tunnel)
		if err != nil {
			return err
		}
		return b.Put(tunnelKey(tunnel.Org, tunnel.Num), data)
	})
}

func (s *BoltStore) GetTunnel(org string, num int) (*types.Tunnel, error) {
	var tunnel types.Tunnel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTunnels)
		data := b.Get(tunnelKey(org, num))
		if data == nil {
			return fmt.Errorf("tunnel %w: %s/%d", ErrNotFound, org, num)
		}
		return json.Unmarshal(data, &tunnel)
	})
	if err != nil {
		return nil, err
	}
	return &tunnel, nil
}

func (s *BoltStore) ListTunnels(org string) ([]*types.Tunnel, error) {
	var tunnels []*types.Tunnel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTunnels)
		return b.ForEach(func(k, v []byte) error {
			var tunnel types.Tunnel
			if err := json.Unmarshal(v, &tunnel); err != nil {
				return err
			}
			if tunnel.Org == org {
				tunnels = append(tunnels, &tunnel)
			}
			return nil
		})
	})
	return tunnels, err
}

func (s *BoltStore) ListActiveTunnels(org string) ([]*types.Tunnel, error) {
	tunnels, err := s.ListTunnels(org)
	if err != nil {
		return nil, err
	}

	var active []*types.Tunnel
	for _, tunnel := range tunnels {
		if tunnel.IsActive {
			active = append(active, tunnel)
		}
	}
	return active, nil
}

// GetActiveTunnelBetween finds an active tunnel between two devices in
// either order. Returns nil without error when none exists.
func (s *BoltStore) GetActiveTunnelBetween(org, deviceA, deviceB string) (*types.Tunnel, error) {
	tunnels, err := s.ListActiveTunnels(org)
	if err != nil {
		return nil, err
	}

	for _, tunnel := range tunnels {
		if tunnel.DeviceA == deviceA && tunnel.DeviceB == deviceB {
			return tunnel, nil
		}
		if tunnel.DeviceA == deviceB && tunnel.DeviceB == deviceA {
			return tunnel, nil
		}
	}
	return nil, nil
}

func (s *BoltStore) ListTunnelsByInterface(org, deviceID, ifcName string, includePeers bool) ([]*types.Tunnel, error) {
	tunnels, err := s.ListActiveTunnels(org)
	if err != nil {
		return nil, err
	}

	var matched []*types.Tunnel
	for _, tunnel := range tunnels {
		if !tunnel.UsesInterface(deviceID, ifcName) {
			continue
		}
		if tunnel.IsPeer() && !includePeers {
			continue
		}
		matched = append(matched, tunnel)
	}
	return matched, nil
}

// SetTunnelConf flips the per-side configured flag for the side owned by
// deviceID.
func (s *BoltStore) SetTunnelConf(org string, num int, deviceID string, configured bool) error {
	return s.updateTunnel(org, num, func(tunnel *types.Tunnel) error {
		switch deviceID {
		case tunnel.DeviceA:
			tunnel.DeviceAConf = configured
		case tunnel.DeviceB:
			tunnel.DeviceBConf = configured
		default:
			return fmt.Errorf("device %s is not an endpoint of tunnel %s/%d", deviceID, org, num)
		}
		return nil
	})
}

func (s *BoltStore) UpdateTunnelPending(org string, num int, pending types.PendingState) error {
	return s.updateTunnel(org, num, func(tunnel *types.Tunnel) error {
		tunnel.Pending = pending
		return nil
	})
}

func (s *BoltStore) DeactivateTunnel(org string, num int) error {
	return s.updateTunnel(org, num, func(tunnel *types.Tunnel) error {
		tunnel.IsActive = false
		return nil
	})
}

func (s *BoltStore) DeleteTunnel(org string, num int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTunnels)
		return b.Delete(tunnelKey(org, num))
	})
}

// updateTunnel applies fn to a tunnel inside a single write transaction.
func (s *BoltStore) updateTunnel(org string, num int, fn func(*types.Tunnel) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTunnels)
		key := tunnelKey(org, num)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("tunnel %w: %s/%d", ErrNotFound, org, num)
		}
		var tunnel types.Tunnel
		if err := json.Unmarshal(data, &tunnel); err != nil {
			return err
		}
		if err := fn(&tunnel); err != nil {
			return err
		}
		tunnel.UpdatedAt = time.Now()
		updated, err := json.Marshal(&tunnel)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}

// Allocation primitives

// ReclaimTunnelNum finds an inactive tunnel row for the organization and
// flips it back to active in one transaction, reserving its number. The
// second return value is false when no freed number exists.
func (s *BoltStore) ReclaimTunnelNum(org string) (int, bool, error) {
	num := 0
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTunnels)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tunnel types.Tunnel
			if err := json.Unmarshal(v, &tunnel); err != nil {
				continue
			}
			if tunnel.Org != org || tunnel.IsActive {
				continue
			}
			tunnel.IsActive = true
			tunnel.DeviceAConf = false
			tunnel.DeviceBConf = false
			tunnel.UpdatedAt = time.Now()
			updated, err := json.Marshal(&tunnel)
			if err != nil {
				return err
			}
			if err := b.Put(k, updated); err != nil {
				return err
			}
			num = tunnel.Num
			found = true
			return nil
		}
		return nil
	})
	return num, found, err
}

// NextTunnelNum increments the organization's counter document, creating
// it on first use, and returns the new value. The counter is bounded so
// derived addressing stays inside the reserved private block.
func (s *BoltStore) NextTunnelNum(org string, bound int) (int, error) {
	var next int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		var counter types.TunnelCounter
		data := b.Get([]byte(org))
		if data == nil {
			counter = types.TunnelCounter{Org: org, NextAvailID: 0}
		} else if err := json.Unmarshal(data, &counter); err != nil {
			return err
		}
		counter.NextAvailID++
		if counter.NextAvailID > bound {
			return fmt.Errorf("%w for org %s (bound %d)", ErrRangeExhausted, org, bound)
		}
		updated, err := json.Marshal(&counter)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(org), updated); err != nil {
			return err
		}
		next = counter.NextAvailID
		return nil
	})
	return next, err
}

// Static route operations

func (s *BoltStore) CreateRoute(route *types.StaticRoute) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		data, err := json.Marshal(route)
		if err != nil {
			return err
		}
		return b.Put([]byte(route.ID), data)
	})
}

func (s *BoltStore) GetRoute(id string) (*types.StaticRoute, error) {
	var route types.StaticRoute
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("route %w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &route)
	})
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (s *BoltStore) ListRoutesByDevice(deviceID string) ([]*types.StaticRoute, error) {
	var routes []*types.StaticRoute
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.ForEach(func(k, v []byte) error {
			var route types.StaticRoute
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			if route.DeviceID == deviceID {
				routes = append(routes, &route)
			}
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) ListRoutesByTunnel(org string, num int) ([]*types.StaticRoute, error) {
	var routes []*types.StaticRoute
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.ForEach(func(k, v []byte) error {
			var route types.StaticRoute
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			if route.Org == org && route.DependsOnTunnel(num) {
				routes = append(routes, &route)
			}
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) UpdateRoutePending(id string, pending types.PendingState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("route %w: %s", ErrNotFound, id)
		}
		var route types.StaticRoute
		if err := json.Unmarshal(data, &route); err != nil {
			return err
		}
		route.Pending = pending
		updated, err := json.Marshal(&route)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) DeleteRoute(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.Delete([]byte(id))
	})
}
