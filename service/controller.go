package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mobileproxy/adb"
	"mobileproxy/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Controller drives connection lifecycles against the bridge and keeps the
// registry in line with what the bridge actually holds.
//
// Per connection the only transitions are stopped -> active (Start) and
// active -> stopped (Stop). Starting an active connection or stopping a
// stopped one succeeds without side effects, so callers can retry after an
// ambiguous result. Operations on one device are serialized; different
// devices proceed independently.
type Controller struct {
	bridge      adb.Bridge
	registry    *Registry
	events      Broadcaster
	locks       *deviceLocks
	concurrency int
}

func NewController(bridge adb.Bridge, registry *Registry, events Broadcaster, concurrency int) *Controller {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Controller{
		bridge:      bridge,
		registry:    registry,
		events:      orNoop(events),
		locks:       newDeviceLocks(),
		concurrency: concurrency,
	}
}

func connFields(conn *models.Connection) log.Fields {
	return log.Fields{
		"connection_id": conn.ID,
		"serial":        conn.DeviceSerial,
		"local_port":    conn.LocalPort,
		"remote_port":   conn.RemotePort,
	}
}

func (c *Controller) CreateConnection(ctx context.Context, serial string, localPort, remotePort int) (*models.Connection, error) {
	conn, err := c.registry.CreateConnection(ctx, serial, localPort, remotePort)
	if err != nil {
		return nil, err
	}
	log.WithFields(connFields(conn)).Info("connection created")
	return conn, nil
}

func (c *Controller) GetConnection(ctx context.Context, id int64) (*models.Connection, error) {
	return c.registry.GetConnection(ctx, id)
}

func (c *Controller) ListConnections(ctx context.Context, serial string) ([]models.Connection, error) {
	return c.registry.ListConnections(ctx, serial)
}

// withConnection loads the connection, takes its device lock and reloads it
// so fn sees the state as of lock acquisition.
func (c *Controller) withConnection(ctx context.Context, id int64, fn func(conn *models.Connection) error) error {
	conn, err := c.registry.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	unlock := c.locks.lock(conn.DeviceSerial)
	defer unlock()

	conn, err = c.registry.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	return fn(conn)
}

// Start materializes the forward and marks the connection active.
func (c *Controller) Start(ctx context.Context, id int64) error {
	if !c.bridge.IsAvailable(ctx) {
		return ErrBridgeUnavailable
	}
	return c.withConnection(ctx, id, func(conn *models.Connection) error {
		return c.start(ctx, conn)
	})
}

func (c *Controller) start(ctx context.Context, conn *models.Connection) error {
	logger := log.WithFields(connFields(conn))
	serial := conn.DeviceSerial

	if conn.Status == models.ConnectionActive {
		if adb.HasForward(c.bridge.ListForwards(ctx, serial), conn.LocalPort) {
			logger.Debug("connection already active")
			return nil
		}
		logger.Warn("connection marked active but bridge holds no forward, recreating")
	}

	if !c.bridge.CreateForward(ctx, serial, conn.LocalPort, conn.RemotePort) {
		c.demote(ctx, conn)
		return fmt.Errorf("%w: create forward tcp:%d -> tcp:%d on %s", ErrOperationFailed, conn.LocalPort, conn.RemotePort, serial)
	}
	if !adb.HasForward(c.bridge.ListForwards(ctx, serial), conn.LocalPort) {
		// The create may still have taken effect; do not leave an untracked forward.
		c.bridge.RemoveForward(ctx, serial, conn.LocalPort)
		c.demote(ctx, conn)
		return fmt.Errorf("%w: forward on tcp:%d not listed after create", ErrOperationFailed, conn.LocalPort)
	}

	if conn.Status != models.ConnectionActive {
		if err := c.registry.UpdateStatus(ctx, conn.ID, models.ConnectionActive, ""); err != nil {
			// The row vanished under us; do not leave its forward behind.
			c.bridge.RemoveForward(ctx, serial, conn.LocalPort)
			return err
		}
		conn.Status = models.ConnectionActive
	}

	logger.Info("connection started")
	c.publishStatus(conn)
	return nil
}

// demote flips an active row to stopped after the bridge proved it has no
// forward for it. Stopped rows are left alone.
func (c *Controller) demote(ctx context.Context, conn *models.Connection) {
	if conn.Status != models.ConnectionActive {
		return
	}
	if err := c.registry.UpdateStatus(ctx, conn.ID, models.ConnectionStopped, ""); err != nil {
		log.WithFields(connFields(conn)).WithError(err).Error("failed to mark connection stopped")
		return
	}
	conn.Status = models.ConnectionStopped
	c.publishStatus(conn)
}

// Stop removes the forward and marks the connection stopped. While the bridge
// still lists the forward, the connection stays active and the failure is
// returned.
func (c *Controller) Stop(ctx context.Context, id int64) error {
	if !c.bridge.IsAvailable(ctx) {
		return ErrBridgeUnavailable
	}
	return c.withConnection(ctx, id, func(conn *models.Connection) error {
		return c.stop(ctx, conn)
	})
}

func (c *Controller) stop(ctx context.Context, conn *models.Connection) error {
	logger := log.WithFields(connFields(conn))
	serial := conn.DeviceSerial

	if conn.Status == models.ConnectionStopped {
		if adb.HasForward(c.bridge.ListForwards(ctx, serial), conn.LocalPort) {
			logger.Warn("stopped connection still has a forward, removing it")
			c.bridge.RemoveForward(ctx, serial, conn.LocalPort)
		}
		return nil
	}

	// adb refuses to remove a forward it no longer holds, so a failed remove
	// only counts when the forward is still listed.
	removed := c.bridge.RemoveForward(ctx, serial, conn.LocalPort)
	if adb.HasForward(c.bridge.ListForwards(ctx, serial), conn.LocalPort) {
		if !removed {
			return fmt.Errorf("%w: remove forward tcp:%d on %s", ErrOperationFailed, conn.LocalPort, serial)
		}
		return fmt.Errorf("%w: forward on tcp:%d still listed after remove", ErrOperationFailed, conn.LocalPort)
	}
	if !removed {
		logger.Warn("forward already gone at bridge, marking connection stopped")
	}

	if err := c.registry.UpdateStatus(ctx, conn.ID, models.ConnectionStopped, ""); err != nil {
		return err
	}
	conn.Status = models.ConnectionStopped

	logger.Info("connection stopped")
	c.publishStatus(conn)
	return nil
}

// Delete removes a connection, stopping it first when active. The row is
// removed even if the stop fails; in that case the returned error wraps
// ErrOrphanedForward.
func (c *Controller) Delete(ctx context.Context, id int64) error {
	return c.withConnection(ctx, id, func(conn *models.Connection) error {
		var stopErr error
		if conn.Status == models.ConnectionActive {
			stopErr = c.stop(ctx, conn)
		}

		if err := c.registry.DeleteConnection(ctx, conn.ID); err != nil {
			return err
		}

		logger := log.WithFields(connFields(conn))
		if stopErr != nil {
			logger.WithError(stopErr).Error("connection deleted but its forward may still exist")
			return fmt.Errorf("%w: %v", ErrOrphanedForward, stopErr)
		}
		logger.Info("connection deleted")
		return nil
	})
}

// StartAll starts every stopped connection. Failures are counted, never
// abort the rest.
func (c *Controller) StartAll(ctx context.Context) (models.BulkResult, error) {
	return c.bulk(ctx, models.ConnectionActive, c.start)
}

// StopAll stops every active connection. Failures are counted, never
// abort the rest.
func (c *Controller) StopAll(ctx context.Context) (models.BulkResult, error) {
	return c.bulk(ctx, models.ConnectionStopped, c.stop)
}

// bulk applies op to every connection whose status differs from target.
// Connections of one device run in order under its lock; devices run in
// parallel up to the configured concurrency.
func (c *Controller) bulk(ctx context.Context, target models.ConnectionStatus, op func(context.Context, *models.Connection) error) (models.BulkResult, error) {
	result := models.BulkResult{Results: []models.OpResult{}}
	if !c.bridge.IsAvailable(ctx) {
		return result, ErrBridgeUnavailable
	}

	connections, err := c.registry.ListConnections(ctx, "")
	if err != nil {
		return result, err
	}

	groups := make(map[string][]int64)
	for _, conn := range connections {
		if conn.Status != target {
			groups[conn.DeviceSerial] = append(groups[conn.DeviceSerial], conn.ID)
		}
	}

	var mu sync.Mutex
	c.forEachDevice(groups, func(serial string, ids []int64) {
		for _, id := range ids {
			res := models.OpResult{ConnectionID: id, DeviceSerial: serial}
			conn, err := c.registry.GetConnection(ctx, id)
			if err == nil {
				res.LocalPort = conn.LocalPort
				if conn.Status != target {
					err = op(ctx, conn)
				}
			}
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Success = true
			}
			mu.Lock()
			result.Add(res)
			mu.Unlock()
		}
	})

	sortResults(result.Results)
	log.WithFields(log.Fields{"target": target, "succeeded": result.Succeeded, "failed": result.Failed}).Info("bulk operation finished")
	return result, nil
}

// forEachDevice runs fn once per serial, holding that device's lock.
func (c *Controller) forEachDevice(groups map[string][]int64, fn func(serial string, ids []int64)) {
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for serial, ids := range groups {
		serial, ids := serial, ids
		g.Go(func() error {
			unlock := c.locks.lock(serial)
			defer unlock()
			fn(serial, ids)
			return nil
		})
	}
	g.Wait()
}

func sortResults(results []models.OpResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].ConnectionID < results[j].ConnectionID })
}

// CheckIP reads the owning device's current address and records it on the
// connection. found is false when the device reported no address; nothing is
// written then.
func (c *Controller) CheckIP(ctx context.Context, id int64) (ip string, found bool, err error) {
	if !c.bridge.IsAvailable(ctx) {
		return "", false, ErrBridgeUnavailable
	}
	err = c.withConnection(ctx, id, func(conn *models.Connection) error {
		ip, found = c.bridge.GetDeviceIP(ctx, conn.DeviceSerial)
		if !found {
			log.WithFields(connFields(conn)).Info("device reported no ip address")
			return nil
		}
		return c.recordIP(ctx, conn, ip)
	})
	if err != nil {
		return "", false, err
	}
	return ip, found, nil
}

func (c *Controller) recordIP(ctx context.Context, conn *models.Connection, ip string) error {
	if err := c.registry.UpdateStatus(ctx, conn.ID, conn.Status, ip); err != nil {
		return err
	}
	conn.CurrentIP = ip
	log.WithFields(connFields(conn)).WithField("ip", ip).Info("ip recorded")

	ev := models.NewEvent(models.EventConnectionIP, conn.DeviceSerial)
	ev.ConnectionID = conn.ID
	ev.Status = conn.Status
	ev.IP = ip
	c.events.BroadcastToDevice(conn.DeviceSerial, ev)
	return nil
}

// CheckAllIPs reads each device's address once and records it on all of that
// device's connections.
func (c *Controller) CheckAllIPs(ctx context.Context) (models.BulkResult, error) {
	result := models.BulkResult{Results: []models.OpResult{}}
	if !c.bridge.IsAvailable(ctx) {
		return result, ErrBridgeUnavailable
	}
	connections, err := c.registry.ListConnections(ctx, "")
	if err != nil {
		return result, err
	}

	groups := make(map[string][]int64)
	for _, conn := range connections {
		groups[conn.DeviceSerial] = append(groups[conn.DeviceSerial], conn.ID)
	}

	var mu sync.Mutex
	c.forEachDevice(groups, func(serial string, ids []int64) {
		ip, found := c.bridge.GetDeviceIP(ctx, serial)
		for _, id := range ids {
			res := models.OpResult{ConnectionID: id, DeviceSerial: serial}
			conn, err := c.registry.GetConnection(ctx, id)
			switch {
			case err != nil:
				res.Error = err.Error()
			case !found:
				res.LocalPort = conn.LocalPort
				res.Error = "device reported no ip address"
			default:
				res.LocalPort = conn.LocalPort
				if err := c.recordIP(ctx, conn, ip); err != nil {
					res.Error = err.Error()
				} else {
					res.Success = true
					res.IP = ip
				}
			}
			mu.Lock()
			result.Add(res)
			mu.Unlock()
		}
	})

	sortResults(result.Results)
	return result, nil
}

// Reconcile marks stopped every active connection whose forward the bridge
// no longer holds, and returns how many rows it changed.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	if !c.bridge.IsAvailable(ctx) {
		return 0, ErrBridgeUnavailable
	}
	connections, err := c.registry.ListConnections(ctx, "")
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]int64)
	for _, conn := range connections {
		if conn.Status == models.ConnectionActive {
			groups[conn.DeviceSerial] = append(groups[conn.DeviceSerial], conn.ID)
		}
	}

	var (
		mu    sync.Mutex
		fixed int
	)
	c.forEachDevice(groups, func(serial string, ids []int64) {
		forwards := c.bridge.ListForwards(ctx, serial)
		for _, id := range ids {
			conn, err := c.registry.GetConnection(ctx, id)
			if err != nil || conn.Status != models.ConnectionActive || adb.HasForward(forwards, conn.LocalPort) {
				continue
			}
			log.WithFields(connFields(conn)).Warn("forward missing at bridge, marking connection stopped")
			c.demote(ctx, conn)
			if conn.Status == models.ConnectionStopped {
				mu.Lock()
				fixed++
				mu.Unlock()
			}
		}
	})
	return fixed, nil
}

// DeleteDevice stops the device's active connections best-effort and then
// removes the device with all its connections.
func (c *Controller) DeleteDevice(ctx context.Context, serial string) (models.BulkResult, error) {
	result := models.BulkResult{Results: []models.OpResult{}}
	if _, err := c.registry.GetDevice(ctx, serial); err != nil {
		return result, err
	}

	unlock := c.locks.lock(serial)
	defer unlock()

	connections, err := c.registry.ListConnections(ctx, serial)
	if err != nil {
		return result, err
	}
	for i := range connections {
		conn := &connections[i]
		if conn.Status != models.ConnectionActive {
			continue
		}
		res := models.OpResult{ConnectionID: conn.ID, DeviceSerial: serial, LocalPort: conn.LocalPort, Success: true}
		if err := c.stop(ctx, conn); err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		result.Add(res)
	}

	if err := c.registry.DeleteDevice(ctx, serial); err != nil {
		return result, err
	}
	log.WithFields(log.Fields{"serial": serial, "stop_failures": result.Failed}).Info("device deleted")
	return result, nil
}

func (c *Controller) publishStatus(conn *models.Connection) {
	ev := models.NewEvent(models.EventConnectionStatus, conn.DeviceSerial)
	ev.ConnectionID = conn.ID
	ev.Status = conn.Status
	c.events.BroadcastToDevice(conn.DeviceSerial, ev)
}

// IsConflict reports whether err is a local port conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPortConflict)
}
