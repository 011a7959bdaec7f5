package device

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Metadata is the DEVICE_METADATA|localhost entry of CONFIG_DB.
type Metadata struct {
	Hostname string
	Platform string
	HwSKU    string
	MAC      string
}

// ConfigDBClient wraps Redis client for config_db access (DB 4).
type ConfigDBClient struct {
	client *redis.Client
}

// NewConfigDBClient creates a new config_db client
func NewConfigDBClient(addr string) *ConfigDBClient {
	return &ConfigDBClient{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   4, // CONFIG_DB
		}),
	}
}

// Connect tests the connection
func (c *ConfigDBClient) Connect(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection
func (c *ConfigDBClient) Close() error {
	return c.client.Close()
}

// Get reads a table entry
func (c *ConfigDBClient) Get(ctx context.Context, table, key string) (map[string]string, error) {
	redisKey := fmt.Sprintf("%s|%s", table, key)
	return c.client.HGetAll(ctx, redisKey).Result()
}

// DeviceMetadata reads DEVICE_METADATA|localhost.
func (c *ConfigDBClient) DeviceMetadata(ctx context.Context) (*Metadata, error) {
	vals, err := c.Get(ctx, "DEVICE_METADATA", "localhost")
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("DEVICE_METADATA|localhost not found in config_db")
	}
	return &Metadata{
		Hostname: vals["hostname"],
		Platform: vals["platform"],
		HwSKU:    vals["hwsku"],
		MAC:      vals["mac"],
	}, nil
}

// TableKeys returns the entry names of a table, sorted.
func (c *ConfigDBClient) TableKeys(ctx context.Context, table string) ([]string, error) {
	keys, err := scanKeys(ctx, c.client, table+"|*", 100)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, table+"|"))
	}
	sort.Strings(names)
	return names, nil
}

// PortNames returns the configured front-panel ports.
func (c *ConfigDBClient) PortNames(ctx context.Context) ([]string, error) {
	return c.TableKeys(ctx, "PORT")
}

// PortStateEntry represents interface operational state from PORT_TABLE
type PortStateEntry struct {
	AdminStatus string `json:"admin_status,omitempty"`
	OperStatus  string `json:"oper_status,omitempty"`
	Speed       string `json:"speed,omitempty"`
	MTU         string `json:"mtu,omitempty"`
}

// StateDBClient wraps Redis client for state_db access (DB 6).
type StateDBClient struct {
	client *redis.Client
}

// NewStateDBClient creates a new state_db client
func NewStateDBClient(addr string) *StateDBClient {
	return &StateDBClient{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   6, // STATE_DB
		}),
	}
}

// Connect tests the connection
func (c *StateDBClient) Connect(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection
func (c *StateDBClient) Close() error {
	return c.client.Close()
}

// GetPortState returns operational state for a specific interface from PORT_TABLE.
func (c *StateDBClient) GetPortState(ctx context.Context, name string) (*PortStateEntry, error) {
	key := fmt.Sprintf("PORT_TABLE|%s", name)
	vals, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("interface %s not found in state_db PORT_TABLE", name)
	}
	return &PortStateEntry{
		AdminStatus: vals["admin_status"],
		OperStatus:  vals["oper_status"],
		Speed:       vals["speed"],
		MTU:         vals["mtu"],
	}, nil
}

// PortOperStatus returns oper_status per port. Ports missing from
// PORT_TABLE are reported as "unknown".
func (c *StateDBClient) PortOperStatus(ctx context.Context, ports []string) (map[string]string, error) {
	out := make(map[string]string, len(ports))
	for _, p := range ports {
		vals, err := c.client.HGetAll(ctx, "PORT_TABLE|"+p).Result()
		if err != nil {
			return nil, err
		}
		status := vals["oper_status"]
		if status == "" {
			status = "unknown"
		}
		out[p] = status
	}
	return out, nil
}

// PortsUp returns the ports from names whose oper_status is "up", in
// the order given.
func (c *StateDBClient) PortsUp(ctx context.Context, names []string) ([]string, error) {
	status, err := c.PortOperStatus(ctx, names)
	if err != nil {
		return nil, err
	}
	var up []string
	for _, n := range names {
		if status[n] == "up" {
			up = append(up, n)
		}
	}
	return up, nil
}

// scanKeys collects keys matching pattern with cursor-based SCAN.
func scanKeys(ctx context.Context, client *redis.Client, pattern string, count int64) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Redis is a pair of CONFIG_DB and STATE_DB clients reached through an
// SSH tunnel to the device.
type Redis struct {
	tunnel *SSHTunnel
	Config *ConfigDBClient
	State  *StateDBClient
}

// OpenRedis tunnels to the device's Redis over its engine and connects
// both clients. The engine must be able to forward, as SSHEngine does.
func OpenRedis(ctx context.Context, d *Device) (*Redis, error) {
	fwd, ok := d.Engine.(Forwarder)
	if !ok {
		return nil, util.NewPreconditionError("open redis", d.Name, "engine supports port forwarding", fmt.Sprintf("%T", d.Engine))
	}
	t, err := NewSSHTunnel(fwd, RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.Name, err)
	}
	r := &Redis{
		tunnel: t,
		Config: NewConfigDBClient(t.LocalAddr()),
		State:  NewStateDBClient(t.LocalAddr()),
	}
	if err := r.Config.Connect(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("device %s config_db: %w", d.Name, err)
	}
	if err := r.State.Connect(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("device %s state_db: %w", d.Name, err)
	}
	return r, nil
}

// FillPlatform sets Platform and HwSKU from DEVICE_METADATA when the
// setup left them empty.
func (r *Redis) FillPlatform(ctx context.Context, d *Device) error {
	if d.Platform != "" && d.HwSKU != "" {
		return nil
	}
	md, err := r.Config.DeviceMetadata(ctx)
	if err != nil {
		return err
	}
	if d.Platform == "" {
		d.Platform = md.Platform
	}
	if d.HwSKU == "" {
		d.HwSKU = md.HwSKU
	}
	return nil
}

// Close closes both clients and the tunnel.
func (r *Redis) Close() error {
	r.Config.Close()
	r.State.Close()
	return r.tunnel.Close()
}
