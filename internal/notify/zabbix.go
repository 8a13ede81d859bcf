package notify

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/andros/internal/util"
)

// Zabbix protocol constants.
const (
	zabbixTimeout    = 5 * time.Second // Used when no timeout is configured
	zabbixHeaderSize = 13              // "ZBXD\x01" (5) + uint64 length (8)
	maxReplySize     = 64 * 1024       // 64KB reply limit
)

// zabbixMagic is the protocol header prefix.
var zabbixMagic = [5]byte{'Z', 'B', 'X', 'D', 0x01}

// Zabbix protocol types.
type zabbixRequest struct {
	Request string       `json:"request"`
	Data    []zabbixItem `json:"data"`
}

type zabbixItem struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type zabbixResponse struct {
	Response string `json:"response"`
	Info     string `json:"info"`
}

// ZabbixTarget addresses the trapper items of one monitored host.
type ZabbixTarget struct {
	Server  string
	Port    int
	Host    string
	Key     string
	Timeout time.Duration
}

// IsConfigured reports whether items can be sent.
func (t ZabbixTarget) IsConfigured() bool {
	return util.IsConfigured(t.Server, t.Host, t.Key)
}

// itemKey returns the per-device key, e.g. "andros.health[umc]".
func (t ZabbixTarget) itemKey(device string) string {
	if device == "" {
		return t.Key
	}
	return t.Key + "[" + device + "]"
}

// sendZabbixPayload sends a payload to the Zabbix server.
func sendZabbixPayload(ctx context.Context, t ZabbixTarget, payload zabbixRequest) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = zabbixTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(t.Server, strconv.Itoa(t.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return util.WrapError("connect to zabbix", err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return util.WrapError("set deadline", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal zabbix payload", err)
	}

	// Build header: "ZBXD\x01" + 8-byte little endian length
	header := make([]byte, zabbixHeaderSize)
	copy(header[0:5], zabbixMagic[:])
	binary.LittleEndian.PutUint64(header[5:], uint64(len(data)))

	if _, err := conn.Write(header); err != nil {
		return util.WrapError("write zabbix header", err)
	}
	if _, err := conn.Write(data); err != nil {
		return util.WrapError("write zabbix payload", err)
	}

	// Read reply header
	replyHeader := make([]byte, zabbixHeaderSize)
	if _, err := io.ReadFull(conn, replyHeader); err != nil {
		return util.WrapError("read zabbix reply header", err)
	}
	if !bytes.Equal(replyHeader[0:5], zabbixMagic[:]) {
		return fmt.Errorf("invalid zabbix reply header")
	}

	replyLen := binary.LittleEndian.Uint64(replyHeader[5:zabbixHeaderSize])
	if replyLen == 0 {
		return fmt.Errorf("empty zabbix reply")
	}
	if replyLen > maxReplySize {
		return fmt.Errorf("zabbix reply too large: %d bytes (max %d)", replyLen, maxReplySize)
	}

	// Read reply body
	reply := make([]byte, replyLen)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return util.WrapError("read zabbix reply body", err)
	}

	var resp zabbixResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return util.WrapError("parse zabbix reply", err)
	}

	// Check for explicit failure response
	if resp.Response == "failed" {
		return fmt.Errorf("zabbix rejected data: %s", resp.Info)
	}

	// Check for no items processed (host/key not found in Zabbix)
	if strings.Contains(resp.Info, "processed: 0;") && strings.Contains(resp.Info, "failed: 0;") {
		return fmt.Errorf("zabbix processed no items (check host/key config)")
	}

	return nil
}

// sendZabbixItems sends items to Zabbix. It is a no-op when the target is incomplete.
func sendZabbixItems(ctx context.Context, t ZabbixTarget, items []zabbixItem) error {
	if !t.IsConfigured() {
		return nil
	}
	return sendZabbixPayload(ctx, t, zabbixRequest{Request: "sender data", Data: items})
}

// SendHealthZabbix sends the new health code of a device as a trapper item
// keyed by device name.
func SendHealthZabbix(ctx context.Context, t ZabbixTarget, change HealthChange) error {
	return sendZabbixItems(ctx, t, []zabbixItem{{
		Host:  t.Host,
		Key:   t.itemKey(change.Device),
		Value: strconv.Itoa(int(change.To)),
	}})
}

// SendTestZabbix sends a test message to verify Zabbix config.
func SendTestZabbix(ctx context.Context, t ZabbixTarget) error {
	return sendZabbixItems(ctx, t, []zabbixItem{{Host: t.Host, Key: t.Key, Value: "event=TEST source=andros"}})
}
