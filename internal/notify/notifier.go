// Package notify delivers device health notifications to webhooks and Zabbix.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oszuidwest/andros/internal/audio"
	"github.com/oszuidwest/andros/internal/config"
	"github.com/oszuidwest/andros/internal/util"
)

// Notification event names.
const (
	EventDeviceFault     = "device_fault"
	EventDeviceRecovered = "device_recovered"
)

// HealthChange describes one health transition of a device.
type HealthChange struct {
	Node   string
	Device string
	From   audio.Health
	To     audio.Health
	At     time.Time
}

// Event returns the notification event name for the change.
func (c HealthChange) Event() string {
	if c.To == audio.HealthOK {
		return EventDeviceRecovered
	}
	return EventDeviceFault
}

// Message returns a human-readable summary.
func (c HealthChange) Message() string {
	if c.To == audio.HealthOK {
		return fmt.Sprintf("Device %s recovered (was %s)", c.Device, c.From)
	}
	return fmt.Sprintf("Device %s is %s (was %s)", c.Device, c.To, c.From)
}

// HealthNotifier sends notifications for device health transitions. A
// recovery is only announced for devices whose fault was announced.
type HealthNotifier struct {
	cfg *config.Config
	now func() time.Time

	// mu protects alerted
	mu      sync.Mutex
	alerted map[string]bool

	wg sync.WaitGroup
}

// NewHealthNotifier returns a HealthNotifier configured with the given config.
func NewHealthNotifier(cfg *config.Config) *HealthNotifier {
	return &HealthNotifier{
		cfg:     cfg,
		now:     time.Now,
		alerted: make(map[string]bool),
	}
}

// HandleChange processes a health transition and triggers notifications in
// the background. It never blocks the caller.
func (n *HealthNotifier) HandleChange(device string, from, to audio.Health) {
	if from == to {
		return
	}

	n.mu.Lock()
	wasAlerted := n.alerted[device]
	if to == audio.HealthOK {
		delete(n.alerted, device)
	} else {
		n.alerted[device] = true
	}
	n.mu.Unlock()

	if to == audio.HealthOK && !wasAlerted {
		return
	}

	change := HealthChange{
		Node:   n.cfg.NodeName(),
		Device: device,
		From:   from,
		To:     to,
		At:     n.now(),
	}
	if url := n.cfg.WebhookURL(); url != "" {
		n.dispatch(func() error { return SendHealthWebhook(context.Background(), url, change) }, "Health webhook")
	}
	if target := zabbixTarget(n.cfg.Zabbix()); target.IsConfigured() {
		n.dispatch(func() error { return SendHealthZabbix(context.Background(), target, change) }, "Health zabbix")
	}
}

// Alerted reports whether a fault of device was announced and not yet recovered.
func (n *HealthNotifier) Alerted(device string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alerted[device]
}

// Wait blocks until pending notifications have finished.
func (n *HealthNotifier) Wait() {
	n.wg.Wait()
}

func (n *HealthNotifier) dispatch(fn func() error, notifyType string) {
	n.wg.Go(func() {
		util.LogNotifyResult(fn, notifyType)
	})
}

// SendTest sends a test notification through every configured channel.
func SendTest(ctx context.Context, cfg *config.Config) error {
	snap := cfg.Snapshot()
	if !snap.HasWebhook() && !snap.HasZabbix() {
		return fmt.Errorf("no notification channel configured")
	}
	if snap.HasWebhook() {
		if err := SendTestWebhook(ctx, snap.Notifications.WebhookURL, snap.System.NodeName); err != nil {
			return err
		}
	}
	if snap.HasZabbix() {
		if err := SendTestZabbix(ctx, zabbixTarget(snap.Notifications.Zabbix)); err != nil {
			return err
		}
	}
	return nil
}

func zabbixTarget(z config.ZabbixConfig) ZabbixTarget {
	return ZabbixTarget{
		Server:  z.Server,
		Port:    z.Port,
		Host:    z.Host,
		Key:     z.Key,
		Timeout: time.Duration(z.TimeoutMs) * time.Millisecond,
	}
}
