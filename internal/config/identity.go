package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"
)

// interfaces is replaced in tests.
var interfaces = net.Interfaces

// EnsureIdentity generates system.client_id and system.device_id when they
// are empty and persists them. The device ID is the first non-loopback MAC
// address, or a random UUID when there is none.
func EnsureIdentity(s *Store) (SystemConfig, error) {
	sys := s.Config().System
	if sys.ClientID == "" {
		sys.ClientID = uuid.NewString()
		if err := s.Update("system.client_id", sys.ClientID); err != nil {
			return SystemConfig{}, fmt.Errorf("config: persist client id: %w", err)
		}
		slog.Info("config: generated client id", "client_id", sys.ClientID)
	}
	if sys.DeviceID == "" {
		sys.DeviceID = macAddress()
		if sys.DeviceID == "" {
			sys.DeviceID = uuid.NewString()
		}
		if err := s.Update("system.device_id", sys.DeviceID); err != nil {
			return SystemConfig{}, fmt.Errorf("config: persist device id: %w", err)
		}
		slog.Info("config: generated device id", "device_id", sys.DeviceID)
	}
	return sys, nil
}

func macAddress() string {
	ifaces, err := interfaces()
	if err != nil {
		slog.Debug("config: list interfaces", "error", err)
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return strings.ToLower(ifc.HardwareAddr.String())
	}
	return ""
}
