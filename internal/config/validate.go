// internal/config/validate.go
package config

import (
	"fmt"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	type span struct {
		start  uint32
		end    uint32
		symbol string
	}

	if cfg == nil {
		return fmt.Errorf("config: nil")
	}

	// ------------------------------------------------------------
	// CONTROLLERS + SYMBOLS
	// ------------------------------------------------------------

	// controller -> symbol -> config (used by serial validation below)
	symbols := make(map[string]map[string]SymbolConfig)

	for _, c := range cfg.Controllers {
		if c.Name == "" {
			return fmt.Errorf("controller: name required")
		}
		if _, dup := symbols[c.Name]; dup {
			return fmt.Errorf("controller %q: duplicate name", c.Name)
		}
		if c.Endpoint == "" {
			return fmt.Errorf("controller %q: endpoint required", c.Name)
		}

		own := make(map[string]SymbolConfig, len(c.Symbols))

		// key = area
		spans := make(map[string][]span)

		for _, s := range c.Symbols {
			if s.Name == "" {
				return fmt.Errorf("controller %q: symbol name required", c.Name)
			}
			if _, dup := own[s.Name]; dup {
				return fmt.Errorf("controller %q: duplicate symbol %q", c.Name, s.Name)
			}
			if err := validateSymbolType(s); err != nil {
				return fmt.Errorf("controller %q symbol %q: %w", c.Name, s.Name, err)
			}
			own[s.Name] = s

			start := uint32(s.Address)
			end := start + uint32(s.Registers()) - 1
			if end > 0xFFFF {
				return fmt.Errorf(
					"controller %q symbol %q: range %d-%d exceeds address space",
					c.Name, s.Name, start, end,
				)
			}

			for _, prev := range spans[s.Area] {
				// overlap check (inclusive)
				if !(end < prev.start || start > prev.end) {
					return fmt.Errorf(
						"memory overlap: controller=%s area=%s range=%d-%d (%s) overlaps range=%d-%d (%s)",
						c.Name, s.Area, start, end, s.Name, prev.start, prev.end, prev.symbol,
					)
				}
			}
			spans[s.Area] = append(spans[s.Area], span{start: start, end: end, symbol: s.Name})
		}

		symbols[c.Name] = own
	}

	// ------------------------------------------------------------
	// LOGGING
	// ------------------------------------------------------------

	if cfg.Logging.Enabled {
		if cfg.Logging.ConfigDir == "" {
			return fmt.Errorf("logging: config_dir required")
		}
		if cfg.Logging.LogDir == "" && (cfg.Logging.Relay == nil || cfg.Logging.Relay.LocalWrite) {
			return fmt.Errorf("logging: log_dir required for local writes")
		}
		if cfg.Logging.Relay != nil && cfg.Logging.Relay.URL == "" {
			return fmt.Errorf("logging: relay url required")
		}
	}

	// ------------------------------------------------------------
	// SERIAL BRIDGES
	// ------------------------------------------------------------

	names := make(map[string]struct{})
	for _, s := range cfg.Serial {
		if s.Name == "" {
			return fmt.Errorf("serial: name required")
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("serial %q: duplicate name", s.Name)
		}
		names[s.Name] = struct{}{}

		if s.Port.Address == "" {
			return fmt.Errorf("serial %q: port address required", s.Name)
		}

		own, ok := symbols[s.Controller]
		if !ok {
			return fmt.Errorf("serial %q: unknown controller %q", s.Name, s.Controller)
		}

		sy := s.Symbols
		checks := []struct {
			role     string
			name     string
			types    []string
			writable bool
		}{
			{"init_request", sy.InitRequest, []string{TypeBool}, false},
			{"receive_accept", sy.ReceiveAccept, []string{TypeBool}, false},
			{"transmit_request", sy.TransmitRequest, []string{TypeBool}, false},
			{"init_accepted", sy.InitAccepted, []string{TypeBool}, true},
			{"receive_request", sy.ReceiveRequest, []string{TypeBool}, true},
			{"transmit_accepted", sy.TransmitAccepted, []string{TypeBool}, true},
			{"send_buffer", sy.SendBuffer, []string{TypeString}, false},
			{"receive_buffer", sy.ReceiveBuffer, []string{TypeString}, true},
			{"heartbeat", sy.Heartbeat, []string{TypeInt16}, true},
		}

		for _, ck := range checks {
			if ck.name == "" {
				return fmt.Errorf("serial %q: symbol %s required", s.Name, ck.role)
			}
			sc, ok := own[ck.name]
			if !ok {
				return fmt.Errorf("serial %q: %s symbol %q not defined on controller %q",
					s.Name, ck.role, ck.name, s.Controller)
			}
			if !contains(ck.types, sc.Type) {
				return fmt.Errorf("serial %q: %s symbol %q must be of type %v",
					s.Name, ck.role, ck.name, ck.types)
			}
			if ck.writable && !Writable(sc.Area) {
				return fmt.Errorf("serial %q: %s symbol %q must be writable (area %s)",
					s.Name, ck.role, ck.name, sc.Area)
			}
		}
	}

	return nil
}

// Writable reports whether symbols in the given area accept writes.
func Writable(area string) bool {
	return area == AreaCoil || area == AreaHolding
}

func validateSymbolType(s SymbolConfig) error {
	switch s.Area {
	case AreaCoil, AreaDiscrete:
		if s.Type != TypeBool {
			return fmt.Errorf("area %s requires type bool, got %q", s.Area, s.Type)
		}
	case AreaHolding, AreaInput:
		switch s.Type {
		case TypeInt16, TypeUint16, TypeInt32, TypeUint32, TypeFloat32:
		case TypeString:
			if s.Length == 0 {
				return fmt.Errorf("string symbol requires length > 0")
			}
		case TypeEnum:
			if len(s.Enum) == 0 {
				return fmt.Errorf("enum symbol requires enum names")
			}
		default:
			return fmt.Errorf("area %s does not support type %q", s.Area, s.Type)
		}
	default:
		return fmt.Errorf("unknown area %q", s.Area)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ValidateRelay checks the part of the config read by the relay process.
func ValidateRelay(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if cfg.RelayServer.URL == "" {
		return fmt.Errorf("relay_server: url required")
	}
	if cfg.RelayServer.LogDir == "" {
		return fmt.Errorf("relay_server: log_dir required")
	}
	return nil
}
