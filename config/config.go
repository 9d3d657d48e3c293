// Package config loads host stack settings from a YAML file. Missing
// fields keep their defaults, so a partial file only overrides what it
// names.
package config

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full host stack configuration.
type Config struct {
	HCI  HCI  `yaml:"hci"`
	ATT  ATT  `yaml:"att"`
	CoC  CoC  `yaml:"coc"`
	SMP  SMP  `yaml:"smp"`
	Bond Bond `yaml:"bond"`
}

// HCI configures the controller link.
type HCI struct {
	// CommandTimeoutMS bounds how long a command may stay unanswered.
	CommandTimeoutMS int `yaml:"commandTimeoutMs"`
	// MaxFrame bounds the declared length of an inbound frame.
	MaxFrame int `yaml:"maxFrame"`
}

// CommandTimeout returns the timeout as a duration.
func (h HCI) CommandTimeout() time.Duration {
	return time.Duration(h.CommandTimeoutMS) * time.Millisecond
}

// ATT configures the attribute layer.
type ATT struct {
	// MTU is the server's preferred MTU, negotiated down by the peer.
	MTU int `yaml:"mtu"`
}

// CoC configures credit-based channels.
type CoC struct {
	MTU            int `yaml:"mtu"`
	MPS            int `yaml:"mps"`
	InitialCredits int `yaml:"initialCredits"`
	// SigTimeoutMS bounds a signaling request/response exchange.
	SigTimeoutMS int `yaml:"sigTimeoutMs"`
}

// SigTimeout returns the signaling timeout as a duration.
func (c CoC) SigTimeout() time.Duration {
	return time.Duration(c.SigTimeoutMS) * time.Millisecond
}

// SMP configures the local pairing feature set.
type SMP struct {
	// IOCapability is one of displayonly, displayyesno, keyboardonly,
	// noinputnooutput, keyboarddisplay.
	IOCapability      string `yaml:"ioCapability"`
	Bonding           bool   `yaml:"bonding"`
	MITM              bool   `yaml:"mitm"`
	SecureConnections bool   `yaml:"secureConnections"`
	MaxKeySize        int    `yaml:"maxKeySize"`
}

// Bond configures bond persistence.
type Bond struct {
	File string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HCI: HCI{
			CommandTimeoutMS: 3000,
			MaxFrame:         1024,
		},
		ATT: ATT{
			MTU: 185,
		},
		CoC: CoC{
			MTU:            512,
			MPS:            247,
			InitialCredits: 4,
			SigTimeoutMS:   10000,
		},
		SMP: SMP{
			IOCapability:      "noinputnooutput",
			Bonding:           true,
			SecureConnections: true,
			MaxKeySize:        16,
		},
		Bond: Bond{
			File: "bonds.json",
		},
	}
}

// ReadConfig loads the file at path over the defaults.
func ReadConfig(path string) (Config, error) {
	cfg := Default()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ATT.MTU < 23 || c.ATT.MTU > 517 {
		return errors.Errorf("att mtu %d out of range", c.ATT.MTU)
	}
	if c.CoC.MPS < 23 || c.CoC.MPS > c.CoC.MTU {
		return errors.Errorf("coc mps %d out of range", c.CoC.MPS)
	}
	if c.CoC.InitialCredits < 1 {
		return errors.New("coc initial credits must be positive")
	}
	if c.SMP.MaxKeySize < 7 || c.SMP.MaxKeySize > 16 {
		return errors.Errorf("smp max key size %d out of range", c.SMP.MaxKeySize)
	}
	if _, err := c.SMP.IOCap(); err != nil {
		return err
	}
	return nil
}

// IOCap maps the configured capability name to its wire value.
func (s SMP) IOCap() (byte, error) {
	switch s.IOCapability {
	case "displayonly":
		return 0x00, nil
	case "displayyesno":
		return 0x01, nil
	case "keyboardonly":
		return 0x02, nil
	case "", "noinputnooutput":
		return 0x03, nil
	case "keyboarddisplay":
		return 0x04, nil
	default:
		return 0, errors.Errorf("unknown io capability %q", s.IOCapability)
	}
}
