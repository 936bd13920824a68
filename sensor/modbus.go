package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Register kinds a temperature can be read from.
const (
	HoldingRegister = "holding"
	InputRegister   = "input"
)

// ModbusConfig configures a temperature read over Modbus TCP.
type ModbusConfig struct {
	Address      string        // host:port
	SlaveID      byte          // unit identifier
	Register     uint16        // register address
	RegisterType string        // holding or input
	Scale        float64       // degrees per raw unit, e.g. 0.1
	Timeout      time.Duration // per request
}

// registerReader is the part of modbus.Client used here.
type registerReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// ModbusReader reads a signed 16-bit temperature register.
type ModbusReader struct {
	cfg     ModbusConfig
	client  registerReader
	handler *modbus.TCPClientHandler

	mu sync.Mutex
}

// NewModbusReader connects to the Modbus TCP server described by cfg.
func NewModbusReader(cfg ModbusConfig) (*ModbusReader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.SlaveId = cfg.SlaveID
	handler.Timeout = cfg.Timeout
	if handler.Timeout <= 0 {
		handler.Timeout = time.Second
	}

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &ModbusReader{
		cfg:     cfg,
		client:  modbus.NewClient(handler),
		handler: handler,
	}, nil
}

func (cfg ModbusConfig) validate() error {
	if cfg.Address == "" {
		return fmt.Errorf("modbus address cannot be empty")
	}
	if cfg.Scale == 0 {
		return fmt.Errorf("modbus scale cannot be zero")
	}
	switch cfg.RegisterType {
	case "", HoldingRegister, InputRegister:
	default:
		return fmt.Errorf("invalid register type: %s, must be one of: %s, %s", cfg.RegisterType, HoldingRegister, InputRegister)
	}
	return nil
}

// ReadTemperature implements TemperatureReader.
func (r *ModbusReader) ReadTemperature(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if r.cfg.RegisterType == InputRegister {
		data, err = r.client.ReadInputRegisters(r.cfg.Register, 1)
	} else {
		data, err = r.client.ReadHoldingRegisters(r.cfg.Register, 1)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read temperature register %d: %w", r.cfg.Register, err)
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("short response reading register %d: %d bytes", r.cfg.Register, len(data))
	}

	raw := int16(binary.BigEndian.Uint16(data[0:2]))
	return float64(raw) * r.cfg.Scale, nil
}

// Close closes the Modbus connection
func (r *ModbusReader) Close() error {
	if r.handler != nil {
		return r.handler.Close()
	}
	return nil
}
