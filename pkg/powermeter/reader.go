package powermeter

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

var ErrNoChannels = errors.New("power meter has no channels")

// Channel is one power measurement exposed by the meter as a holding register.
// Wide channels span two registers (uint32, high word first); narrow ones are
// a signed int16. Scale converts register counts to watts.
type Channel struct {
	Name    string  `mapstructure:"name"`
	Address uint16  `mapstructure:"address"`
	Wide    bool    `mapstructure:"wide"`
	Scale   float64 `mapstructure:"scale"`
}

func (c Channel) watts(raw float64) int {
	scale := c.Scale
	if scale == 0 {
		scale = 1
	}
	return int(math.Round(raw * scale))
}

type Reader interface {
	Open() error
	Close() error
	// ReadPowers returns watts per channel name.
	ReadPowers() (map[string]int, error)
}

type ModbusReader struct {
	ModbusClient

	channels []Channel
	logger   *zap.Logger
}

func CreateModbusReader(ip string, port uint, unitId uint8, timeout time.Duration, channels []Channel,
	logger *zap.Logger, instrumentation *ModbusInstrument) (*ModbusReader, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", ip, port),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	if err := client.SetUnitId(unitId); err != nil {
		return nil, err
	}
	var instrument []ModbusInstrument
	if instrumentation != nil {
		instrument = []ModbusInstrument{*instrumentation}
	}
	return &ModbusReader{
		ModbusClient: ModbusClient{
			client:     client,
			instrument: instrument,
		},
		channels: channels,
		logger:   logger,
	}, nil
}

func (reader *ModbusReader) Open() error {
	return reader.client.Open()
}

func (reader *ModbusReader) Close() error {
	return reader.client.Close()
}

func (reader *ModbusReader) ReadPowers() (map[string]int, error) {
	out := make(map[string]int, len(reader.channels))
	for _, ch := range reader.channels {
		var raw float64
		if ch.Wide {
			v, err := reader.readUint32(ch.Address, modbus.HOLDING_REGISTER)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", ch.Name, err)
			}
			raw = float64(v)
		} else {
			v, err := reader.readRegister(ch.Address, modbus.HOLDING_REGISTER)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", ch.Name, err)
			}
			raw = float64(int16(v))
		}
		out[ch.Name] = ch.watts(raw)
	}
	return out, nil
}
