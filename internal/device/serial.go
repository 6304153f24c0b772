package device

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/1ureka/uartlink/internal/util"
)

// SerialConfig holds the line settings of a UART. Data bits, parity and
// stop bits are fixed at 8N1.
type SerialConfig struct {
	BaudRate int
	// ReadTimeout bounds a single Read so the reader loop can observe its
	// liveness flag; an elapsed timeout yields (0, nil).
	ReadTimeout time.Duration
}

// DefaultSerialConfig returns 1.5 Mbaud with a 100ms read timeout.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:    1500000,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// OpenSerial opens and configures the UART at path. Bytes left over in the
// driver's input buffer from a previous incarnation are discarded.
func OpenSerial(path string, cfg SerialConfig) (Device, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		util.LogWarning("serial %s: reset input buffer: %v", path, err)
	}
	util.LogInfo("opened serial port %s at %d baud", path, cfg.BaudRate)
	return port, nil
}

// SerialOpener returns an Opener for the UART at path.
func SerialOpener(path string, cfg SerialConfig) Opener {
	return func(ctx context.Context) (Device, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return OpenSerial(path, cfg)
	}
}
