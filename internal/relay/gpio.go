package relay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultGPIORoot is where the kernel exposes the sysfs GPIO interface.
const DefaultGPIORoot = "/sys/class/gpio"

// GPIOLine drives a pin through sysfs.
type GPIOLine struct {
	value *os.File
}

// OpenGPIOLine exports pin under root (if needed), configures it as an
// output and keeps its value file open.
func OpenGPIOLine(root string, pin int) (*GPIOLine, error) {
	if root == "" {
		root = DefaultGPIORoot
	}
	dir := filepath.Join(root, "gpio"+strconv.Itoa(pin))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, fmt.Errorf("failed to export gpio %d: %w", pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("out"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to set gpio %d direction: %w", pin, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "value"), os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open gpio %d value: %w", pin, err)
	}
	return &GPIOLine{value: f}, nil
}

// Set writes "1" for High and "0" for Low.
func (g *GPIOLine) Set(level Level) error {
	v := []byte("0")
	if level == High {
		v = []byte("1")
	}
	_, err := g.value.WriteAt(v, 0)
	return err
}

// Close releases the value file.
func (g *GPIOLine) Close() error {
	return g.value.Close()
}
