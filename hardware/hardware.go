// Package hardware reads per-machine configuration from
// <library>/hardware/<machine>/hardware.cfg. Everything in the file flows
// into the boot template context; only hostname has dedicated meaning.
package hardware

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config is one machine's hardware configuration.
type Config struct {
	Hostname string
	Extra    map[string]string
}

// Load reads the hardware config for a machine identifier. A missing file
// is not an error: booting works without per-machine data, the template
// context just stays sparse.
func Load(libraryDir, machine string) (cfg *Config, err error) {
	cfg = &Config{Extra: map[string]string{}}

	var path string = filepath.Join(libraryDir, "hardware", machine, "hardware.cfg")

	var file *os.File
	if file, err = os.Open(path); err != nil {
		if os.IsNotExist(err) {
			err = nil
		}
		return
	}

	defer file.Close()

	var scanner *bufio.Scanner = bufio.NewScanner(file)
	for scanner.Scan() {
		var line string = strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "hostname" {
			cfg.Hostname = value
		} else if key != "" {
			cfg.Extra[key] = value
		}
	}

	err = scanner.Err()
	return
}
