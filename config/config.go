package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

type Configuration struct {
	WebServer struct {
		Address string `toml:"address" default:":4123" validate:"required"` // Listen address for the content server e.g. ":4123" or "0.0.0.0:4123"
		TLSDir  string `toml:"tls_dir" default:""`                          // Directory containing fullchain.pem and privkey.pem for TLS. Leave empty for plain HTTP.
	} `toml:"web_server"` // Web server configuration

	Library struct {
		Dir         string `toml:"dir" default:"./library" validate:"required"` // Directory holding ISO images, config tables, hardware configs and templates
		AliasesFile string `toml:"aliases_file" default:"aliases.cfg"`          // Alias table file name, relative to the library directory
		CombineFile string `toml:"combine_file" default:"combine.cfg"`          // Composite table file name, relative to the library directory
		ActionFile  string `toml:"action_file" default:"action.cfg"`            // Pending-action store file name, relative to the library directory
	} `toml:"library"` // Content library configuration

	Streaming struct {
		ChunkSizeMiB  int `toml:"chunk_size_mib" default:"8" validate:"min=1,max=64"` // Read chunk size in MiB for content streaming
		QueueCapacity int `toml:"queue_capacity" default:"2" validate:"min=1,max=16"` // In-flight chunk queue capacity per request
		MaxReaders    int `toml:"max_readers" default:"32" validate:"min=1,max=1024"` // Maximum concurrently active blocking readers
	} `toml:"streaming"` // Streaming pipeline tuning

	Boot struct {
		TemplateFile string `toml:"template_file" default:"boot.ipxe.tmpl"` // Boot script template file name, relative to the library directory
	} `toml:"boot"` // Boot handoff configuration
}

// AliasesPath returns the absolute path of the alias table.
func (c *Configuration) AliasesPath() string {
	return filepath.Join(c.Library.Dir, c.Library.AliasesFile)
}

// CombinePath returns the absolute path of the composite table.
func (c *Configuration) CombinePath() string {
	return filepath.Join(c.Library.Dir, c.Library.CombineFile)
}

// ActionPath returns the absolute path of the pending-action store.
func (c *Configuration) ActionPath() string {
	return filepath.Join(c.Library.Dir, c.Library.ActionFile)
}

// BootTemplatePath returns the absolute path of the boot script template.
func (c *Configuration) BootTemplatePath() string {
	return filepath.Join(c.Library.Dir, c.Boot.TemplateFile)
}

var (
	Config           Configuration
	loadedConfigPath string
)

func LoadedConfigPath() string {
	return loadedConfigPath
}

func loadConfig(path string) (err error) {
	// Apply struct defaults BEFORE loading TOML (so TOML overrides)
	if err = defaults.Set(&Config); err != nil {
		err = fmt.Errorf("set defaults: %w", err)
		return
	}

	// Decode TOML file into struct
	if _, err = toml.DecodeFile(path, &Config); err != nil {
		err = fmt.Errorf("decode toml: %w", err)
		return
	}

	// Validate required fields
	if err = validator.New(validator.WithRequiredStructEnabled()).Struct(Config); err != nil {
		err = fmt.Errorf("validate config: %w", err)
	}

	return
}

// generateDefaultConfig writes a config.toml with all default values filled in.
// It will overwrite any existing file at path.
func generateDefaultConfig(path string) (err error) {
	var cfg Configuration

	if err = defaults.Set(&cfg); err != nil {
		err = fmt.Errorf("set defaults: %w", err)
		return
	}

	var file *os.File
	if file, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644); err != nil {
		err = fmt.Errorf("create config file: %w", err)
		return
	}

	defer file.Close()

	var encoder *toml.Encoder = toml.NewEncoder(file)
	encoder.Indent = "    "
	if err = encoder.Encode(cfg); err != nil {
		err = fmt.Errorf("encode toml: %w", err)
	}

	return
}

func Init(path string) (err error) {
	if !filepath.IsAbs(path) {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}
	}
	loadedConfigPath = path

	if _, err = os.Stat(path); err != nil {
		if err = generateDefaultConfig(path); err != nil {
			return
		}

		err = fmt.Errorf("no config file found, created a default config at %s. Please fill in the required values and try again", path)
		return
	}

	if err = loadConfig(path); err != nil {
		return err
	}

	return nil
}
