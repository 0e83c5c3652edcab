package configuration

import (
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/mitchellh/copystructure"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

var (
	// NATs streaming configuration
	defaultNatsConnectTimeout = 100 * time.Millisecond

	// DefaultNatsSubject prefixes the subjects stage status updates are published on.
	DefaultNatsSubject = model.AppName + ".status"
)

// NatsConfig holds NATS specific configuration, status updates are only
// published when a URL is set.
type NatsConfig struct {
	URL            string        `mapstructure:"url"`
	Subject        string        `mapstructure:"subject"`
	CredsFile      string        `mapstructure:"creds_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func newNatsConfig() *NatsConfig {
	return &NatsConfig{
		Subject:        DefaultNatsSubject,
		ConnectTimeout: defaultNatsConnectTimeout,
	}
}

// Configuration holds application configuration read from a YAML or set by env variables.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// Port is the serial device the board console is attached to, e.g. /dev/ttyUSB0.
	Port string `mapstructure:"port"`

	// DryRun drives a simulated board instead of the serial port.
	DryRun bool `mapstructure:"dry_run"`

	// AssumeYes acknowledges operator checkpoints without waiting for input.
	AssumeYes bool `mapstructure:"assume_yes"`

	// TranscriptFile receives a copy of the console transcript when set.
	TranscriptFile string `mapstructure:"transcript_file"`

	// MetricsAddress is the listen address of the metrics endpoint, disabled when empty.
	MetricsAddress string `mapstructure:"metrics_address"`

	EnableProfiling bool `mapstructure:"enable_profiling"`

	// ProfilingAddress is the listen address of the pprof endpoint when profiling is enabled.
	ProfilingAddress string `mapstructure:"profiling_address"`

	// NatsConfig defines the NATs events broker configuration parameters.
	NatsConfig *NatsConfig `mapstructure:"nats"`

	Images      *model.ImageSet          `mapstructure:"images"`
	Application *model.ApplicationParams `mapstructure:"application"`

	// Console holds the firmware literals, timeouts and retry budgets.
	Console *model.ConsoleProfile `mapstructure:"console"`
}

// New creates a configuration populated with the defaults.
func New() *Configuration {
	images := model.DefaultImageSet()
	console := model.DefaultConsoleProfile()

	// the profile defaults are deep copied so callers never share the slices
	// of the default profile
	copied, err := copystructure.Copy(&console)
	if err != nil {
		panic(errors.Wrap(err, "copy default console profile"))
	}

	return &Configuration{
		LogLevel:    "info",
		NatsConfig:  newNatsConfig(),
		Images:      &images,
		Application: &model.ApplicationParams{},
		Console:     copied.(*model.ConsoleProfile),
	}
}

func (c *Configuration) AsLogFields() []any {
	return []any{
		"logLevel", c.LogLevel,
		"port", c.Port,
		"dryRun", c.DryRun,
		"assumeYes", c.AssumeYes,
		"transcriptFile", c.TranscriptFile,
		"metricsAddress", c.MetricsAddress,
		"natsURL", c.NatsConfig.URL,
		"enableProfiling", c.EnableProfiling,
		"profilingAddress", c.ProfilingAddress,
	}
}

// LoadArgs applies the command line arguments that were set.
func (c *Configuration) LoadArgs(args *model.Args) {
	setString(&c.LogLevel, args.LogLevel)
	setString(&c.Port, args.Port)
	setString(&c.TranscriptFile, args.TranscriptFile)
	setString(&c.MetricsAddress, args.MetricsAddress)
	setString(&c.ProfilingAddress, args.ProfilingAddress)

	c.EnableProfiling = c.EnableProfiling || args.EnableProfiling
	c.DryRun = c.DryRun || args.DryRun
	c.AssumeYes = c.AssumeYes || args.AssumeYes

	setString(&c.Images.Bootloader, args.Images.Bootloader)
	setString(&c.Images.Boot, args.Images.Boot)
	setString(&c.Images.Rootfs, args.Images.Rootfs)
	setString(&c.Images.Recovery, args.Images.Recovery)

	setString(&c.Application.SerialNumber, args.Application.SerialNumber)
	setString(&c.Application.Model, args.Application.Model)
	setString(&c.Application.Build, args.Application.Build)
	setString(&c.Application.RootPassword, args.Application.RootPassword)
	setString(&c.Application.CurrentRootPassword, args.Application.CurrentRootPassword)

	if args.Application.Unit != 0 {
		c.Application.Unit = args.Application.Unit
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Load the application configuration
// Reads in the configFile when available and overrides from environment variables,
// command line arguments take precedence over both.
func Load(args *model.Args) (*Configuration, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	// decoding a list into a populated slice keeps the trailing defaults
	if viperConfig.IsSet("console.errors") {
		config.Console.Errors = nil
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	config.envVarAppOverrides(viperConfig)
	config.envVarNatsOverrides(viperConfig)
	config.LoadArgs(args)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Configuration) envVarAppOverrides(viperConfig *viper.Viper) {
	logLevel := viperConfig.GetString("log.level")
	if logLevel != "" {
		c.LogLevel = logLevel
	}
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

func (c *Configuration) envVarNatsOverrides(viperConfig *viper.Viper) {
	if c.NatsConfig == nil {
		c.NatsConfig = newNatsConfig()
	}

	if viperConfig.GetString("nats.url") != "" {
		c.NatsConfig.URL = viperConfig.GetString("nats.url")
	}

	if viperConfig.GetString("nats.creds.file") != "" {
		c.NatsConfig.CredsFile = viperConfig.GetString("nats.creds.file")
	}

	if viperConfig.GetDuration("nats.connect.timeout") != 0 {
		c.NatsConfig.ConnectTimeout = viperConfig.GetDuration("nats.connect.timeout")
	}

	if c.NatsConfig.Subject == "" {
		c.NatsConfig.Subject = DefaultNatsSubject
	}
}

// Validate checks the settings every run depends on. Image names and the
// serial number are checked per stage, right before a run starts.
// nolint:gocyclo // parameter validation is cyclomatic
func (c *Configuration) Validate() error {
	if c.Port == "" && !c.DryRun {
		return errors.Wrap(model.ErrConfig, "no serial port given, set --port or port")
	}

	p := c.Console
	if p == nil {
		return errors.Wrap(model.ErrConfig, "console profile missing")
	}

	if p.BootloaderPrompt == "" || p.LoginPrompt == "" || p.ShellPrompt == "" {
		return errors.Wrap(model.ErrConfig, "console prompts must not be empty")
	}

	if p.LineEnding == "" {
		return errors.Wrap(model.ErrConfig, "console line ending must not be empty")
	}

	timeouts := map[string]time.Duration{
		"probe":     p.Timeouts.Probe,
		"power_on":  p.Timeouts.PowerOn,
		"interrupt": p.Timeouts.Interrupt,
		"prompt":    p.Timeouts.Prompt,
		"flash":     p.Timeouts.Flash,
		"rootfs":    p.Timeouts.Rootfs,
		"boot":      p.Timeouts.Boot,
		"setup":     p.Timeouts.Setup,
	}

	for name, d := range timeouts {
		if d <= 0 {
			return errors.Wrapf(model.ErrConfig, "console.timeouts.%s must be positive", name)
		}
	}

	if p.Retries.Probe < 0 || p.Retries.Prompt < 0 || p.Retries.Flash < 0 {
		return errors.Wrap(model.ErrConfig, "console retries must not be negative")
	}

	return nil
}
