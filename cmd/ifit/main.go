package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/ianchi/ifit/internal/activation"
	"github.com/ianchi/ifit/internal/bt"
	"github.com/ianchi/ifit/internal/ftms"
	"github.com/ianchi/ifit/internal/monitor"
	"github.com/ianchi/ifit/internal/protocol"
	"github.com/ianchi/ifit/internal/session"
)

const usage = `iFit BLE command-line interface

Usage:
  ifit scan [--code XXXX]               Scan for iFit equipment
  ifit activate ADDRESS                 Try known activation codes
  ifit info ADDRESS CODE                Show equipment information
  ifit get ADDRESS CODE [NAME...]       Read characteristic values
  ifit set ADDRESS CODE NAME=VALUE...   Write characteristic values
  ifit monitor ADDRESS [CODE]           Live dashboard (read-only without CODE)
  ifit relay ADDRESS CODE               Expose equipment as an FTMS peripheral

Flags:
`

func main() {
	flags := pflag.NewFlagSet("ifit", pflag.ExitOnError)
	flags.String("code", "", "4-digit display code to filter scans")
	flags.String("name", "iFit FTMS", "advertising name for the relay")
	flags.Duration("scan-timeout", 10*time.Second, "scan duration")
	flags.Duration("response-timeout", session.DefaultResponseTimeout, "response deadline")
	flags.Duration("connect-timeout", session.DefaultConnectTimeout, "connect deadline")
	flags.Duration("monitor-interval", session.DefaultMonitorInterval, "poll pacing for monitor and relay")
	flags.Int("max-attempts", 0, "maximum activation codes to try (0 = all)")
	flags.String("codes-file", "", "CSV file with activation codes")
	flags.String("log-file", "", "log file path (default ~/.ifit/ifit.log)")
	flags.Bool("verbose", false, "log to stderr as well")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".ifit"))
	}
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("ifit")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := newLogger()

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}

	app := &cli{logger: logger}
	var err error
	switch args[0] {
	case "scan":
		err = app.scan()
	case "activate":
		err = app.activate(args[1:])
	case "info":
		err = app.info(args[1:])
	case "get":
		err = app.get(args[1:])
	case "set":
		err = app.set(args[1:])
	case "monitor":
		err = app.monitor(args[1:])
	case "relay":
		err = app.relay(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		flags.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Printf("command %s failed: %v", args[0], err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	logFile := viper.GetString("log-file")
	if logFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		logFile = filepath.Join(home, ".ifit", "ifit.log")
	}
	var sink io.Writer = &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	if viper.GetBool("verbose") {
		sink = io.MultiWriter(sink, os.Stderr)
	}
	return log.New(sink, "", log.LstdFlags)
}

type cli struct {
	logger *log.Logger
}

func (c *cli) sessionOptions() session.Options {
	return session.Options{
		ResponseTimeout: viper.GetDuration("response-timeout"),
		ConnectTimeout:  viper.GetDuration("connect-timeout"),
		MonitorInterval: viper.GetDuration("monitor-interval"),
	}
}

func (c *cli) newManager() (*bt.Manager, error) {
	manager := bt.NewManager(bluetooth.DefaultAdapter, c.logger)
	if err := manager.Enable(); err != nil {
		return nil, fmt.Errorf("could not enable BLE adapter: %w", err)
	}
	return manager, nil
}

// findDevice scans until the device with the given address shows up.
func (c *cli) findDevice(ctx context.Context, manager *bt.Manager, address string) (bt.Device, error) {
	if d := manager.DeviceByAddress(address); d != nil {
		return d, nil
	}
	if err := manager.StartScan(); err != nil {
		return nil, err
	}
	defer manager.StopScan()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("device %s not found: %w", address, ctx.Err())
		case <-ticker.C:
			if d := manager.DeviceByAddress(address); d != nil {
				return d, nil
			}
		}
	}
}

// openSession connects, initializes, and (with a code) authenticates.
func (c *cli) openSession(ctx context.Context, manager *bt.Manager, address, code string) (*session.Session, error) {
	opts := c.sessionOptions()

	findCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	device, err := c.findDevice(findCtx, manager, address)
	cancel()
	if err != nil {
		return nil, err
	}

	transport, err := bt.Dial(ctx, manager, device, c.logger, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	sess := session.New(transport, c.logger, opts)
	if err := sess.Open(); err != nil {
		return nil, err
	}
	if _, err := sess.Initialize(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	if code != "" {
		raw, err := activation.DecodeCode(code)
		if err != nil {
			sess.Close()
			return nil, err
		}
		if err := sess.Enable(ctx, raw); err != nil {
			sess.Close()
			return nil, err
		}
	}
	return sess, nil
}

func (c *cli) scan() error {
	manager, err := c.newManager()
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	timeout := viper.GetDuration("scan-timeout")
	if code := viper.GetString("code"); code != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		device, err := manager.FindByDisplayCode(ctx, code)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s  code=%s\n", device.AddressString(), device.LocalName(), device.DisplayCode())
		return nil
	}

	if err := manager.StartScan(); err != nil {
		return err
	}
	fmt.Printf("Scanning for %v...\n", timeout)
	time.Sleep(timeout)
	manager.StopScan()

	devices := manager.ScanDevices()
	if len(devices) == 0 {
		fmt.Println("No iFit devices found")
		return nil
	}
	for _, d := range devices {
		rssi, _ := d.RSSI()
		fmt.Printf("%s  %s  code=%s  rssi=%d\n", d.AddressString(), d.LocalName(), d.DisplayCode(), rssi)
	}
	return nil
}

func (c *cli) activate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ifit activate ADDRESS")
	}
	address := args[0]

	codesFile := viper.GetString("codes-file")
	if codesFile == "" {
		return fmt.Errorf("--codes-file (or codes-file in the config) is required")
	}
	entries, err := activation.LoadCodes(codesFile)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d activation codes, trying them against %s...\n", len(entries), address)

	manager, err := c.newManager()
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	ctx := context.Background()
	sess, err := c.openSession(ctx, manager, address, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	entry, err := activation.TryCodes(ctx, sess, entries, viper.GetInt("max-attempts"), c.logger)
	if err != nil {
		return err
	}

	store := activation.NewStore(c.logger)
	store.Put(address, activation.StoredCode{Code: entry.Code, Model: entry.Model})

	fmt.Printf("Activated: model %s\nCode: %s\n", entry.Model, entry.Code)
	return nil
}

func (c *cli) info(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ifit info ADDRESS CODE")
	}
	manager, err := c.newManager()
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	sess, err := c.openSession(context.Background(), manager, args[0], args[1])
	if err != nil {
		return err
	}
	defer sess.Close()

	info := sess.Info()
	fmt.Printf("Equipment:    %s\n", info.Equipment)
	if info.SerialNumber != "" {
		fmt.Printf("Serial:       %s\n", info.SerialNumber)
	}
	if info.FirmwareVersion != "" {
		fmt.Printf("Firmware:     %s\n", info.FirmwareVersion)
	}
	if info.ReferenceNumber != 0 {
		fmt.Printf("Reference:    %d\n", info.ReferenceNumber)
	}
	fmt.Printf("Capabilities: %v\n", info.SupportedCapabilities)

	ids := make([]int, 0, len(info.Characteristics))
	for id := range info.Characteristics {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	fmt.Printf("Characteristics (%d):\n", len(ids))
	for _, id := range ids {
		if char, ok := protocol.CharacteristicByID(uint8(id)); ok {
			fmt.Printf("  %3d  %s\n", id, char.Name)
		} else {
			fmt.Printf("  %3d  (unknown)\n", id)
		}
	}
	for name, v := range info.Limits {
		fmt.Printf("%s: %s\n", name, v)
	}
	return nil
}

func (c *cli) get(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ifit get ADDRESS CODE [NAME...]")
	}
	manager, err := c.newManager()
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	ctx := context.Background()
	sess, err := c.openSession(ctx, manager, args[0], args[1])
	if err != nil {
		return err
	}
	defer sess.Close()

	var values map[string]protocol.Value
	if len(args) == 2 {
		values, err = sess.ReadCurrentValues(ctx)
	} else {
		values, err = sess.ReadByName(ctx, args[2:])
	}
	if err != nil {
		return err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %s\n", name, values[name])
	}
	return nil
}

func (c *cli) set(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: ifit set ADDRESS CODE NAME=VALUE...")
	}
	writes := make(map[string]protocol.Value, len(args)-2)
	for _, pair := range args[2:] {
		name, raw, found := strings.Cut(pair, "=")
		if !found {
			return fmt.Errorf("invalid argument %q, expected NAME=VALUE", pair)
		}
		value, err := parseValue(name, raw)
		if err != nil {
			return err
		}
		writes[name] = value
	}

	manager, err := c.newManager()
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	ctx := context.Background()
	sess, err := c.openSession(ctx, manager, args[0], args[1])
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.WriteByName(ctx, writes); err != nil {
		return err
	}
	fmt.Printf("Set %s\n", strings.Join(args[2:], ", "))
	return nil
}

// parseValue interprets a CLI string according to the characteristic's
// converter.
func parseValue(name, raw string) (protocol.Value, error) {
	char, ok := protocol.CharacteristicByName(name)
	if !ok {
		return protocol.Value{}, fmt.Errorf("unknown characteristic name %q", name)
	}
	switch char.Converter {
	case protocol.ConvDouble, protocol.ConvScaled32:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return protocol.Value{}, fmt.Errorf("invalid value %q for %s: %w", raw, name, err)
		}
		return protocol.FloatValue(f), nil
	case protocol.ConvBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return protocol.Value{}, fmt.Errorf("invalid value %q for %s: %w", raw, name, err)
		}
		return protocol.BoolValue(b), nil
	default:
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return protocol.Value{}, fmt.Errorf("invalid value %q for %s: %w", raw, name, err)
		}
		return protocol.UintValue(uint32(n)), nil
	}
}

func (c *cli) monitor(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ifit monitor ADDRESS [CODE]")
	}
	code := ""
	if len(args) > 1 {
		code = args[1]
	}

	manager, err := c.newManager()
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	sess, err := c.openSession(context.Background(), manager, args[0], code)
	if err != nil {
		return err
	}
	defer sess.Close()

	return monitor.NewView(sess, c.logger).Run()
}

func (c *cli) relay(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ifit relay ADDRESS CODE")
	}
	manager, err := c.newManager()
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	sess, err := c.openSession(context.Background(), manager, args[0], args[1])
	if err != nil {
		return err
	}
	defer sess.Close()

	relay := ftms.NewRelay(bluetooth.DefaultAdapter, sess, c.logger,
		viper.GetString("name"), viper.GetDuration("monitor-interval"))
	if err := relay.Start(); err != nil {
		return err
	}
	defer relay.Stop()

	fmt.Println("FTMS relay running, Ctrl+C to stop")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()
	return nil
}
