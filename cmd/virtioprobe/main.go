//go:build linux

// virtioprobe brings up the transport of one or more vfio-bound virtio
// functions far enough to report their identity, feature bits and ring
// geometry, then resets them again. It is a hardware smoke test for the
// transport layer, not a device driver.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtio"
	"github.com/tinyrange/virtio/pci"
	"github.com/tinyrange/virtio/vfio"
)

type probeTarget struct {
	// Group is the vfio group node, e.g. /dev/vfio/12.
	Group string `yaml:"group"`
	// Address is the full PCI address, e.g. 0000:00:04.0.
	Address string `yaml:"address"`
	// DeviceID, when set, must match the function's device ID.
	DeviceID uint16 `yaml:"device_id"`
	// Rings is how many virtqueues to report on. Defaults to 1.
	Rings uint16 `yaml:"rings"`
	// ConfigBytes is how much device-specific configuration to dump.
	ConfigBytes int `yaml:"config_bytes"`
}

type manifest struct {
	Devices []probeTarget `yaml:"devices"`
}

// probeDriver satisfies the driver callbacks with logging only; the
// probe never programs rings, so interrupts are not expected.
type probeDriver struct {
	log *slog.Logger
}

func (p *probeDriver) IrqRingUpdate()   { p.log.Info("unexpected ring interrupt") }
func (p *probeDriver) IrqConfigChange() { p.log.Info("device configuration changed") }

func probe(target probeTarget) error {
	log := slog.Default().With("address", target.Address)

	fn, err := vfio.Open(target.Group, target.Address)
	if err != nil {
		return err
	}
	defer fn.Close()

	info := fn.Info()
	log.Info("opened function",
		"vendor", fmt.Sprintf("%04x", info.VendorID),
		"device", fmt.Sprintf("%04x", info.DeviceID))

	if target.DeviceID != 0 && info.DeviceID != target.DeviceID {
		return fmt.Errorf("device id %04x does not match expected %04x", info.DeviceID, target.DeviceID)
	}

	backend, err := pci.NewBackend(fn, info)
	if err != nil {
		return err
	}
	if err := backend.Bind(); err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	dev := virtio.NewDevice(fn, backend, &probeDriver{log: log})
	defer dev.Close()

	// Full status handshake up to FEATURES_OK. DRIVER_OK is deliberately
	// never set: the probe has no rings to offer the device.
	dev.DeviceReset()
	dev.DriverStatusAck()

	features := dev.GetFeatures()
	log.Info("device features", "features", fmt.Sprintf("%#016x", features))

	if features&(1<<virtio.VIRTIO_F_VERSION_1) != 0 {
		dev.AcknowledgeFeature(virtio.VIRTIO_F_VERSION_1)
	}
	if err := dev.StatusFeaturesOK(); err != nil {
		dev.DeviceReset()
		return fmt.Errorf("feature negotiation: %w", err)
	}

	rings := target.Rings
	if rings == 0 {
		rings = 1
	}
	for ring := uint16(0); ring < rings; ring++ {
		log.Info("ring", "index", ring, "maxSize", dev.GetRingSize(ring))
	}

	if target.ConfigBytes > 0 {
		buf := make([]byte, target.ConfigBytes)
		dev.CopyDeviceConfig(buf)
		log.Info("device config", "bytes", fmt.Sprintf("%x", buf))
	}

	// Leave the device the way we found it.
	dev.DeviceReset()
	return nil
}

func run(manifestPath string) error {
	f, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var m manifest
	if err := yaml.NewDecoder(f).Decode(&m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Devices) == 0 {
		return fmt.Errorf("manifest lists no devices")
	}

	var group errgroup.Group
	for _, target := range m.Devices {
		group.Go(func() error {
			if err := probe(target); err != nil {
				return fmt.Errorf("%s: %w", target.Address, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	manifestPath := fs.String("manifest", "", "YAML manifest of devices to probe")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *manifestPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := run(*manifestPath); err != nil {
		fmt.Fprintf(os.Stderr, "virtioprobe: %v\n", err)
		os.Exit(1)
	}
}
