package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"dtrq-ng/internal/config"
	"dtrq-ng/internal/i2c"
	"dtrq-ng/internal/mux"
	"dtrq-ng/internal/sensors/mpu6050"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:        "probe",
		SuggestFor: []string{"pro", "prob"},
		Short:      "select each mux channel and report what answers",
		Long: `probe selects every multiplexer channel in turn and reads the identity
register of the sensor configured there, then the PWM chip's MODE1 register.
It does not initialize anything.`,
		Example: `  dtrq-ng probe --config=/etc/dtrq-ng/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			bus, err := i2c.Open(cfg.I2C.Bus)
			if err != nil {
				return err
			}
			defer bus.Close()
			return probe(cmd.OutOrStdout(), mux.FromI2C(bus), cfg)
		},
	}
}

// probe writes one line per device and returns an error only if the
// multiplexer itself is unusable.
func probe(w io.Writer, bus mux.Bus, cfg config.Config) error {
	m, err := mux.New(bus, cfg.I2C.MuxAddress)
	if err != nil {
		return err
	}
	if err := m.SelectDevice(mux.Main); err != nil {
		return fmt.Errorf("mux at 0x%02X not responding: %w", cfg.I2C.MuxAddress, err)
	}

	for _, d := range mux.Sensors {
		sc := cfg.Sensors[d.String()]
		ch, _ := d.Channel()
		prefix := fmt.Sprintf("%-12s ch=%d addr=0x%02X", d, ch, sc.Address)
		dev, err := m.Channel(d, sc.Address)
		if err != nil {
			fmt.Fprintf(w, "%s error: %v\n", prefix, err)
			continue
		}
		id, err := mpu6050.Probe(dev)
		switch {
		case err != nil:
			fmt.Fprintf(w, "%s error: %v\n", prefix, err)
		case id != mpu6050.DeviceID:
			fmt.Fprintf(w, "%s unexpected id=0x%02X (%s)\n", prefix, id, sc.Model)
		default:
			fmt.Fprintf(w, "%s ok id=0x%02X (%s)\n", prefix, id, sc.Model)
		}
	}

	ch, _ := mux.PWMManager.Channel()
	prefix := fmt.Sprintf("%-12s ch=%d addr=0x%02X", mux.PWMManager, ch, cfg.PWM.Address)
	dev, err := m.Channel(mux.PWMManager, cfg.PWM.Address)
	if err != nil {
		fmt.Fprintf(w, "%s error: %v\n", prefix, err)
		return nil
	}
	mode1, err := dev.ReadRegU8(0x00)
	if err != nil {
		fmt.Fprintf(w, "%s error: %v\n", prefix, err)
		return nil
	}
	fmt.Fprintf(w, "%s ok mode1=0x%02X\n", prefix, mode1)
	return nil
}
