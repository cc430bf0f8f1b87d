package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/droid-agent/pkg/apkinfo"
	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/emulator"
)

var startDeviceCommand = &cli.Command{
	Name:  "start-device",
	Usage: "Reuse or boot an Android emulator",
	Description: `Makes sure an emulator is booted and prints its serial. A running
emulator is reused; otherwise the requested AVD (or ai_device, or the first
AVD) is started.

Examples:
  droid-agent start-device
  droid-agent start-device --create
  droid-agent start-device --avd Pixel_7 --wipe-data --partition-size 4096`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "avd",
			Usage: "AVD to start (default: ai_device, then the first AVD)",
		},
		&cli.BoolFlag{
			Name:  "create",
			Usage: "Create the AVD first when it does not exist",
		},
		&cli.BoolFlag{
			Name:  "wipe-data",
			Usage: "Start with -wipe-data (env EMULATOR_WIPE_DATA)",
		},
		&cli.IntFlag{
			Name:  "partition-size",
			Usage: "Data partition size in MB (env EMULATOR_PARTITION_SIZE_MB)",
		},
	},
	Action: runStartDevice,
}

var apkInfoCommand = &cli.Command{
	Name:      "apk-info",
	Usage:     "Print the package and launchable activity of an APK",
	ArgsUsage: "<app.apk>",
	Action:    runAPKInfo,
}

var doctorCommand = &cli.Command{
	Name:   "doctor",
	Usage:  "Check the Android SDK tools droid-agent needs",
	Action: runDoctor,
}

func runStartDevice(c *cli.Context) error {
	st, err := loadSettings(c)
	if err != nil {
		return err
	}

	if c.Bool("create") {
		name := st.AVD
		if name == "" {
			name = emulator.PreferredAVD
		}
		printSetupStep("Creating AVD: %s", name)
		if err := emulator.CreateAVD(name); err != nil {
			return fmt.Errorf("create AVD %s: %w", name, err)
		}
		st.AVD = name
		printSetupSuccess("AVD ready: %s", name)
	}

	printSetupStep("Ensuring emulator is ready...")
	serial, err := newManager(st).EnsureReady(st.AVD, startOptions(st))
	if err != nil {
		return err
	}
	printSetupSuccess("Emulator ready: %s", serial)
	return nil
}

func runAPKInfo(c *cli.Context) error {
	if c.NArg() != 1 {
		return core.ErrMissingRequired.WithMessage("apk-info expects exactly one APK path")
	}
	info, err := apkinfo.Read(c.Args().First())
	if perr := printJSON(os.Stdout, info); perr != nil {
		return perr
	}
	if err != nil {
		return errRunFailed
	}
	return nil
}

func runDoctor(c *cli.Context) error {
	tc := emulator.CheckToolchain()
	if err := printJSON(os.Stdout, tc); err != nil {
		return err
	}
	if !tc.OK {
		return errRunFailed
	}
	return nil
}
