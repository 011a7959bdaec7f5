package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/audit"
	"github.com/newtron-network/newtdeploy/pkg/cli"
	"github.com/newtron-network/newtdeploy/pkg/deploy"
	"github.com/newtron-network/newtdeploy/pkg/device"
	"github.com/newtron-network/newtdeploy/pkg/image"
	"github.com/newtron-network/newtdeploy/pkg/results"
	"github.com/newtron-network/newtdeploy/pkg/setup"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

type deployFlags struct {
	setupName          string
	deviceNames        string
	baseVersion        string
	targetVersion      string
	deployType         string
	fwPkgPath          string
	wjhDebURL          string
	applyBaseConfig    bool
	rebootAfterInstall bool
	serveFiles         bool
	listenAddr         string
	advertiseHost      string
	shutdownBGP        bool
	disableZTP         bool
	parallel           bool
	saveConfigDB       bool
	useRedis           bool
}

func newDeployCmd() *cobra.Command {
	var f deployFlags
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Install an image on the devices of a setup",
		Long: `Install the base image, and optionally upgrade to a target image, on
one or more devices of a setup.

The base image is installed with --deploy_type. A target image is then
installed with sonic-installer on top of it (bfb flows reinstall with
bfb-install).

Examples:
  newtdeploy deploy --setup_name r-tigris-04 --base_version /auto/sw_system_release/sonic/master.123/sonic-mellanox.bin
  newtdeploy deploy --setup_name r-tigris-04 --device dut1,dut2 --parallel \
      --base_version /auto/.../sonic-mellanox.bin --deploy_type sonic --apply_base_config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runDeploy(ctx, f)
		},
	}
	addSetupFlags(cmd, &f.setupName, &f.deviceNames)
	fl := cmd.Flags()
	fl.StringVar(&f.baseVersion, "base_version", "", "image to install (NFS path or URL)")
	fl.StringVar(&f.targetVersion, "target_version", "", "image to upgrade to after the base install")
	fl.StringVar(&f.deployType, "deploy_type", string(deploy.MechanismONIE), "install mechanism: onie, sonic, bfb or pxe")
	fl.StringVar(&f.fwPkgPath, "fw_pkg_path", "", "firmware package installed alongside the image")
	fl.StringVar(&f.wjhDebURL, "wjh_deb_url", "", "what-just-happened package to install after deploy")
	fl.BoolVar(&f.applyBaseConfig, "apply_base_config", false, "apply the setup's port_config.ini and config_db.json")
	fl.BoolVar(&f.rebootAfterInstall, "reboot_after_install", false, "reboot until containers come up (2 attempts)")
	fl.BoolVar(&f.serveFiles, "serve_files", false, "serve local images over HTTP from this host")
	fl.StringVar(&f.listenAddr, "listen", ":0", "listen address with --serve_files")
	fl.StringVar(&f.advertiseHost, "advertise_host", "", "host name devices use to reach this host (default: hostname)")
	fl.BoolVar(&f.shutdownBGP, "shutdown_bgp", false, "shut BGP down during install and start it afterwards")
	fl.BoolVar(&f.disableZTP, "disable_ztp", false, "disable ZTP after install")
	fl.BoolVar(&f.parallel, "parallel", false, "deploy all devices at once")
	fl.BoolVar(&f.saveConfigDB, "save_config_db", false, "store <version>_config_db.json in the results store")
	fl.BoolVar(&f.useRedis, "redis", false, "read link state from STATE_DB instead of the CLI")
	cmd.MarkFlagRequired("base_version")
	return cmd
}

// stage is one install pass over every device.
type stage struct {
	role      string
	image     string
	mechanism deploy.Mechanism
}

func deployStages(f deployFlags, urls map[string]string, mech deploy.Mechanism) []stage {
	pick := func(role, path string) string {
		// bfb-install reads the image from disk.
		if mech == deploy.MechanismBFB || urls[role] == "" {
			return path
		}
		return urls[role]
	}
	stages := []stage{{role: image.RoleBase, image: pick(image.RoleBase, f.baseVersion), mechanism: mech}}
	if f.targetVersion != "" {
		upgrade := deploy.MechanismSONiC
		if mech == deploy.MechanismBFB {
			upgrade = deploy.MechanismBFB
		}
		stages = append(stages, stage{role: image.RoleTarget, image: pick(image.RoleTarget, f.targetVersion), mechanism: upgrade})
	}
	return stages
}

func runDeploy(ctx context.Context, f deployFlags) error {
	mech, err := deploy.ParseMechanism(f.deployType)
	if err != nil {
		return err
	}
	s, err := loadSetup(f.setupName)
	if err != nil {
		return err
	}
	devs, err := selectDevices(s, f.deviceNames)
	if err != nil {
		return err
	}
	httpBase := conf.GetString(keyHTTPBase)
	if httpBase == "" {
		httpBase = s.HTTPBase
	}

	urls, srv, err := image.Prepare(ctx, f.baseVersion, f.targetVersion, image.PrepareOptions{
		Serve:         f.serveFiles && mech != deploy.MechanismBFB,
		HTTPBase:      httpBase,
		ListenAddr:    f.listenAddr,
		AdvertiseHost: f.advertiseHost,
	})
	if err != nil {
		return err
	}
	if srv != nil {
		defer srv.Close()
	}

	orchs := make([]*deploy.Orchestrator, len(devs))
	for i, d := range devs {
		orchs[i] = deploy.New(d)
		defer d.Disconnect()
	}
	if f.useRedis {
		closeRedis := attachRedis(ctx, orchs)
		defer closeRedis()
	}

	for _, st := range deployStages(f, urls, mech) {
		req := deploy.Request{
			ImagePath:          st.image,
			Mechanism:          st.mechanism,
			FirmwarePath:       f.fwPkgPath,
			SetupName:          s.Name,
			HTTPBase:           httpBase,
			SharedPath:         s.SharedPath,
			ApplyBaseConfig:    f.applyBaseConfig,
			RebootAfterInstall: f.rebootAfterInstall,
			ShutdownBGP:        f.shutdownBGP,
			DisableZTP:         f.disableZTP,
			WJHDebURL:          f.wjhDebURL,
		}
		fmt.Printf("Deploying %s (%s) to %d device(s)\n", st.role, st.mechanism, len(orchs))
		outcomes, err := runStage(ctx, orchs, req, f.parallel)
		printOutcomes(outcomes)
		recordOutcomes(s.Name, st.role, outcomes, err)
		if err != nil {
			return fmt.Errorf("%s deploy: %w", st.role, err)
		}
	}

	if f.saveConfigDB {
		return saveConfigDBs(ctx, s, orchs)
	}
	return nil
}

func runStage(ctx context.Context, orchs []*deploy.Orchestrator, req deploy.Request, parallel bool) ([]*deploy.Outcome, error) {
	if parallel {
		return deploy.DeployAll(ctx, orchs, req)
	}
	var outcomes []*deploy.Outcome
	for _, o := range orchs {
		out, err := o.Run(ctx, req)
		if out != nil {
			outcomes = append(outcomes, out)
		}
		if err != nil {
			return outcomes, fmt.Errorf("%s: %w", o.Device.Name, err)
		}
	}
	return outcomes, nil
}

// attachRedis points each orchestrator's link checks at STATE_DB. Devices
// whose Redis cannot be reached keep the CLI reader.
func attachRedis(ctx context.Context, orchs []*deploy.Orchestrator) func() {
	var open []*device.Redis
	for _, o := range orchs {
		r, err := device.OpenRedis(ctx, o.Device)
		if err != nil {
			util.WithDevice(o.Device.Name).Warnf("STATE_DB unavailable, using CLI link state: %v", err)
			continue
		}
		o.PortStatus = r.State
		if err := r.FillPlatform(ctx, o.Device); err != nil {
			util.WithDevice(o.Device.Name).Warnf("DEVICE_METADATA: %v", err)
		}
		open = append(open, r)
	}
	return func() {
		for _, r := range open {
			r.Close()
		}
	}
}

func saveConfigDBs(ctx context.Context, s *setup.Setup, orchs []*deploy.Orchestrator) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range orchs {
		db, err := o.CLI().ConfigDB(ctx)
		if err == nil {
			var name string
			name, err = results.WriteExtendedConfigDB(ctx, store, s.Name, o.Device.ImageVersion, db)
			if err == nil {
				fmt.Printf("Saved %s for %s\n", name, o.Device.Name)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: saving config_db: %w", o.Device.Name, err))
		}
	}
	return errors.Join(errs...)
}

// recordOutcomes writes one audit event per device. A device's own
// failure is its last transition note; stageErr is kept for devices
// without one.
func recordOutcomes(setupName, role string, outcomes []*deploy.Outcome, stageErr error) {
	op := audit.OpDeployBase
	if role == image.RoleTarget {
		op = audit.OpDeployTarget
	}
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		e := audit.NewEvent(currentUser(), setupName, out.Device, op).WithOutcome(out)
		if out.State() == deploy.StateDone {
			e.WithSuccess()
		} else {
			err := stageErr
			if n := len(out.Transitions); n > 0 && out.Transitions[n-1].Note != "" {
				err = errors.New(out.Transitions[n-1].Note)
			}
			e.WithError(err)
		}
		if err := audit.Log(e); err != nil {
			util.Warnf("audit: %v", err)
		}
	}
}

func printOutcomes(outcomes []*deploy.Outcome) {
	t := cli.NewTable("DEVICE", "MECHANISM", "STATE", "BINARY", "RETRIED", "DURATION")
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		state := string(out.State())
		switch out.State() {
		case deploy.StateDone:
			state = green(state)
		case deploy.StateFailed, deploy.StateUnreachable:
			state = red(state)
		default:
			state = yellow(state)
		}
		retried := "no"
		if out.Retried {
			retried = "yes"
		}
		t.Row(out.Device, string(out.Mechanism), state, out.Binary, retried,
			out.Finished.Sub(out.Started).Round(time.Second).String())
	}
	t.Flush()
}
