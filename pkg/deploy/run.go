package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/sonic"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Run deploys req onto the device: optional BGP shutdown, install with
// the single InstallationError retry, post-install checks, optional base
// config with fixups, optional reboot validation. Failures other than the
// retried one are returned immediately.
func (o *Orchestrator) Run(ctx context.Context, req Request) (out *Outcome, err error) {
	if !req.validated {
		if req, err = req.Validate(); err != nil {
			return nil, err
		}
	}
	out = &Outcome{
		Device:    o.Device.Name,
		Mechanism: req.Mechanism,
		ImageURL:  req.ImageURL(),
		Started:   time.Now(),
	}
	o.outcome = out
	log := o.log()
	log.Infof("Deploying %s via %s", req.ImageURL(), req.Mechanism)
	defer func() {
		if err != nil {
			o.transition(StateFailed, err.Error())
		}
		out.Finished = time.Now()
		o.outcome = nil
	}()

	if req.ShutdownBGP {
		defer func() {
			if serr := o.startupBGP(ctx); serr != nil {
				err = errors.Join(err, serr)
			}
		}()
		if err := o.shutdownBGP(ctx); err != nil {
			return out, err
		}
	}

	upBefore := o.linksUp(ctx)

	binary, err := o.installWithRetry(ctx, req)
	if err != nil {
		return out, err
	}
	out.Binary = binary

	o.transition(StatePostInstallChecks, "")
	// The branch decides which CLI variant drives the new image.
	if err := o.Device.Refresh(ctx); err != nil {
		return out, err
	}
	out.Branch = o.Device.Branch
	cli := o.CLI()

	if binary != "" {
		if err := o.verifyCurrentImage(ctx, cli, binary); err != nil {
			return out, err
		}
	}
	dockers := o.dockers()
	if err := cli.VerifyDockersUp(ctx, dockers, req.DockerTries); err != nil {
		return out, err
	}
	if len(upBefore) > 0 {
		if err := cli.CheckLinkState(ctx, upBefore); err != nil {
			return out, err
		}
	}

	if req.DisableZTP {
		if _, err := o.Device.Engine.RunCmd(ctx, "sudo config ztp disable -y", engine.Validate()); err != nil {
			return out, err
		}
	}

	again := false
	if req.ApplyBaseConfig {
		if err := o.ApplyBaseConfig(ctx, cli, req, upBefore); err != nil {
			return out, err
		}
		if err := o.ApplyFixups(ctx, cli); err != nil {
			return out, err
		}
		again = true
	}
	if req.RebootAfterInstall {
		o.ValidateDockersRebootIfFail(ctx, cli, dockers, req.DockerTries)
		again = true
	}
	if req.WJHDebURL != "" {
		if err := o.InstallWJH(ctx, cli, req.WJHDebURL); err != nil {
			return out, err
		}
		again = true
	}
	if again {
		if err := cli.VerifyDockersUp(ctx, dockers, req.DockerTries); err != nil {
			return out, err
		}
	}

	o.transition(StateDone, o.Device.ImageVersion)
	return out, nil
}

func (o *Orchestrator) dockers() []string {
	if o.Device.IsBluefield {
		return BluefieldDockersList
	}
	return sonic.DockersList
}

// verifyCurrentImage re-detects the installer flavour, which may differ in
// the new image, and checks the running image.
func (o *Orchestrator) verifyCurrentImage(ctx context.Context, cli sonic.GeneralCLI, binary string) error {
	delim, err := cli.InstallerDelimiter(ctx)
	if err != nil {
		return err
	}
	list, err := cli.ListImages(ctx, delim)
	if err != nil {
		return err
	}
	if err := sonic.VerifyCurrentImage(list, binary); err != nil {
		return fmt.Errorf("%s: %w: %w", o.Device.Name, util.ErrValidationFailed, err)
	}
	o.log().Infof("Switch booted with %s", binary)
	return nil
}

// linksUp returns the configured ports that are up now. A device that
// cannot be read has none.
func (o *Orchestrator) linksUp(ctx context.Context) []string {
	if len(o.Device.Ports) == 0 {
		return nil
	}
	reader := o.PortStatus
	if reader == nil {
		reader = sonic.CLIPortStatus{Engine: o.Device.Engine}
	}
	status, err := reader.PortOperStatus(ctx, o.Device.Ports)
	if err != nil {
		o.log().Warnf("Cannot read link state before install: %v", err)
		return nil
	}
	var up []string
	for _, p := range o.Device.Ports {
		if status[p] == "up" {
			up = append(up, p)
		}
	}
	o.log().Infof("Links up before install: %v", up)
	return up
}

func (o *Orchestrator) shutdownBGP(ctx context.Context) error {
	eng := o.Device.Engine
	if _, err := eng.RunCmd(ctx, "sudo config bgp shutdown all", engine.Validate()); err != nil {
		return err
	}
	o.log().Info("Waiting for all BGP sessions to go down")
	return util.RetryWith(ctx, o.sleeper(), "bgp shutdown", o.Timing.BGPTries, o.Timing.BGPDelay, func(ctx context.Context) error {
		for _, cmd := range []string{"show ip route bgp", "show ipv6 route bgp"} {
			out, err := eng.RunCmd(ctx, cmd, engine.Quiet())
			if err != nil {
				return err
			}
			if strings.TrimSpace(out) != "" {
				return errors.New("not all bgp sessions are down")
			}
		}
		return nil
	})
}

func (o *Orchestrator) startupBGP(ctx context.Context) error {
	_, err := o.Device.Engine.RunCmd(ctx, "sudo config bgp startup all", engine.Validate())
	return err
}

// Base config file names and device paths.
const (
	PortConfigINI = "port_config.ini"
	ConfigDBJSON  = "config_db.json"
)

// PortConfigPath is where SONiC reads port_config.ini for a platform.
func PortConfigPath(platform, hwsku string) string {
	return fmt.Sprintf("/usr/share/sonic/device/%s/%s/%s", platform, hwsku, PortConfigINI)
}

// ApplyBaseConfig downloads the setup's port_config.ini and config_db.json
// onto the switch and reboots into them.
func (o *Orchestrator) ApplyBaseConfig(ctx context.Context, cli sonic.GeneralCLI, req Request, ports []string) error {
	shared := req.sharedURL()
	o.log().Infof("Applying base config from %s", shared)
	platform, hwsku := req.Platform.Platform, req.Platform.HwSKU
	if platform == "" {
		platform, hwsku = o.Device.Platform, o.Device.HwSKU
	}
	if platform == "" || hwsku == "" {
		return util.NewPreconditionError("apply base config", o.Device.Name, "platform and hwsku known", "set them in the setup file")
	}
	if err := cli.DownloadFile(ctx, shared+"/"+PortConfigINI, PortConfigPath(platform, hwsku)); err != nil {
		return err
	}
	if err := cli.DownloadFile(ctx, shared+"/"+ConfigDBJSON, sonic.ConfigDBPath); err != nil {
		return err
	}
	o.transition(StateRebooting, "base config")
	return cli.RebootFlow(ctx, "reboot", ports)
}

// Fixup is one post-config adjustment.
type Fixup struct {
	Name string
	Cmd  string
}

// Fixups returns the adjustments applied after base config, in order.
func (o *Orchestrator) Fixups() []Fixup {
	var fx []Fixup
	for _, ip := range o.Device.DNSServers {
		fx = append(fx, Fixup{Name: "dns " + ip, Cmd: "sudo config dns nameserver add " + ip})
	}
	return append(fx,
		Fixup{Name: "qos reload", Cmd: "sudo config qos reload"},
		Fixup{Name: "buffermgrd restart", Cmd: "docker exec swss supervisorctl restart buffermgrd"},
		Fixup{Name: "log level", Cmd: "sudo swssloglevel -l NOTICE -a"},
	)
}

// ApplyFixups runs every fixup in order and saves the configuration. The
// first failure is returned.
func (o *Orchestrator) ApplyFixups(ctx context.Context, cli sonic.GeneralCLI) error {
	for _, f := range o.Fixups() {
		if _, err := o.Device.Engine.RunCmd(ctx, f.Cmd, engine.Validate()); err != nil {
			return fmt.Errorf("fixup %s: %w", f.Name, err)
		}
	}
	return cli.SaveConfig(ctx)
}

// ValidateDockersRebootIfFail checks the containers and reboots when they
// are not up, up to Timing.RebootValidateAttempts times. It reports
// nothing: the caller's final container check decides.
func (o *Orchestrator) ValidateDockersRebootIfFail(ctx context.Context, cli sonic.GeneralCLI, dockers []string, tries int) {
	attempts := o.Timing.RebootValidateAttempts
	for i := 1; i <= attempts; i++ {
		err := cli.VerifyDockersUp(ctx, dockers, tries)
		if err == nil {
			return
		}
		o.log().Errorf("Containers not up (%v), rebooting, try %d of %d", err, i, attempts)
		o.transition(StateRebooting, "containers down")
		if err := o.Device.Engine.Reload(ctx, []string{"sudo reboot"}, engine.DefaultReloadOptions()); err != nil {
			o.log().Errorf("Reboot failed: %v", err)
		}
	}
}

// WJHDebPath is where the What Just Happened package is staged.
const WJHDebPath = "/home/admin/wjh.deb"

// InstallWJH installs the What Just Happened package and enables it.
func (o *Orchestrator) InstallWJH(ctx context.Context, cli sonic.GeneralCLI, url string) error {
	eng := o.Device.Engine
	if err := cli.DownloadFile(ctx, url, WJHDebPath); err != nil {
		return err
	}
	if _, err := eng.RunCmd(ctx, "sudo dpkg -i "+WJHDebPath, engine.Validate()); err != nil {
		return err
	}
	if err := cli.SetFeatureState(ctx, "what-just-happened", "enabled"); err != nil {
		return err
	}
	if err := cli.SaveConfig(ctx); err != nil {
		return err
	}
	_, err := eng.RunCmd(ctx, "sudo rm -f "+WJHDebPath)
	return err
}

// DeployAll runs req on every orchestrator in parallel and waits for all
// of them. Failures are joined, one per device.
func DeployAll(ctx context.Context, orchs []*Orchestrator, req Request) ([]*Outcome, error) {
	req, err := req.Validate()
	if err != nil {
		return nil, err
	}
	outcomes := make([]*Outcome, len(orchs))
	var g engine.JobGroup
	for i, o := range orchs {
		i, o := i, o
		g.Go(o.Device.Name, func() error {
			out, err := o.Run(ctx, req)
			outcomes[i] = out
			return err
		})
	}
	return outcomes, g.Wait()
}
