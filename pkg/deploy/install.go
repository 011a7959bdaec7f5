package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// SonicTmpImage is where the sonic mechanism downloads the image.
const SonicTmpImage = "/tmp/sonic-mellanox.bin"

// DefaultRshim is the rshim device of the first DPU on a host.
const DefaultRshim = "rshim0"

// Install runs the mechanism installer once, starting from the state
// Prepare left the device in. It returns the installed image binary name
// when the mechanism knows it.
func (o *Orchestrator) Install(ctx context.Context, req Request, from BootState) (string, error) {
	o.transition(StateInstalling, string(req.Mechanism))
	switch req.Mechanism {
	case MechanismSONiC:
		return o.installSONiC(ctx, req, from)
	case MechanismONIE:
		return "", o.installONIE(ctx, req, from)
	case MechanismBFB:
		return "", o.installBFB(ctx, req)
	case MechanismPXE:
		return "", o.installPXE(ctx)
	default:
		return "", fmt.Errorf("unknown deploy type %q: %w", req.Mechanism, util.ErrInvalidConfig)
	}
}

func (o *Orchestrator) installSONiC(ctx context.Context, req Request, from BootState) (string, error) {
	if from == StateInBootloader {
		return "", util.NewPreconditionError("deploy sonic", o.Device.Name, "device runs SONiC",
			"device is in ONIE, use deploy type onie")
	}
	cli := o.CLI()
	delim, err := cli.InstallerDelimiter(ctx)
	if err != nil {
		return "", err
	}
	o.log().Info("Copying image to the switch")
	if err := cli.DownloadFile(ctx, req.ImageURL(), SonicTmpImage); err != nil {
		return "", err
	}
	o.log().Info("Installing the image")
	if _, err := cli.InstallImage(ctx, SonicTmpImage, delim); err != nil {
		var ce *util.CommandError
		if errors.As(err, &ce) {
			return "", util.NewInstallationError(string(MechanismSONiC), o.Device.Name, ce.Output, err)
		}
		return "", err
	}
	binary, err := cli.ImageBinaryVersion(ctx, SonicTmpImage, delim)
	if err != nil {
		return "", err
	}
	o.log().Infof("Setting %s as default image", binary)
	if err := cli.SetDefaultImage(ctx, binary, delim); err != nil {
		return "", err
	}
	o.transition(StateRebooting, "")
	if err := o.Device.Engine.Reload(ctx, []string{"sudo reboot"}, engine.DefaultReloadOptions()); err != nil {
		return "", err
	}
	return binary, nil
}

func (o *Orchestrator) installONIE(ctx context.Context, req Request, from BootState) error {
	sess := o.NewONIE()
	if from == StateInOS {
		o.log().Info("Setting next boot entry to ONIE")
		if err := o.CLI().SetNextBootEntryToONIE(ctx); err != nil {
			return err
		}
		o.transition(StateRebooting, "into ONIE")
		opts := engine.ReloadOptions{
			WaitAfterPing:  o.Timing.OnieRebootWaitAfterPing,
			SSHAfterReload: false,
			PortTries:      o.Timing.PortTries,
		}
		if err := o.Device.Engine.Reload(ctx, []string{"sudo reboot"}, opts); err != nil {
			return err
		}
		if err := sess.ConfirmInstallMode(ctx); err != nil {
			return err
		}
	}
	o.transition(StateInstalling, "onie-nos-install")
	if _, err := sess.Install(ctx, req.ImageURL()); err != nil {
		return err
	}
	o.Device.Disconnect()
	return o.waitSSH(ctx)
}

func (o *Orchestrator) installBFB(ctx context.Context, req Request) error {
	spec := o.Device.BFB
	if spec == nil {
		return util.NewPreconditionError("deploy bfb", o.Device.Name, "bfb host configured", "")
	}
	img := req.ImageLocalPath()
	if img == "" {
		return util.NewPreconditionError("deploy bfb", o.Device.Name, "image on NFS", req.ImageURL())
	}
	rshim := spec.Rshim
	if rshim == "" {
		rshim = DefaultRshim
	}
	cmd := fmt.Sprintf("sudo bfb-install --bfb %s --rshim %s", img, rshim)
	if spec.Host != "" {
		cmd = fmt.Sprintf("ssh %s %s", spec.Host, util.SingleQuote(cmd))
	}
	res := o.Host.Run(ctx, cmd, o.Timing.BFBTimeout)
	if res.Err != nil || res.ExitCode != 0 {
		cause := res.Err
		if cause == nil {
			cause = fmt.Errorf("bfb-install rc %d", res.ExitCode)
		}
		return util.NewInstallationError(string(MechanismBFB), o.Device.Name, res.Stdout+res.Stderr, cause)
	}
	o.Device.Disconnect()
	if err := o.waitBoot(ctx); err != nil {
		return err
	}
	return o.waitSSH(ctx)
}

func (o *Orchestrator) installPXE(ctx context.Context) error {
	cmd := o.Device.PXEBootCmd
	if cmd == "" {
		return util.NewPreconditionError("deploy pxe", o.Device.Name, "pxe boot-next command configured", "")
	}
	res := o.Host.Run(ctx, cmd, o.Timing.HostTimeout)
	if res.Err != nil {
		return fmt.Errorf("pxe boot-next %s: %w", o.Device.Name, res.Err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("pxe boot-next %s: rc %d: %s", o.Device.Name, res.ExitCode, util.FirstLine(res.Stderr))
	}
	o.Device.Disconnect()
	if err := o.RemoteReboot(ctx); err != nil {
		return err
	}
	if err := o.sleep(ctx, o.Timing.SleepAfterRemoteReboot, "after PXE boot"); err != nil {
		return err
	}
	return o.waitSSH(ctx)
}

// waitSSH polls until the NOS accepts the device credentials.
func (o *Orchestrator) waitSSH(ctx context.Context) error {
	return util.RetryWith(ctx, o.sleeper(), "ssh login "+o.Device.Name, o.Timing.SSHTries, o.Timing.SSHDelay,
		func(ctx context.Context) error {
			_, err := o.Device.Engine.RunCmd(ctx, "echo dummy_command", engine.Validate(), engine.Quiet())
			return err
		})
}

// installWithRetry prepares and installs. An InstallationError gets one
// remote reboot, one settle sleep and one identical second attempt; any
// other failure, or a second InstallationError, is returned as is.
func (o *Orchestrator) installWithRetry(ctx context.Context, req Request) (string, error) {
	binary, err := o.prepareAndInstall(ctx, req)
	if !util.IsInstallationError(err) {
		return binary, err
	}
	o.log().Errorf("Installation failed, rebooting and trying again: %v", err)
	if o.outcome != nil {
		o.outcome.Retried = true
	}
	o.Device.Disconnect()
	if err := o.RemoteReboot(ctx); err != nil {
		return "", err
	}
	if err := o.sleep(ctx, o.Timing.SleepAfterRemoteReboot, "to handle ssh flapping"); err != nil {
		return "", err
	}
	return o.prepareAndInstall(ctx, req)
}

func (o *Orchestrator) prepareAndInstall(ctx context.Context, req Request) (string, error) {
	from := StateUnknown
	var err error
	switch req.Mechanism {
	case MechanismONIE:
		from, err = o.Prepare(ctx)
	case MechanismSONiC:
		from, err = o.prepareSONiC(ctx)
	}
	if err != nil {
		return "", err
	}
	if from == StateInOS {
		// The running branch picks the installer syntax.
		if err := o.Device.Refresh(ctx); err != nil {
			return "", err
		}
	}
	return o.Install(ctx, req, from)
}
