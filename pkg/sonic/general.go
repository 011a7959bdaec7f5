package sonic

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/health"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// GeneralCLI covers installer, config and reboot operations on a SONiC
// switch. Methods taking a delimiter expect the result of
// InstallerDelimiter: "-" for sonic-installer, "_" for sonic_installer.
type GeneralCLI interface {
	Variant() string
	Engine() engine.Engine

	InstallerDelimiter(ctx context.Context) (string, error)
	InstallImage(ctx context.Context, path, delim string) (string, error)
	ImageBinaryVersion(ctx context.Context, path, delim string) (string, error)
	SetDefaultImage(ctx context.Context, binary, delim string) error
	ListImages(ctx context.Context, delim string) (string, error)
	SetNextBootEntryToONIE(ctx context.Context) error

	LoadConfig(ctx context.Context, path string) error
	ReloadConfig(ctx context.Context, force bool) error
	SaveConfig(ctx context.Context) error
	ConfigDB(ctx context.Context) (ConfigDB, error)
	RunningConfigDB(ctx context.Context) (ConfigDB, error)
	UploadConfigDB(ctx context.Context, db ConfigDB) error

	DownloadFile(ctx context.Context, url, target string) error
	RebootFlow(ctx context.Context, rebootType string, ports []string) error
	VerifyDockersUp(ctx context.Context, dockers []string, tries int) error
	CheckLinkState(ctx context.Context, ports []string) error

	ShowPlatformSummary(ctx context.Context) (map[string]string, error)
	FeatureState(ctx context.Context) (string, error)
	SetFeatureState(ctx context.Context, feature, state string) error
}

// generalOverrides holds the operations whose syntax differs by branch.
// Nil fields use the default implementation.
type generalOverrides struct {
	installImage func(g *General, ctx context.Context, path, delim string) (string, error)
	reloadConfig func(g *General, ctx context.Context, force bool) error
}

// masterOverrides is shared by master and the release branches cut from it.
var masterOverrides = generalOverrides{
	reloadConfig: func(g *General, ctx context.Context, force bool) error {
		cmd := "sudo config reload -y"
		if force {
			cmd += " -f"
		}
		return g.run(ctx, cmd)
	},
}

var generalResolver = NewResolver("general", map[string]Factory[GeneralCLI]{
	"default": func(v string, a Args) GeneralCLI { return newGeneral(v, a, generalOverrides{}) },
	"master":  func(v string, a Args) GeneralCLI { return newGeneral(v, a, masterOverrides) },
	"202012": func(v string, a Args) GeneralCLI {
		ov := masterOverrides
		ov.installImage = func(g *General, ctx context.Context, path, delim string) (string, error) {
			return g.output(ctx, fmt.Sprintf("sudo sonic%sinstaller install %s -y --skip-package-migration", delim, path))
		}
		return newGeneral(v, a, ov)
	},
	"202111": func(v string, a Args) GeneralCLI { return newGeneral(v, a, masterOverrides) },
})

// GeneralResolver returns the general family resolver.
func GeneralResolver() *Resolver[GeneralCLI] { return generalResolver }

// NewGeneralCLI resolves the general CLI for branch.
func NewGeneralCLI(branch string, args Args) GeneralCLI {
	return generalResolver.Resolve(branch, args)
}

// General is the shared implementation behind every general variant.
type General struct {
	variant    string
	eng        engine.Engine
	sleeper    util.Sleeper
	portStatus PortStatusReader
	ov         generalOverrides
}

var _ GeneralCLI = (*General)(nil)

func newGeneral(variant string, a Args, ov generalOverrides) *General {
	g := &General{
		variant:    variant,
		eng:        a.Engine,
		sleeper:    a.sleeper(),
		portStatus: a.PortStatus,
		ov:         ov,
	}
	if g.portStatus == nil {
		g.portStatus = CLIPortStatus{Engine: a.Engine}
	}
	return g
}

// Variant returns the resolved variant key.
func (g *General) Variant() string { return g.variant }

// Engine returns the underlying engine.
func (g *General) Engine() engine.Engine { return g.eng }

func (g *General) run(ctx context.Context, cmd string) error {
	_, err := g.eng.RunCmd(ctx, cmd, engine.Validate())
	return err
}

func (g *General) output(ctx context.Context, cmd string) (string, error) {
	return g.eng.RunCmd(ctx, cmd, engine.Validate())
}

// InstallerDelimiter detects the installer flavour. It changes between
// images, so callers re-detect after every reboot into a new image.
func (g *General) InstallerDelimiter(ctx context.Context) (string, error) {
	out, err := g.eng.RunCmd(ctx, "which sonic-installer", engine.Quiet())
	if err != nil {
		return "", err
	}
	if strings.Contains(out, "sonic-installer") {
		return "-", nil
	}
	return "_", nil
}

// InstallImage installs the image at path.
func (g *General) InstallImage(ctx context.Context, path, delim string) (string, error) {
	if g.ov.installImage != nil {
		return g.ov.installImage(g, ctx, path, delim)
	}
	return g.output(ctx, fmt.Sprintf("sudo sonic%sinstaller install %s -y", delim, path))
}

// ImageBinaryVersion returns the image name embedded in the binary at path.
func (g *General) ImageBinaryVersion(ctx context.Context, path, delim string) (string, error) {
	out, err := g.output(ctx, fmt.Sprintf("sudo sonic%sinstaller binary%sversion %s", delim, delim, path))
	if err != nil {
		return "", err
	}
	return util.LastLine(out), nil
}

// SetDefaultImage makes binary the next boot image.
func (g *General) SetDefaultImage(ctx context.Context, binary, delim string) error {
	return g.run(ctx, fmt.Sprintf("sudo sonic%sinstaller set%sdefault %s", delim, delim, binary))
}

// ListImages returns the raw installer list output.
func (g *General) ListImages(ctx context.Context, delim string) (string, error) {
	return g.output(ctx, fmt.Sprintf("sudo sonic%sinstaller list", delim))
}

// SetNextBootEntryToONIE makes the next boot enter ONIE.
func (g *General) SetNextBootEntryToONIE(ctx context.Context) error {
	return g.run(ctx, "sudo grub-editenv /host/grub/grubenv set next_entry=ONIE")
}

// LoadConfig merges a config file into the running configuration.
func (g *General) LoadConfig(ctx context.Context, path string) error {
	return g.run(ctx, "sudo config load -y "+path)
}

// ReloadConfig reloads config_db.json into the running configuration.
func (g *General) ReloadConfig(ctx context.Context, force bool) error {
	if g.ov.reloadConfig != nil {
		return g.ov.reloadConfig(g, ctx, force)
	}
	return g.run(ctx, "sudo config reload -y")
}

// SaveConfig persists the running configuration.
func (g *General) SaveConfig(ctx context.Context) error {
	return g.run(ctx, "sudo config save -y")
}

// ConfigDB reads the persisted config_db.json.
func (g *General) ConfigDB(ctx context.Context) (ConfigDB, error) {
	out, err := g.eng.RunCmd(ctx, "cat "+ConfigDBPath, engine.Validate(), engine.Quiet())
	if err != nil {
		return nil, err
	}
	return ParseConfigDB([]byte(out))
}

// RunningConfigDB reads the configuration currently loaded in CONFIG_DB,
// including changes not yet saved.
func (g *General) RunningConfigDB(ctx context.Context) (ConfigDB, error) {
	out, err := g.eng.RunCmd(ctx, "show runningconfiguration all", engine.Validate(), engine.Quiet())
	if err != nil {
		return nil, err
	}
	return ParseConfigDB([]byte(out))
}

// UploadConfigDB overwrites the persisted config_db.json.
func (g *General) UploadConfigDB(ctx context.Context, db ConfigDB) error {
	data, err := db.Marshal()
	if err != nil {
		return err
	}
	return g.eng.WriteFile(ctx, ConfigDBPath, data)
}

// DownloadFile fetches url onto the device.
func (g *General) DownloadFile(ctx context.Context, url, target string) error {
	return g.run(ctx, fmt.Sprintf("sudo curl %s -o %s", url, target))
}

// RebootFlow reboots with rebootType (reboot, fast-reboot, warm-reboot)
// and waits for containers and ports to come back.
func (g *General) RebootFlow(ctx context.Context, rebootType string, ports []string) error {
	switch rebootType {
	case "":
		rebootType = "reboot"
	case "reboot", "fast-reboot", "warm-reboot":
	default:
		return fmt.Errorf("unknown reboot type %q", rebootType)
	}
	util.WithOperation(rebootType).Infof("Rebooting %s", g.eng.Address())
	if err := g.eng.Reload(ctx, []string{"sudo " + rebootType}, engine.DefaultReloadOptions()); err != nil {
		return err
	}
	if err := g.VerifyDockersUp(ctx, DockersList, DefaultDockerTries); err != nil {
		return err
	}
	return g.CheckLinkState(ctx, ports)
}

// VerifyDockersUp polls until every docker runs. A nil list means
// DockersList; tries below 1 means DefaultDockerTries.
func (g *General) VerifyDockersUp(ctx context.Context, dockers []string, tries int) error {
	if dockers == nil {
		dockers = DockersList
	}
	if tries < 1 {
		tries = DefaultDockerTries
	}
	return health.Poll(ctx, g.sleeper, DockersCheck{Engine: g.eng, Dockers: dockers}, tries, DefaultDockerDelay)
}

// CheckLinkState polls until every port is oper up.
func (g *General) CheckLinkState(ctx context.Context, ports []string) error {
	return health.Poll(ctx, g.sleeper, LinksCheck{Source: g.portStatus, Ports: ports}, DefaultLinkTries, DefaultLinkDelay)
}

// ShowPlatformSummary returns "show platform summary" as a map.
func (g *General) ShowPlatformSummary(ctx context.Context) (map[string]string, error) {
	out, err := g.output(ctx, "show platform summary")
	if err != nil {
		return nil, err
	}
	return ParsePlatformSummary(out), nil
}

// FeatureState returns "show feature status".
func (g *General) FeatureState(ctx context.Context) (string, error) {
	return g.output(ctx, "show feature status")
}

// SetFeatureState enables or disables a feature.
func (g *General) SetFeatureState(ctx context.Context, feature, state string) error {
	return g.run(ctx, fmt.Sprintf("sudo config feature state %s %s", feature, state))
}
