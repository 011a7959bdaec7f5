package device

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/newtron-network/newtdeploy/pkg/engine"
)

// ReleaseRoot is the NFS directory SONiC release images are published under.
const ReleaseRoot = "/auto/sw_system_release/sonic/"

const sonicVersionFile = "/etc/sonic/sonic_version.yml"

func versionField(ctx context.Context, eng engine.Engine, field string) (string, error) {
	cmd := fmt.Sprintf("sonic-cfggen -y %s -v %s", sonicVersionFile, field)
	out, err := eng.RunCmd(ctx, cmd, engine.Validate(), engine.Quiet())
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", field, err)
	}
	return strings.TrimSpace(out), nil
}

// DetectBranch returns the release branch the device runs. Master builds
// report release "none".
func DetectBranch(ctx context.Context, eng engine.Engine) (string, error) {
	release, err := versionField(ctx, eng, "release")
	if err != nil {
		return "", err
	}
	return NormalizeBranch(release), nil
}

// NormalizeBranch maps the sonic_version.yml release field to a branch name.
func NormalizeBranch(release string) string {
	release = strings.Trim(strings.TrimSpace(release), `'"`)
	if release == "" || release == "none" {
		return "master"
	}
	return release
}

// DetectImageVersion returns build_version, e.g. "master.234-27a6641fb_Internal".
func DetectImageVersion(ctx context.Context, eng engine.Engine) (string, error) {
	return versionField(ctx, eng, "build_version")
}

// DetectSanitizer reports whether the running image is an ASAN build.
func DetectSanitizer(ctx context.Context, eng engine.Engine) (bool, error) {
	version, err := DetectImageVersion(ctx, eng)
	if err != nil {
		return false, err
	}
	return IsSanitizerVersion(version), nil
}

// IsSanitizerVersion reports whether a build_version names an ASAN build.
func IsSanitizerVersion(version string) bool {
	return strings.Contains(strings.ToLower(version), "asan")
}

// BranchFromImagePath extracts the branch from a release image path:
//
//	/auto/sw_system_release/sonic/master.234-27a6641fb_Internal/Mellanox/sonic-mellanox.bin -> master
//
// Symlinks are resolved first so "latest" links yield the real branch.
func BranchFromImagePath(imagePath string) (string, error) {
	real := imagePath
	if resolved, err := filepath.EvalSymlinks(imagePath); err == nil {
		real = resolved
	}
	real = strings.Replace(real, "/.autodirect/", "/auto/", 1)

	_, rest, ok := strings.Cut(real, ReleaseRoot)
	if !ok || rest == "" {
		return "", fmt.Errorf("image %s is not under %s", imagePath, ReleaseRoot)
	}
	dir, _, _ := strings.Cut(rest, "/")
	branch, _, _ := strings.Cut(dir, ".")
	if branch == "" {
		return "", fmt.Errorf("no branch in image path %s", imagePath)
	}
	return branch, nil
}
