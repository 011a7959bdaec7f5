// Package image resolves image locations to installer URLs and can serve
// local images over HTTP for the duration of a deployment.
package image

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// DefaultHTTPBase is the lab HTTP server that exports the NFS tree.
const DefaultHTTPBase = "http://fit69.mtl.labs.mlnx"

// Image roles in a deployment.
const (
	RoleBase   = "base_version"
	RoleTarget = "target_version"
)

var (
	urlRE = regexp.MustCompile(`^https?://`)
	nfsRE = regexp.MustCompile(`^(/auto/|/\.autodirect/).+`)
)

// IsURL reports whether p is an http(s) URL.
func IsURL(p string) bool { return urlRE.MatchString(p) }

// NormalizeNFSPath maps the legacy /.autodirect/ mount to /auto/.
func NormalizeNFSPath(p string) string {
	if strings.HasPrefix(p, "/.autodirect/") {
		return "/auto/" + strings.TrimPrefix(p, "/.autodirect/")
	}
	return p
}

// VerifyInNFS fails unless p lives on the shared NFS tree.
func VerifyInNFS(p string) error {
	if !nfsRE.MatchString(p) {
		return fmt.Errorf("image %s must be located under /auto/ or /.autodirect/: %w", p, util.ErrInvalidConfig)
	}
	return nil
}

// ToInstallerURL turns an NFS path into the URL the lab HTTP server
// exports it under.
func ToInstallerURL(p, httpBase string) (string, error) {
	if err := VerifyInNFS(p); err != nil {
		return "", err
	}
	if httpBase == "" {
		httpBase = DefaultHTTPBase
	}
	return strings.TrimRight(httpBase, "/") + NormalizeNFSPath(p), nil
}

// FromURL maps a URL under httpBase back to its NFS path. ok is false for
// URLs outside the export.
func FromURL(url, httpBase string) (string, bool) {
	if httpBase == "" {
		httpBase = DefaultHTTPBase
	}
	rest, found := strings.CutPrefix(url, strings.TrimRight(httpBase, "/"))
	if !found || VerifyInNFS(rest) != nil {
		return "", false
	}
	return NormalizeNFSPath(rest), true
}

// VerifyFileExists fails unless p is a regular file.
func VerifyFileExists(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("cannot access image %s: %w", p, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("cannot access image %s: not a regular file", p)
	}
	return nil
}

// PrepareOptions controls Prepare.
type PrepareOptions struct {
	// Serve exports the images from a local HTTP server instead of
	// relying on the lab HTTP server.
	Serve bool
	// HTTPBase is the lab HTTP server. Empty means DefaultHTTPBase.
	HTTPBase string
	// ListenAddr and AdvertiseHost configure the local server.
	ListenAddr    string
	AdvertiseHost string
}

// Prepare resolves the base and optional target image to installer URLs
// keyed by role. With Serve set it starts a Server, which the caller must
// Close once the devices have downloaded the images.
func Prepare(ctx context.Context, base, target string, opts PrepareOptions) (map[string]string, *Server, error) {
	urls := map[string]string{}
	if opts.Serve {
		files := map[string]string{RoleBase: base}
		if target != "" {
			files[RoleTarget] = target
		}
		srv, err := NewServer(files, opts.AdvertiseHost)
		if err != nil {
			return nil, nil, err
		}
		if err := srv.Start(ctx, opts.ListenAddr); err != nil {
			return nil, nil, err
		}
		for role := range files {
			urls[role] = srv.URL(role)
		}
		logURLs(urls)
		return urls, srv, nil
	}

	for role, p := range map[string]string{RoleBase: base, RoleTarget: target} {
		if p == "" {
			continue
		}
		u, err := installerURL(p, opts.HTTPBase)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", role, err)
		}
		urls[role] = u
	}
	logURLs(urls)
	return urls, nil, nil
}

func installerURL(p, httpBase string) (string, error) {
	if IsURL(p) {
		return p, nil
	}
	if err := VerifyFileExists(p); err != nil {
		return "", err
	}
	return ToInstallerURL(p, httpBase)
}

func logURLs(urls map[string]string) {
	for _, role := range []string{RoleBase, RoleTarget} {
		if u, ok := urls[role]; ok {
			util.Infof("Image %s URL is: %s", role, u)
		}
	}
}
