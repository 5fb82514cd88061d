package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/pkg/errors"
)

// File is one deployable APK.
type File struct {
	Path string
	// ABI is set for ABI-split APKs.
	ABI string
}

// Info is one deployable unit for a device. It is immutable for the
// duration of a launch.
type Info struct {
	ApplicationID string
	Files         []File
	// Features lists dynamic feature modules included in Files.
	Features []string
}

// Paths returns the file paths in install order.
func (i Info) Paths() []string {
	out := make([]string, 0, len(i.Files))
	for _, f := range i.Files {
		out = append(out, f.Path)
	}
	return out
}

// Provider resolves the artifacts to deploy on a specific device.
type Provider interface {
	Artifacts(ctx context.Context, desc device.Descriptor) (Info, error)
}

// IDResolver is implemented by providers that know the application id
// before a device is chosen.
type IDResolver interface {
	ResolveApplicationID() (string, error)
}

// ApplicationID returns the id p declares, or an error when p cannot tell.
func ApplicationID(p Provider) (string, error) {
	if r, ok := p.(IDResolver); ok {
		return r.ResolveApplicationID()
	}
	return "", errors.New("artifact: provider cannot resolve the application id")
}

// MissingError reports an artifact that does not exist locally.
type MissingError struct {
	Path   string
	Reason string
}

func (e *MissingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("artifact missing: %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("artifact missing: %s", e.Path)
}

// Validate checks that info names an application and that every file exists.
func Validate(info Info) error {
	if strings.TrimSpace(info.ApplicationID) == "" {
		return errors.New("artifact: application id is empty")
	}
	if len(info.Files) == 0 {
		return &MissingError{Path: info.ApplicationID, Reason: "no APK files"}
	}
	for _, f := range info.Files {
		st, err := os.Stat(f.Path)
		if err != nil {
			return &MissingError{Path: f.Path, Reason: err.Error()}
		}
		if st.IsDir() {
			return &MissingError{Path: f.Path, Reason: "is a directory"}
		}
	}
	return nil
}

// StaticProvider serves a fixed list of APKs regardless of device.
type StaticProvider struct {
	ApplicationID string
	Paths         []string
}

func (p StaticProvider) Artifacts(ctx context.Context, desc device.Descriptor) (Info, error) {
	info := Info{ApplicationID: strings.TrimSpace(p.ApplicationID)}
	for _, path := range p.Paths {
		if path = strings.TrimSpace(path); path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return Info{}, errors.Wrapf(err, "resolve %s", path)
		}
		info.Files = append(info.Files, File{Path: abs})
	}
	return info, nil
}

func (p StaticProvider) ResolveApplicationID() (string, error) {
	if id := strings.TrimSpace(p.ApplicationID); id != "" {
		return id, nil
	}
	return "", errors.New("artifact: application id is empty")
}
