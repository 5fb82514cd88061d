package device

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device is a live connection to one Android device.
type Device interface {
	Serial() string
	// Shell runs a shell command and returns its combined output. An in-flight
	// command is only interrupted by closing the underlying connection.
	Shell(ctx context.Context, command string, args ...string) (string, error)
	Push(ctx context.Context, localPath, remotePath string) error
	Online(ctx context.Context) (bool, error)
}

// Provider 返回当前已连接设备及其句柄。
type Provider interface {
	ListDevices(ctx context.Context) ([]string, error)
	Device(serial string) (Device, error)
}

// Descriptor is an immutable capability snapshot of a device.
type Descriptor struct {
	Serial     string
	APILevel   int
	Codename   string
	ABIs       []string
	Density    int
	Features   []string
	Debuggable bool
	Virtual    bool
	Running    bool
	AVDName    string
	Model      string
}

// HasFeature reports whether the device advertises a hardware feature.
func (d Descriptor) HasFeature(name string) bool {
	for _, f := range d.Features {
		if f == name {
			return true
		}
	}
	return false
}

// String renders a short human label.
func (d Descriptor) String() string {
	name := d.Model
	if d.Virtual && d.AVDName != "" {
		name = d.AVDName
	}
	if name == "" {
		return d.Serial
	}
	return fmt.Sprintf("%s [%s]", name, d.Serial)
}

// Requirements describes what an application needs from a device.
type Requirements struct {
	MinAPI   int
	ABIs     []string
	Features []string
}

// Compatibility is the outcome of CanRun.
type Compatibility struct {
	OK     bool
	Reason string
}

// CanRun checks a descriptor against requirements. ABIs match when any
// required ABI is supported; an empty requirement list matches everything.
func CanRun(d Descriptor, req Requirements) Compatibility {
	if req.MinAPI > 0 && d.APILevel > 0 && d.APILevel < req.MinAPI {
		return Compatibility{Reason: fmt.Sprintf("minSdk(API %d) > deviceSdk(API %d)", req.MinAPI, d.APILevel)}
	}
	if len(req.ABIs) > 0 && len(d.ABIs) > 0 {
		matched := false
		for _, want := range req.ABIs {
			for _, have := range d.ABIs {
				if want == have {
					matched = true
				}
			}
		}
		if !matched {
			return Compatibility{Reason: fmt.Sprintf("device supports %s, but app requires %s",
				strings.Join(d.ABIs, ", "), strings.Join(req.ABIs, ", "))}
		}
	}
	for _, feature := range req.Features {
		if !d.HasFeature(feature) {
			return Compatibility{Reason: fmt.Sprintf("missing feature: %s", feature)}
		}
	}
	return Compatibility{OK: true}
}

// Describe queries system properties and features to build a Descriptor.
func Describe(ctx context.Context, dev Device) (Descriptor, error) {
	if dev == nil {
		return Descriptor{}, errors.New("describe device: nil device")
	}
	desc := Descriptor{Serial: dev.Serial(), Running: true}
	out, err := dev.Shell(ctx, "getprop")
	if err != nil {
		return desc, errors.Wrapf(err, "getprop on %s", dev.Serial())
	}
	props := ParseProperties(out)
	desc.APILevel, _ = strconv.Atoi(props["ro.build.version.sdk"])
	desc.Codename = props["ro.build.version.codename"]
	if desc.Codename == "REL" {
		desc.Codename = ""
	}
	if abis := props["ro.product.cpu.abilist"]; abis != "" {
		desc.ABIs = splitList(abis)
	} else {
		for _, key := range []string{"ro.product.cpu.abi", "ro.product.cpu.abi2"} {
			if v := props[key]; v != "" {
				desc.ABIs = append(desc.ABIs, v)
			}
		}
	}
	desc.Density, _ = strconv.Atoi(props["ro.sf.lcd_density"])
	desc.Debuggable = props["ro.debuggable"] == "1"
	desc.Model = props["ro.product.model"]
	desc.Virtual = props["ro.kernel.qemu"] == "1" || props["ro.boot.qemu"] == "1" ||
		strings.HasPrefix(desc.Serial, "emulator-")
	desc.AVDName = firstNonEmpty(props["ro.boot.qemu.avd_name"], props["ro.kernel.qemu.avd_name"])

	if features, err := dev.Shell(ctx, "pm", "list", "features"); err == nil {
		desc.Features = parseFeatures(features)
	}
	return desc, nil
}

// ParseProperties parses `getprop` output lines of the form `[key]: [value]`.
func ParseProperties(out string) map[string]string {
	props := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "[") {
			continue
		}
		sep := strings.Index(line, "]: [")
		if sep < 0 || !strings.HasSuffix(line, "]") {
			continue
		}
		key := line[1:sep]
		val := line[sep+4 : len(line)-1]
		props[key] = val
	}
	return props
}

func parseFeatures(out string) []string {
	var features []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "feature:"); ok {
			if i := strings.Index(name, "="); i >= 0 {
				name = name[:i]
			}
			features = append(features, name)
		}
	}
	sort.Strings(features)
	return features
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
