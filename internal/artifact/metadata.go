package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// OutputMetadataProvider reads the output-metadata.json written by the
// Android Gradle plugin next to the built APKs and picks the split matching
// the device ABIs.
type OutputMetadataProvider struct {
	Path string
	// ApplicationID overrides the id recorded in the metadata.
	ApplicationID string
}

func (p OutputMetadataProvider) Artifacts(ctx context.Context, desc device.Descriptor) (Info, error) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return Info{}, &MissingError{Path: p.Path, Reason: err.Error()}
	}
	if !gjson.ValidBytes(raw) {
		return Info{}, errors.Errorf("artifact: invalid output metadata %s", p.Path)
	}
	doc := gjson.ParseBytes(raw)
	if kind := doc.Get("artifactType.type").String(); kind != "" && kind != "APK" {
		return Info{}, errors.Errorf("artifact: unsupported artifact type %s in %s", kind, p.Path)
	}
	appID := strings.TrimSpace(p.ApplicationID)
	if appID == "" {
		appID = doc.Get("applicationId").String()
	}
	dir := filepath.Dir(p.Path)

	var (
		universal string
		byABI     = make(map[string]string)
	)
	doc.Get("elements").ForEach(func(_, el gjson.Result) bool {
		file := el.Get("outputFile").String()
		if file == "" {
			return true
		}
		abi := ""
		el.Get("filters").ForEach(func(_, f gjson.Result) bool {
			if f.Get("filterType").String() == "ABI" {
				abi = f.Get("value").String()
				return false
			}
			return true
		})
		if abi == "" {
			if universal == "" {
				universal = file
			}
			return true
		}
		if _, ok := byABI[abi]; !ok {
			byABI[abi] = file
		}
		return true
	})

	// device ABIs are listed in preference order
	for _, abi := range desc.ABIs {
		if file, ok := byABI[abi]; ok {
			return Info{ApplicationID: appID, Files: []File{{Path: filepath.Join(dir, file), ABI: abi}}}, nil
		}
	}
	if universal != "" {
		return Info{ApplicationID: appID, Files: []File{{Path: filepath.Join(dir, universal)}}}, nil
	}
	if len(byABI) > 0 {
		return Info{}, errors.Errorf("artifact: no APK in %s matches device ABIs %s",
			p.Path, strings.Join(desc.ABIs, ","))
	}
	return Info{}, &MissingError{Path: p.Path, Reason: "no output files listed"}
}

// ResolveApplicationID returns the application id without selecting a split.
func (p OutputMetadataProvider) ResolveApplicationID() (string, error) {
	if id := strings.TrimSpace(p.ApplicationID); id != "" {
		return id, nil
	}
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return "", &MissingError{Path: p.Path, Reason: err.Error()}
	}
	id := gjson.GetBytes(raw, "applicationId").String()
	if id == "" {
		return "", errors.Errorf("artifact: no applicationId in %s", p.Path)
	}
	return id, nil
}
