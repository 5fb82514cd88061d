package installer

import (
	"fmt"
	"regexp"
	"strings"
)

// Code classifies an install failure.
type Code string

const (
	Success            Code = "SUCCESS"
	DeviceBusy         Code = "DEVICE_BUSY"
	VersionDowngrade   Code = "VERSION_DOWNGRADE"
	SignatureMismatch  Code = "SIGNATURE_MISMATCH"
	DexoptFailure      Code = "DEXOPT_FAILURE"
	NoCertificate      Code = "NO_CERTIFICATE"
	UnsupportedSdk     Code = "UNSUPPORTED_SDK"
	DeviceDisconnected Code = "DEVICE_DISCONNECTED"
	// PushFailed is an I/O error copying the APK to the device.
	PushFailed Code = "PUSH_FAILED"
	Untyped    Code = "UNTYPED"
)

// Retryable reports whether the failure is retried automatically.
func (c Code) Retryable() bool { return c == DeviceBusy }

// Destructive reports whether recovery requires uninstalling the package.
func (c Code) Destructive() bool {
	switch c {
	case VersionDowngrade, SignatureMismatch, DexoptFailure, Untyped:
		return true
	}
	return false
}

// Fatal reports whether the failure cannot be recovered.
func (c Code) Fatal() bool {
	switch c {
	case NoCertificate, UnsupportedSdk, DeviceDisconnected, PushFailed:
		return true
	}
	return false
}

// Hint is the user-facing explanation for a failure class.
func (c Code) Hint() string {
	switch c {
	case DeviceBusy:
		return "The device is not ready to install packages yet."
	case VersionDowngrade:
		return "The device already has a newer version of this application."
	case SignatureMismatch:
		return "The device already has an application with the same package but a different signature."
	case DexoptFailure:
		return "The device could not optimise the application's dex files."
	case NoCertificate:
		return "The APK is not signed."
	case UnsupportedSdk:
		return "The application requires a newer platform version than the device runs."
	case DeviceDisconnected:
		return "The device went away during installation."
	case PushFailed:
		return "The APK could not be copied to the device."
	}
	return "Installation failed."
}

type marker struct {
	text string
	code Code
}

// adb: "error: device 'emulator-5554' not found"
var missingDevice = regexp.MustCompile(`device '[^']*' not found`)

// order matters: the first marker found wins
var markers = []marker{
	{"INSTALL_FAILED_UPDATE_INCOMPATIBLE", SignatureMismatch},
	{"INSTALL_FAILED_INCONSISTENT_CERTIFICATES", SignatureMismatch},
	{"INSTALL_FAILED_SHARED_USER_INCOMPATIBLE", SignatureMismatch},
	{"INSTALL_FAILED_VERSION_DOWNGRADE", VersionDowngrade},
	{"INSTALL_FAILED_DEXOPT", DexoptFailure},
	{"INSTALL_PARSE_FAILED_NO_CERTIFICATES", NoCertificate},
	{"INSTALL_PARSE_FAILED_INCONSISTENT_CERTIFICATES", NoCertificate},
	{"INSTALL_FAILED_OLDER_SDK", UnsupportedSdk},
	{"device not found", DeviceDisconnected},
	{"device offline", DeviceDisconnected},
	{"no devices/emulators found", DeviceDisconnected},
	{"Can't find service: package", DeviceBusy},
	{"Is the system running?", DeviceBusy},
	{"Could not access the Package Manager", DeviceBusy},
}

// Classify maps install command output to a Code. Output containing none of
// the known markers is Success when it reports "Success", Untyped otherwise.
func Classify(output string) Code {
	if missingDevice.MatchString(output) {
		return DeviceDisconnected
	}
	for _, m := range markers {
		if strings.Contains(output, m.text) {
			return m.code
		}
	}
	if strings.Contains(output, "Success") {
		return Success
	}
	return Untyped
}

// Failure is a classified install failure.
type Failure struct {
	Code    Code
	Serial  string
	Package string
	Output  string
	Err     error
}

func (f *Failure) Error() string {
	detail := strings.TrimSpace(f.Output)
	if detail == "" && f.Err != nil {
		detail = f.Err.Error()
	}
	return fmt.Sprintf("install %s on %s failed (%s): %s", f.Package, f.Serial, f.Code, detail)
}

func (f *Failure) Unwrap() error { return f.Err }
